package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/opensource-finance/kpiwatch/internal/cases"
	"github.com/opensource-finance/kpiwatch/internal/domain"
)

var caseIDPattern = regexp.MustCompile(`[A-Za-z0-9_.-]+-\d{8}-\d{4}\b`)

// ExtractCaseID finds the first case id in a task name that known accepts.
// A match that is not known is retried with leading "-" segments removed,
// so "CZM-R1-20260126-0001" resolves to "R1-20260126-0001".
func ExtractCaseID(name string, known func(id string) bool) (string, bool) {
	for _, match := range caseIDPattern.FindAllString(name, -1) {
		candidate := match
		for {
			if known(candidate) {
				return candidate, true
			}
			_, rest, ok := strings.Cut(candidate, "-")
			if !ok || !caseIDPattern.MatchString(rest) {
				break
			}
			candidate = rest
		}
	}
	return "", false
}

// SyncOutcome counts what one reconciliation changed.
type SyncOutcome struct {
	Tasks         int
	Matched       int
	Closed        int
	Reopened      int
	Linked        int
	SkippedManual int
	Changed       []*domain.Case
}

// Reconciler applies tracker task state to AUTO cases.
type Reconciler struct {
	source domain.TaskSource
}

// NewReconciler creates a reconciler. A nil source makes Sync a no-op.
func NewReconciler(source domain.TaskSource) *Reconciler {
	return &Reconciler{source: source}
}

// Sync links, closes and reopens AUTO cases referenced by task names. Source
// failures are returned wrapping ErrSourceUnavailable before anything is
// written. Store failures are returned as they are.
func (r *Reconciler) Sync(ctx context.Context, repo domain.CaseRepository, reg *cases.Registry) (SyncOutcome, error) {
	var out SyncOutcome
	if r.source == nil {
		return out, nil
	}

	tasks, err := r.source.ListTasks(ctx)
	if err != nil {
		if !errors.Is(err, ErrSourceUnavailable) {
			err = fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
		}
		return out, err
	}
	out.Tasks = len(tasks)

	known := func(id string) bool {
		_, ok := reg.Get(id)
		return ok
	}

	for _, task := range tasks {
		id, ok := ExtractCaseID(task.Name, known)
		if !ok {
			continue
		}
		out.Matched++

		c, _ := reg.Get(id)
		if !c.IsAuto() {
			out.SkippedManual++
			continue
		}

		effect := applyTask(c, task, reg.AsOf())
		if !effect.changed {
			continue
		}
		c.UpdatedAt = reg.AsOf()

		if err := repo.SaveCase(ctx, c); err != nil {
			return out, fmt.Errorf("failed to save case %s: %w", c.ID, err)
		}
		reg.Apply(c)
		out.Changed = append(out.Changed, c)

		if effect.linked {
			out.Linked++
		}
		if effect.closed {
			out.Closed++
		}
		if effect.reopened {
			out.Reopened++
		}
		slog.Info("case reconciled with task",
			"case", c.ID,
			"task", task.TaskID,
			"completed", task.Completed,
			"status", c.Status,
		)
	}

	return out, nil
}

type taskEffect struct {
	changed  bool
	linked   bool
	closed   bool
	reopened bool
}

// applyTask mutates c to reflect the task. An existing task link or closure
// date is never overwritten.
func applyTask(c *domain.Case, task domain.ExternalTaskRef, asOf time.Time) taskEffect {
	var e taskEffect
	if c.ExternalTaskID == "" && task.TaskID != "" {
		c.ExternalTaskID = task.TaskID
		e.linked = true
	}

	if task.Completed {
		if c.Status != domain.CaseClosed {
			c.Status = domain.CaseClosed
			e.closed = true
		}
		if c.ClosedAt == nil {
			at := asOf
			if task.CompletedDate != nil {
				at = domain.Day(*task.CompletedDate)
			}
			c.ClosedAt = &at
			e.changed = true
		}
	} else if c.Status != domain.CaseOpen {
		e.reopened = c.Status == domain.CaseClosed
		c.Status = domain.CaseOpen
		e.changed = true
	}

	e.changed = e.changed || e.linked || e.closed || e.reopened
	return e
}
