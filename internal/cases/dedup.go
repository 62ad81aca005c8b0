package cases

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/kpiwatch/internal/domain"
)

// Deduplicator keeps at most one effectively open AUTO case per key.
type Deduplicator struct{}

// NewDeduplicator creates a deduplicator.
func NewDeduplicator() *Deduplicator {
	return &Deduplicator{}
}

// Collapse closes every surplus open AUTO case and then refreshes the
// stored re-trigger cutoffs. It returns the cases it closed.
//
// Only cases with source AUTO are grouped; an empty source is left alone.
// A case already CLOSED in the store that is open only by projection (its
// closedAt is after the as-of date) is never a loser, since closing it again
// would move a fixed closure date. While replaying history such a key can
// therefore hold two effectively open cases until that date passes.
//
// The superseded note is added once, so a loser the reconciler reopened from
// a still-open task is closed again without growing its notes.
func (d *Deduplicator) Collapse(ctx context.Context, repo domain.CaseRepository, reg *Registry) ([]*domain.Case, error) {
	var closed []*domain.Case

	for _, key := range reg.Keys() {
		var open []*domain.Case
		for _, c := range reg.byKeyCases(key) {
			if c.IsSourcedAuto() && reg.Status(c) == domain.CaseOpen {
				open = append(open, c)
			}
		}
		if len(open) < 2 {
			continue
		}

		keeper := Keeper(open)
		for _, c := range open {
			// Already closed in the store, only open by projection.
			if c.ID == keeper.ID || c.Status == domain.CaseClosed {
				continue
			}

			loser := c.Clone()
			asOf := reg.AsOf()
			loser.Status = domain.CaseClosed
			loser.ClosedAt = &asOf
			loser.UpdatedAt = asOf
			loser.AppendNoteOnce(fmt.Sprintf(domain.SupersededFormat, keeper.ID))

			if err := repo.SaveCase(ctx, loser); err != nil {
				return nil, fmt.Errorf("failed to close duplicate %s: %w", loser.ID, err)
			}
			reg.Apply(loser)
			closed = append(closed, loser)

			slog.Info("closed duplicate case",
				"case", loser.ID,
				"keeper", keeper.ID,
				"key", key.String(),
			)
		}
	}

	for _, key := range reg.Keys() {
		cutoff, ok := reg.Cutoff(key)
		if !ok {
			continue
		}
		if err := repo.SaveCutoff(ctx, key, cutoff); err != nil {
			return nil, fmt.Errorf("failed to save cutoff for %s: %w", key, err)
		}
	}

	return closed, nil
}

// Keeper picks the case that survives deduplication: the largest id among
// cases linked to a task, else the largest id.
func Keeper(group []*domain.Case) *domain.Case {
	var keeper *domain.Case
	for _, c := range group {
		switch {
		case keeper == nil:
			keeper = c
		case (c.ExternalTaskID != "") != (keeper.ExternalTaskID != ""):
			if c.ExternalTaskID != "" {
				keeper = c
			}
		case c.ID > keeper.ID:
			keeper = c
		}
	}
	return keeper
}
