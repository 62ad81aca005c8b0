// Package cases owns the case lifecycle: lookup, creation, in-place update,
// temporal status projection and deduplication.
package cases

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kpiwatch/internal/domain"
	"github.com/opensource-finance/kpiwatch/internal/repository"
)

// maxAllocAttempts bounds the collision retry of id allocation.
const maxAllocAttempts = 100

// ErrIDExhausted is returned when no free sequence could be found.
var ErrIDExhausted = errors.New("no free case id")

// EffectiveStatus projects a case's status onto asOf. Events dated after
// asOf have not happened yet, and an unknown status counts as open.
func EffectiveStatus(c *domain.Case, asOf time.Time) domain.CaseStatus {
	asOf = domain.Day(asOf)
	if c.OpenedAt.After(asOf) {
		return domain.CaseOpen
	}
	if c.Status == domain.CaseClosed {
		if c.ClosedAt != nil && c.ClosedAt.After(asOf) {
			return domain.CaseOpen
		}
		return domain.CaseClosed
	}
	return domain.CaseOpen
}

// Registry is the in-memory index of every stored case for one run.
type Registry struct {
	asOf  time.Time
	byID  map[string]*domain.Case
	byKey map[domain.CaseKey][]string

	// ids handed out by this registry, kept even if the write is rolled back
	allocated map[string]bool
}

// Load indexes every case in the store.
func Load(ctx context.Context, repo domain.CaseRepository, asOf time.Time) (*Registry, error) {
	all, err := repo.ListCases(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load cases: %w", err)
	}

	r := &Registry{
		asOf:      domain.Day(asOf),
		byID:      make(map[string]*domain.Case, len(all)),
		byKey:     make(map[domain.CaseKey][]string),
		allocated: make(map[string]bool),
	}
	for _, c := range all {
		r.Apply(c)
	}
	return r, nil
}

// AsOf returns the date the registry projects statuses onto.
func (r *Registry) AsOf() time.Time { return r.asOf }

// Len returns the number of indexed cases.
func (r *Registry) Len() int { return len(r.byID) }

// Get returns a copy of the case with id.
func (r *Registry) Get(id string) (*domain.Case, bool) {
	c, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// Apply records a case written outside Upsert.
func (r *Registry) Apply(c *domain.Case) {
	if _, exists := r.byID[c.ID]; !exists {
		key := c.Key()
		r.byKey[key] = append(r.byKey[key], c.ID)
		sort.Strings(r.byKey[key])
	}
	r.byID[c.ID] = c.Clone()
}

// Status returns the effective status of c as of the registry date.
func (r *Registry) Status(c *domain.Case) domain.CaseStatus {
	return EffectiveStatus(c, r.asOf)
}

// Cases returns copies of every case ordered by id.
func (r *Registry) Cases() []*domain.Case {
	out := make([]*domain.Case, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Keys returns every case key ordered by category then trigger type.
func (r *Registry) Keys() []domain.CaseKey {
	keys := make([]domain.CaseKey, 0, len(r.byKey))
	for k := range r.byKey {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Category != keys[j].Category {
			return keys[i].Category < keys[j].Category
		}
		return keys[i].TriggerType < keys[j].TriggerType
	})
	return keys
}

// byKeyCases returns the live cases of key ordered by id.
func (r *Registry) byKeyCases(key domain.CaseKey) []*domain.Case {
	ids := r.byKey[key]
	out := make([]*domain.Case, len(ids))
	for i, id := range ids {
		out[i] = r.byID[id]
	}
	return out
}

// FindOpenCase returns the effectively open case with the largest id for
// the key, or nil.
func (r *Registry) FindOpenCase(category, triggerType string) *domain.Case {
	cs := r.byKeyCases(domain.CaseKey{Category: category, TriggerType: triggerType})
	for i := len(cs) - 1; i >= 0; i-- {
		if r.Status(cs[i]) == domain.CaseOpen {
			return cs[i].Clone()
		}
	}
	return nil
}

// LastClosed returns the most recently closed case of the key, ordered by
// closedAt then updatedAt, or nil.
func (r *Registry) LastClosed(key domain.CaseKey) *domain.Case {
	var last *domain.Case
	for _, c := range r.byKeyCases(key) {
		if r.Status(c) != domain.CaseClosed {
			continue
		}
		if last == nil || closedAfter(c, last) {
			last = c
		}
	}
	if last == nil {
		return nil
	}
	return last.Clone()
}

func closedAfter(a, b *domain.Case) bool {
	ac, bc := closedAt(a), closedAt(b)
	if !ac.Equal(bc) {
		return ac.After(bc)
	}
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.ID > b.ID
}

func closedAt(c *domain.Case) time.Time {
	if c.ClosedAt != nil {
		return *c.ClosedAt
	}
	return time.Time{}
}

// Cutoff returns the latest closedAt over effectively closed cases of key.
func (r *Registry) Cutoff(key domain.CaseKey) (time.Time, bool) {
	var cutoff time.Time
	found := false
	for _, c := range r.byKeyCases(key) {
		if r.Status(c) != domain.CaseClosed || c.ClosedAt == nil {
			continue
		}
		if !found || c.ClosedAt.After(cutoff) {
			cutoff = *c.ClosedAt
			found = true
		}
	}
	return cutoff, found
}

// Upsert records a candidate. An effectively open case of the key is
// refreshed in place; otherwise a new case is created.
func (r *Registry) Upsert(ctx context.Context, repo domain.CaseRepository, t domain.CandidateTrigger) (*domain.Case, bool, error) {
	if open := r.FindOpenCase(t.Tag, t.RuleCode); open != nil {
		applySnapshot(open, t, r.asOf)
		if err := repo.SaveCase(ctx, open); err != nil {
			return nil, false, fmt.Errorf("failed to update case %s: %w", open.ID, err)
		}
		r.Apply(open)
		return open, false, nil
	}

	opened := t.FirstDate
	if opened.IsZero() {
		opened = r.asOf
	}
	opened = domain.Day(opened)

	id, err := r.allocateID(ctx, repo, t.RuleCode, opened)
	if err != nil {
		return nil, false, err
	}

	c := &domain.Case{
		ID:          id,
		Category:    t.Tag,
		TriggerType: t.RuleCode,
		Source:      domain.SourceAuto,
		Status:      domain.CaseOpen,
		OpenedAt:    opened,
	}
	if prev := r.LastClosed(t.Key()); prev != nil {
		c.AppendNote(domain.ReopenedFromMarker + prev.ID)
	}
	applySnapshot(c, t, r.asOf)

	if err := repo.SaveCase(ctx, c); err != nil {
		return nil, false, fmt.Errorf("failed to create case %s: %w", c.ID, err)
	}
	r.Apply(c)
	return c.Clone(), true, nil
}

func applySnapshot(c *domain.Case, t domain.CandidateTrigger, asOf time.Time) {
	last := domain.Day(t.LastViolationDate)
	c.Level = t.Level
	c.Description = t.Description
	c.Details = t.Details
	c.Value = t.Value
	c.ConsecutiveCount = t.ConsecutiveCount
	c.RunSummary = t.DetailsSummary
	c.LastViolationDate = &last
	c.UpdatedAt = asOf
}

// IDPrefix returns the id prefix shared by every case of a rule on a date.
func IDPrefix(ruleCode string, date time.Time) string {
	return ruleCode + "-" + date.Format("20060102") + "-"
}

func (r *Registry) allocateID(ctx context.Context, repo domain.CaseRepository, ruleCode string, date time.Time) (string, error) {
	prefix := IDPrefix(ruleCode, date)

	ids, err := repo.ListIDsByDatePrefix(ctx, prefix)
	if err != nil {
		return "", fmt.Errorf("failed to scan ids %s*: %w", prefix, err)
	}
	for id := range r.allocated {
		if strings.HasPrefix(id, prefix) {
			ids = append(ids, id)
		}
	}

	seq := 0
	for _, id := range ids {
		if n, ok := parseSeq(prefix, id); ok && n > seq {
			seq = n
		}
	}

	for attempt := 0; attempt < maxAllocAttempts; attempt++ {
		seq++
		id := fmt.Sprintf("%s%04d", prefix, seq)
		if r.allocated[id] {
			continue
		}
		if _, known := r.byID[id]; known {
			continue
		}
		_, err := repo.GetCase(ctx, id)
		if err == nil {
			continue
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return "", fmt.Errorf("failed to check id %s: %w", id, err)
		}
		r.allocated[id] = true
		return id, nil
	}
	return "", fmt.Errorf("%w for prefix %s", ErrIDExhausted, prefix)
}

// parseSeq reads the sequence suffix of id. Ids of longer rule codes that
// share the prefix are rejected by requiring an all-digit suffix.
func parseSeq(prefix, id string) (int, bool) {
	suffix, ok := strings.CutPrefix(id, prefix)
	if !ok || suffix == "" {
		return 0, false
	}
	n, err := strconv.Atoi(suffix)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
