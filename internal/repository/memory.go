package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opensource-finance/kpiwatch/internal/domain"
)

// MemoryRepository is an in-process domain.Store. Transactions work on a
// copy of the case tables that replaces the live tables on success.
type MemoryRepository struct {
	mu      sync.RWMutex
	state   *memoryState
	samples map[string]domain.MetricSample

	// FailSave, when set, is returned by SaveCase. Tests use it to force a
	// write failure.
	FailSave error
}

type memoryState struct {
	cases   map[string]*domain.Case
	cutoffs map[domain.CaseKey]time.Time
}

func (s *memoryState) clone() *memoryState {
	cp := &memoryState{
		cases:   make(map[string]*domain.Case, len(s.cases)),
		cutoffs: make(map[domain.CaseKey]time.Time, len(s.cutoffs)),
	}
	for id, c := range s.cases {
		cp.cases[id] = c.Clone()
	}
	for k, v := range s.cutoffs {
		cp.cutoffs[k] = v
	}
	return cp
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryRepository {
	return &MemoryRepository{
		state: &memoryState{
			cases:   make(map[string]*domain.Case),
			cutoffs: make(map[domain.CaseKey]time.Time),
		},
		samples: make(map[string]domain.MetricSample),
	}
}

// memoryTx is the transactional view handed to WithinTx callbacks.
type memoryTx struct {
	parent *MemoryRepository
	state  *memoryState
}

// WithinTx runs fn against a copy of the case tables.
func (m *MemoryRepository) WithinTx(ctx context.Context, fn func(repo domain.CaseRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTx{parent: m, state: m.state.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	m.state = tx.state
	return nil
}

func (m *MemoryRepository) view() *memoryTx {
	return &memoryTx{parent: m, state: m.state}
}

func (m *MemoryRepository) GetCase(ctx context.Context, id string) (*domain.Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().GetCase(ctx, id)
}

func (m *MemoryRepository) FindByKey(ctx context.Context, key domain.CaseKey) ([]*domain.Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().FindByKey(ctx, key)
}

func (m *MemoryRepository) FindOpenByKey(ctx context.Context, key domain.CaseKey) ([]*domain.Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().FindOpenByKey(ctx, key)
}

func (m *MemoryRepository) ListCases(ctx context.Context) ([]*domain.Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().ListCases(ctx)
}

func (m *MemoryRepository) ListIDsByDatePrefix(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().ListIDsByDatePrefix(ctx, prefix)
}

func (m *MemoryRepository) SaveCase(ctx context.Context, c *domain.Case) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().SaveCase(ctx, c)
}

func (m *MemoryRepository) SaveCutoff(ctx context.Context, key domain.CaseKey, closedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().SaveCutoff(ctx, key, closedAt)
}

func (m *MemoryRepository) ListCutoffs(ctx context.Context) (map[domain.CaseKey]time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().ListCutoffs(ctx)
}

// QuerySamples returns samples of one KPI in [From, To] ordered by tag and date.
func (m *MemoryRepository) QuerySamples(ctx context.Context, q domain.SeriesQuery) ([]domain.MetricSample, error) {
	if q.KPIID == "" {
		return nil, fmt.Errorf("%w: kpi id is required", ErrInvalidInput)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.MetricSample
	for _, s := range m.samples {
		if s.KPIID != q.KPIID || s.Date.Before(q.From) || s.Date.After(q.To) {
			continue
		}
		if q.Tag != "" && s.Tag != q.Tag {
			continue
		}
		out = append(out, s)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Tag != out[j].Tag {
			return out[i].Tag < out[j].Tag
		}
		return out[i].Date.Before(out[j].Date)
	})
	return out, nil
}

// CountSamples returns the number of samples QuerySamples would return.
func (m *MemoryRepository) CountSamples(ctx context.Context, q domain.SeriesQuery) (int, error) {
	samples, err := m.QuerySamples(ctx, q)
	if err != nil {
		return 0, err
	}
	return len(samples), nil
}

// SaveSamples stores samples; an existing (kpi, tag, date) is left as is.
func (m *MemoryRepository) SaveSamples(ctx context.Context, samples []domain.MetricSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range samples {
		s.Date = domain.Day(s.Date)
		key := s.KPIID + "|" + s.Tag + "|" + s.Date.Format(domain.DateLayout)
		if _, exists := m.samples[key]; !exists {
			m.samples[key] = s
		}
	}
	return nil
}

func (m *MemoryRepository) Ping(ctx context.Context) error { return nil }

func (m *MemoryRepository) Close() error { return nil }

func (t *memoryTx) GetCase(ctx context.Context, id string) (*domain.Case, error) {
	c, ok := t.state.cases[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

func (t *memoryTx) FindByKey(ctx context.Context, key domain.CaseKey) ([]*domain.Case, error) {
	return t.filter(func(c *domain.Case) bool { return c.Key() == key }), nil
}

func (t *memoryTx) FindOpenByKey(ctx context.Context, key domain.CaseKey) ([]*domain.Case, error) {
	return t.filter(func(c *domain.Case) bool {
		return c.Key() == key && c.Status == domain.CaseOpen
	}), nil
}

func (t *memoryTx) ListCases(ctx context.Context) ([]*domain.Case, error) {
	return t.filter(func(*domain.Case) bool { return true }), nil
}

func (t *memoryTx) ListIDsByDatePrefix(ctx context.Context, prefix string) ([]string, error) {
	if prefix == "" {
		return nil, fmt.Errorf("%w: prefix is required", ErrInvalidInput)
	}
	var ids []string
	for id := range t.state.cases {
		if strings.HasPrefix(id, prefix) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (t *memoryTx) SaveCase(ctx context.Context, c *domain.Case) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("%w: case id is required", ErrInvalidInput)
	}
	if t.parent.FailSave != nil {
		return fmt.Errorf("failed to save case %s: %w", c.ID, t.parent.FailSave)
	}
	t.state.cases[c.ID] = c.Clone()
	return nil
}

func (t *memoryTx) SaveCutoff(ctx context.Context, key domain.CaseKey, closedAt time.Time) error {
	t.state.cutoffs[key] = closedAt
	return nil
}

func (t *memoryTx) ListCutoffs(ctx context.Context) (map[domain.CaseKey]time.Time, error) {
	out := make(map[domain.CaseKey]time.Time, len(t.state.cutoffs))
	for k, v := range t.state.cutoffs {
		out[k] = v
	}
	return out, nil
}

func (t *memoryTx) filter(keep func(*domain.Case) bool) []*domain.Case {
	var out []*domain.Case
	for _, c := range t.state.cases {
		if keep(c) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
