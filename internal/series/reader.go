// Package series reads the metric samples a rule evaluates.
package series

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kpiwatch/internal/domain"
)

// CacheNamespace scopes memoised series in the cache.
const CacheNamespace = "series"

// Reader returns the samples in a rule's lookback window. Raw KPI series are
// memoised in the cache so several rules on one KPI read the store once.
// Cache keys carry the window's sample count, so an import that lands in the
// window makes older entries unreachable.
type Reader struct {
	store domain.MetricStore
	cache domain.Cache
	ttl   time.Duration
}

// NewReader creates a series reader. cache may be nil.
func NewReader(store domain.MetricStore, cache domain.Cache, ttl time.Duration) *Reader {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Reader{
		store: store,
		cache: cache,
		ttl:   ttl,
	}
}

// Window returns the closed date range a rule looks at for asOf.
func Window(rule *domain.Rule, asOf time.Time) (from, to time.Time) {
	to = domain.Day(asOf)
	from = to.AddDate(0, 0, -rule.Window()+1)
	return from, to
}

// Read returns the rule's samples ordered by tag then date.
func (r *Reader) Read(ctx context.Context, rule *domain.Rule, asOf time.Time) ([]domain.MetricSample, error) {
	if rule == nil || rule.KPIID == "" {
		return nil, fmt.Errorf("rule with a KPI id is required")
	}

	from, to := Window(rule, asOf)
	if rule.MonitorStartDate != nil && rule.MonitorStartDate.After(to) {
		return nil, nil
	}

	samples, err := r.query(ctx, domain.SeriesQuery{KPIID: rule.KPIID, From: from, To: to})
	if err != nil {
		return nil, err
	}

	out := samples[:0:0]
	for _, s := range samples {
		if rule.TagFilter != "" && s.Tag != rule.TagFilter {
			continue
		}
		if rule.MonitorStartDate != nil && s.Date.Before(*rule.MonitorStartDate) {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *Reader) query(ctx context.Context, q domain.SeriesQuery) ([]domain.MetricSample, error) {
	if r.cache == nil {
		return r.load(ctx, q)
	}

	n, err := r.store.CountSamples(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to count samples for KPI %s: %w", q.KPIID, err)
	}
	key := cacheKey(q, n)

	data, err := r.cache.Get(ctx, CacheNamespace, key)
	if err != nil {
		slog.Warn("series cache read failed", "key", key, "error", err)
	} else if data != nil {
		var samples []domain.MetricSample
		if err := json.Unmarshal(data, &samples); err == nil {
			return samples, nil
		}
		slog.Warn("discarding undecodable cached series", "key", key)
	}

	samples, err := r.load(ctx, q)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(samples); err == nil {
		if err := r.cache.Set(ctx, CacheNamespace, key, data, r.ttl); err != nil {
			slog.Warn("series cache write failed", "key", key, "error", err)
		}
	}

	return samples, nil
}

func (r *Reader) load(ctx context.Context, q domain.SeriesQuery) ([]domain.MetricSample, error) {
	samples, err := r.store.QuerySamples(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to read samples for KPI %s: %w", q.KPIID, err)
	}
	return samples, nil
}

func cacheKey(q domain.SeriesQuery, count int) string {
	return fmt.Sprintf("%s|%s|%s|%d", q.KPIID, q.From.Format(domain.DateLayout), q.To.Format(domain.DateLayout), count)
}
