package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/kpiwatch/internal/domain"
	"github.com/opensource-finance/kpiwatch/internal/pipeline"
	"github.com/opensource-finance/kpiwatch/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(s string) time.Time {
	t, err := domain.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return t
}

func format(ts []time.Time) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.Format(domain.DateLayout)
	}
	return out
}

func TestDates(t *testing.T) {
	got, err := dates(day("2026-01-05"), day("2026-01-19"), 7)
	require.NoError(t, err)
	assert.Equal(t, []string{"2026-01-05", "2026-01-12", "2026-01-19"}, format(got))

	got, err = dates(day("2026-01-05"), day("2026-01-15"), 7)
	require.NoError(t, err)
	assert.Equal(t, []string{"2026-01-05", "2026-01-12", "2026-01-15"}, format(got))

	got, err = dates(day("2026-01-05"), day("2026-01-05"), 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"2026-01-05"}, format(got))

	_, err = dates(day("2026-01-05"), day("2026-01-04"), 1)
	assert.Error(t, err)

	_, err = dates(day("2026-01-05"), day("2026-01-19"), 0)
	assert.Error(t, err)
}

func TestReplay(t *testing.T) {
	store := repository.NewMemory()
	var samples []domain.MetricSample
	for i, v := range []float64{94, 93, 96, 92, 91, 90} {
		samples = append(samples, domain.MetricSample{
			KPIID: "2", Tag: "CZM", Date: day("2026-01-05").AddDate(0, 0, 7*i), Value: v,
		})
	}
	require.NoError(t, store.SaveSamples(context.Background(), samples))

	runner := pipeline.New(pipeline.Config{Store: store})
	report := filepath.Join(t.TempDir(), "report.csv")
	base := pipeline.Options{
		Rules: []*domain.Rule{{
			Code: "R1", KPIID: "2", Operator: domain.OpLess, Threshold: 95,
			ConsecutiveOccurrences: 3, Level: domain.LevelCritical, LookbackDays: 60, Active: true,
		}},
		ReportPath: report,
	}

	asOfs, err := dates(day("2026-01-19"), day("2026-02-16"), 7)
	require.NoError(t, err)

	totals, err := replay(context.Background(), runner, base, asOfs, false)
	require.NoError(t, err)
	assert.Equal(t, 5, totals.Runs)
	assert.Equal(t, 1, totals.Created)
	assert.Equal(t, 1, totals.Updated)
	assert.Equal(t, 1, totals.Last.OpenCases)

	_, err = store.GetCase(context.Background(), "R1-20260126-0001")
	assert.NoError(t, err)

	_, err = os.Stat(report)
	assert.NoError(t, err, "last run writes the report")
}

type flakyRunner struct {
	fail map[string]bool
	seen []string
}

func (r *flakyRunner) Run(ctx context.Context, opts pipeline.Options) (*pipeline.RunOutcome, error) {
	d := opts.AsOf.Format(domain.DateLayout)
	r.seen = append(r.seen, d)
	if r.fail[d] {
		return nil, errors.New("store unavailable")
	}
	return &pipeline.RunOutcome{AsOf: opts.AsOf, Created: 1}, nil
}

func TestReplayStopsOnFailure(t *testing.T) {
	asOfs := []time.Time{day("2026-01-05"), day("2026-01-12"), day("2026-01-19")}

	r := &flakyRunner{fail: map[string]bool{"2026-01-12": true}}
	totals, err := replay(context.Background(), r, pipeline.Options{}, asOfs, false)
	assert.ErrorContains(t, err, "run for 2026-01-12")
	assert.Equal(t, []string{"2026-01-05", "2026-01-12"}, r.seen)
	assert.Equal(t, 1, totals.Runs)
	assert.Equal(t, 1, totals.Failed)

	r = &flakyRunner{fail: map[string]bool{"2026-01-12": true}}
	totals, err = replay(context.Background(), r, pipeline.Options{}, asOfs, true)
	assert.NoError(t, err)
	assert.Len(t, r.seen, 3)
	assert.Equal(t, 2, totals.Created)
	assert.Equal(t, 1, totals.Failed)
}
