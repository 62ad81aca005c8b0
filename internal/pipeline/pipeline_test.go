package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/kpiwatch/internal/cache"
	"github.com/opensource-finance/kpiwatch/internal/domain"
	"github.com/opensource-finance/kpiwatch/internal/lock"
	"github.com/opensource-finance/kpiwatch/internal/metrics"
	"github.com/opensource-finance/kpiwatch/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(s string) time.Time {
	t, err := domain.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return t
}

type staticSource struct {
	tasks []domain.ExternalTaskRef
	err   error
}

func (s *staticSource) ListTasks(ctx context.Context) ([]domain.ExternalTaskRef, error) {
	return s.tasks, s.err
}

func leadTime() *domain.Rule {
	return &domain.Rule{
		Code:                   "R1",
		Name:                   "Lead time",
		KPIID:                  "2",
		Operator:               domain.OpLess,
		Threshold:              95,
		ConsecutiveOccurrences: 3,
		Level:                  domain.LevelCritical,
		LookbackDays:           60,
		Owner:                  "ops",
		Active:                 true,
	}
}

func addWeekly(t *testing.T, store domain.MetricStore, start string, values ...float64) {
	t.Helper()
	d := date(start)
	samples := make([]domain.MetricSample, len(values))
	for i, v := range values {
		samples[i] = domain.MetricSample{KPIID: "2", Tag: "CZM", Date: d.AddDate(0, 0, 7*i), Value: v}
	}
	require.NoError(t, store.SaveSamples(context.Background(), samples))
}

type fixture struct {
	store  *repository.MemoryRepository
	source *staticSource
	runner *Runner
	dir    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  repository.NewMemory(),
		source: &staticSource{},
		dir:    t.TempDir(),
	}
	f.runner = New(Config{
		Store:   f.store,
		Cache:   cache.NewLRUCache(100),
		Source:  f.source,
		Lock:    lock.NewLocal(),
		Metrics: metrics.New(),
	})
	return f
}

func (f *fixture) run(t *testing.T, asOf string, ruleSet ...*domain.Rule) (*RunOutcome, error) {
	t.Helper()
	if len(ruleSet) == 0 {
		ruleSet = []*domain.Rule{leadTime()}
	}
	return f.runner.Run(context.Background(), Options{
		AsOf:         date(asOf),
		Rules:        ruleSet,
		ReportPath:   filepath.Join(f.dir, "report.csv"),
		ReportFormat: "csv",
		MetricsFile:  filepath.Join(f.dir, "kpiwatch.prom"),
	})
}

func (f *fixture) report(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.dir, "report.csv"))
	require.NoError(t, err)
	return string(data)
}

func TestRunEndToEnd(t *testing.T) {
	f := newFixture(t)
	addWeekly(t, f.store, "2026-01-05", 94, 93, 96, 92, 91, 90)

	out, err := f.run(t, "2026-02-15")
	require.NoError(t, err)
	assert.Equal(t, 1, out.RulesLoaded)
	assert.Equal(t, 1, out.Candidates)
	assert.Equal(t, 1, out.Created)
	assert.True(t, out.Triggered[domain.CaseKey{Category: "CZM", TriggerType: "R1"}])
	assert.NotEmpty(t, out.RunID)

	c, err := f.store.GetCase(context.Background(), "R1-20260126-0001")
	require.NoError(t, err)
	assert.Equal(t, domain.CaseOpen, c.Status)
	assert.Equal(t, 3, c.ConsecutiveCount)
	assert.Equal(t, 90.0, c.Value)

	assert.Contains(t, f.report(t), "R1-20260126-0001,CZM,R1,Lead time,Critical,")
	assert.Contains(t, f.report(t), ",TRIGGER,2026-02-15,OPEN,Yes,2026-01-26,,,ops,")

	_, err = os.Stat(filepath.Join(f.dir, "kpiwatch.prom"))
	assert.NoError(t, err)
}

func TestRunIsIdempotent(t *testing.T) {
	f := newFixture(t)
	addWeekly(t, f.store, "2026-01-05", 94, 93, 96, 92, 91, 90)

	_, err := f.run(t, "2026-02-15")
	require.NoError(t, err)
	firstReport := f.report(t)
	firstCases, err := f.store.ListCases(context.Background())
	require.NoError(t, err)

	out, err := f.run(t, "2026-02-15")
	require.NoError(t, err)
	assert.Equal(t, 0, out.Created)
	assert.Equal(t, 1, out.Updated)

	secondCases, err := f.store.ListCases(context.Background())
	require.NoError(t, err)
	assert.Equal(t, firstCases, secondCases)
	assert.Equal(t, firstReport, f.report(t))
}

func TestRunSuppressesWarning(t *testing.T) {
	f := newFixture(t)
	addWeekly(t, f.store, "2026-01-05", 94, 93, 96, 92, 91, 90)

	warn := leadTime()
	warn.Code = "R2"
	warn.Threshold = 97
	warn.ConsecutiveOccurrences = 2
	warn.Level = domain.LevelWarning

	out, err := f.run(t, "2026-02-15", leadTime(), warn)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Candidates)
	assert.Equal(t, 1, out.Suppressed)
	assert.Equal(t, 1, out.Created)

	cs, err := f.store.ListCases(context.Background())
	require.NoError(t, err)
	require.Len(t, cs, 1)
	assert.Equal(t, "R1", cs[0].TriggerType)
}

func TestRunTrackerLifecycle(t *testing.T) {
	f := newFixture(t)
	addWeekly(t, f.store, "2026-01-05", 94, 93, 96, 92, 91, 90)

	_, err := f.run(t, "2026-02-15")
	require.NoError(t, err)

	done := date("2026-02-16")
	f.source.tasks = []domain.ExternalTaskRef{
		{TaskID: "T-1", Name: "Fix CZM-R1-20260126-0001", Completed: true, CompletedDate: &done},
	}

	// The closed incident does not re-trigger from its own history.
	out, err := f.run(t, "2026-02-20")
	require.NoError(t, err)
	assert.Equal(t, 1, out.TrackerClosed)
	assert.Equal(t, 0, out.Created)
	assert.Equal(t, 0, out.Candidates)
	assert.Contains(t, f.report(t), "R1-20260126-0001,CZM,R1,Lead time,Critical,")
	assert.Contains(t, f.report(t), ",CLOSED,")

	// A fresh breach opens a new case that points back at the old one.
	addWeekly(t, f.store, "2026-02-23", 80, 81, 82)
	out, err = f.run(t, "2026-03-10")
	require.NoError(t, err)
	assert.Equal(t, 1, out.Created)

	c, err := f.store.GetCase(context.Background(), "R1-20260223-0001")
	require.NoError(t, err)
	assert.Equal(t, "Reopened from R1-20260126-0001", c.Notes)
	assert.Contains(t, f.report(t), "R1-20260223-0001,CZM,R1,Lead time,Critical,")
	assert.Contains(t, f.report(t), ",REOPENED,")
}

func TestRunTrackerUnavailable(t *testing.T) {
	f := newFixture(t)
	addWeekly(t, f.store, "2026-01-05", 94, 93, 96, 92, 91, 90)
	f.source.err = errors.New("connection refused")

	out, err := f.run(t, "2026-02-15")
	require.NoError(t, err)
	assert.Error(t, out.SyncErr)
	assert.Equal(t, 1, out.Created)
}

func TestRunStoreFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	addWeekly(t, f.store, "2026-01-05", 94, 93, 96, 92, 91, 90)
	f.store.FailSave = errors.New("disk full")

	_, err := f.run(t, "2026-02-15")
	require.Error(t, err)

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, StepUpsert, stepErr.Step)

	cs, err := f.store.ListCases(context.Background())
	require.NoError(t, err)
	assert.Empty(t, cs)

	_, err = os.Stat(filepath.Join(f.dir, "report.csv"))
	assert.True(t, os.IsNotExist(err), "report must not be written on failure")
}

func TestRunLockHeld(t *testing.T) {
	f := newFixture(t)
	held := lock.NewLocal()
	_, err := held.TryLock(context.Background(), "kpiwatch:run", "other", time.Minute)
	require.NoError(t, err)
	f.runner.lock = held

	_, err = f.run(t, "2026-02-15")
	assert.ErrorIs(t, err, ErrRunInProgress)
}

func TestRunSkipsInvalidRules(t *testing.T) {
	f := newFixture(t)
	addWeekly(t, f.store, "2026-01-05", 94, 93, 96, 92, 91, 90)

	bad := leadTime()
	bad.Code = "BAD"
	bad.Operator = "~"

	out, err := f.run(t, "2026-02-15", leadTime(), bad)
	require.NoError(t, err)
	assert.Equal(t, 1, out.RulesLoaded)
	assert.Equal(t, 1, out.RulesSkipped)
	assert.Equal(t, 1, out.Created)
}

func TestRunRulesFromFile(t *testing.T) {
	f := newFixture(t)
	addWeekly(t, f.store, "2026-01-05", 94, 93, 96, 92, 91, 90)

	path := filepath.Join(f.dir, "rules.csv")
	table := "RuleCode,KPI_Id,ComparisonOperator,ThresholdValue,ConsecutiveOccurrences,TriggerLevel,Active\n" +
		"R1,2.0,<,95,3,Critical,Yes\n" +
		"R9,2,<,oops,3,Critical,Yes\n"
	require.NoError(t, os.WriteFile(path, []byte(table), 0o644))

	out, err := f.runner.Run(context.Background(), Options{
		AsOf:      date("2026-02-15"),
		RulesPath: path,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, out.RulesLoaded)
	assert.Equal(t, 1, out.RulesSkipped)
	assert.Equal(t, 1, out.Created)

	_, err = f.runner.Run(context.Background(), Options{
		AsOf:      date("2026-02-15"),
		RulesPath: filepath.Join(f.dir, "missing.csv"),
	})
	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, StepRules, stepErr.Step)
}

func TestRunSeesSamplesAddedBetweenRuns(t *testing.T) {
	f := newFixture(t)
	addWeekly(t, f.store, "2026-01-05", 94, 93)

	out, err := f.run(t, "2026-02-15")
	require.NoError(t, err)
	assert.Equal(t, 0, out.Candidates)

	// The series for this window is cached now; a third breach must still be seen.
	addWeekly(t, f.store, "2026-01-19", 90)

	out, err = f.run(t, "2026-02-15")
	require.NoError(t, err)
	assert.Equal(t, 1, out.Candidates)
	assert.Equal(t, 1, out.Created)

	_, err = f.store.GetCase(context.Background(), "R1-20260105-0001")
	assert.NoError(t, err)
}

func TestRunConvergesWithTwoLinkedOpenCases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, c := range []*domain.Case{
		{ID: "R1-20260105-0001", Category: "CZM", TriggerType: "R1", Source: domain.SourceAuto,
			Status: domain.CaseOpen, OpenedAt: date("2026-01-05"), ExternalTaskID: "T1"},
		{ID: "R1-20260112-0001", Category: "CZM", TriggerType: "R1", Source: domain.SourceAuto,
			Status: domain.CaseOpen, OpenedAt: date("2026-01-12"), ExternalTaskID: "T2"},
	} {
		require.NoError(t, f.store.SaveCase(ctx, c))
	}
	f.source.tasks = []domain.ExternalTaskRef{
		{TaskID: "T1", Name: "CZM-R1-20260105-0001 lead time"},
		{TaskID: "T2", Name: "CZM-R1-20260112-0001 lead time"},
	}

	out, err := f.run(t, "2026-02-15")
	require.NoError(t, err)
	assert.Equal(t, 1, out.Deduplicated)

	_, err = f.run(t, "2026-02-15")
	require.NoError(t, err)
	second, err := f.store.ListCases(ctx)
	require.NoError(t, err)

	_, err = f.run(t, "2026-02-15")
	require.NoError(t, err)
	third, err := f.store.ListCases(ctx)
	require.NoError(t, err)
	assert.Equal(t, second, third)

	loser, err := f.store.GetCase(ctx, "R1-20260105-0001")
	require.NoError(t, err)
	assert.Equal(t, domain.CaseClosed, loser.Status)
	assert.Equal(t, "Auto closed (superseded by R1-20260112-0001)", loser.Notes)

	keeper, err := f.store.GetCase(ctx, "R1-20260112-0001")
	require.NoError(t, err)
	assert.Equal(t, domain.CaseOpen, keeper.Status)
}

func TestRunIgnoresInactiveRules(t *testing.T) {
	f := newFixture(t)
	addWeekly(t, f.store, "2026-01-05", 94, 93, 96, 92, 91, 90)

	inactive := leadTime()
	inactive.Active = false

	out, err := f.run(t, "2026-02-15", inactive)
	require.NoError(t, err)
	assert.Equal(t, 0, out.RulesLoaded)
	assert.Equal(t, 0, out.RulesSkipped)
	assert.Equal(t, 0, out.Created)
}
