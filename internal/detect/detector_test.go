package detect

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opensource-finance/kpiwatch/internal/domain"
	"github.com/opensource-finance/kpiwatch/internal/repository"
	"github.com/opensource-finance/kpiwatch/internal/rules"
	"github.com/opensource-finance/kpiwatch/internal/series"
)

func date(s string) time.Time {
	t, err := domain.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return t
}

type cutoffMap map[domain.CaseKey]time.Time

func (m cutoffMap) Cutoff(key domain.CaseKey) (time.Time, bool) {
	t, ok := m[key]
	return t, ok
}

func weekly(kpi, tag string, start string, values ...float64) []domain.MetricSample {
	d := date(start)
	samples := make([]domain.MetricSample, len(values))
	for i, v := range values {
		samples[i] = domain.MetricSample{KPIID: kpi, Tag: tag, Date: d.AddDate(0, 0, 7*i), Value: v}
	}
	return samples
}

func newDetector(t *testing.T, samples []domain.MetricSample, cutoffs CutoffSource, ruleSet ...*domain.Rule) *Detector {
	t.Helper()
	store := repository.NewMemory()
	if err := store.SaveSamples(context.Background(), samples); err != nil {
		t.Fatalf("SaveSamples failed: %v", err)
	}
	engine, err := rules.NewEngine()
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	t.Cleanup(func() { engine.Close() })
	for _, r := range ruleSet {
		if err := engine.LoadRule(r); err != nil {
			t.Fatalf("LoadRule failed: %v", err)
		}
	}
	return NewDetector(series.NewReader(store, nil, 0), engine, cutoffs)
}

func leadTimeRule() *domain.Rule {
	return &domain.Rule{
		Code:                   "R1",
		KPIID:                  "2",
		Operator:               domain.OpLess,
		Threshold:              95,
		ConsecutiveOccurrences: 3,
		Level:                  domain.LevelCritical,
		LookbackDays:           60,
	}
}

func TestActiveRun(t *testing.T) {
	flags := []bool{false, true, true, false, true, true, true}
	samples := weekly("2", "CZM", "2026-01-05", 1, 2, 3, 4, 5, 6, 7)

	run := ActiveRun("CZM", samples, flags)
	if run == nil {
		t.Fatal("expected an active run")
	}
	if run.Len() != 3 {
		t.Errorf("expected trailing run of 3, got %d", run.Len())
	}
	if run.Last().Value != 7 || !run.FirstDate().Equal(date("2026-02-02")) {
		t.Errorf("unexpected run: %+v", run)
	}

	if ActiveRun("CZM", samples[:1], flags[:1]) != nil {
		t.Error("expected nil run when nothing violates")
	}
}

func TestDetectEndToEnd(t *testing.T) {
	rule := leadTimeRule()
	d := newDetector(t, weekly("2", "CZM", "2026-01-05", 94, 93, 96, 92, 91, 90), nil, rule)

	got, err := d.Detect(context.Background(), rule, date("2026-02-15"))
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(got))
	}

	c := got[0]
	if c.ConsecutiveCount != 3 || c.Value != 90 {
		t.Errorf("expected count 3 value 90, got %d %v", c.ConsecutiveCount, c.Value)
	}
	if !c.FirstDate.Equal(date("2026-01-26")) || !c.LastViolationDate.Equal(date("2026-02-09")) {
		t.Errorf("unexpected run bounds %v..%v", c.FirstDate, c.LastViolationDate)
	}
	if c.Key() != (domain.CaseKey{Category: "CZM", TriggerType: "R1"}) {
		t.Errorf("unexpected key %v", c.Key())
	}
	if c.DetailsSummary != "2026-01-26=92; 2026-02-02=91; 2026-02-09=90" {
		t.Errorf("unexpected summary %q", c.DetailsSummary)
	}
}

func TestDetectBelowRequiredCount(t *testing.T) {
	rule := leadTimeRule()
	d := newDetector(t, weekly("2", "CZM", "2026-01-05", 94, 93, 96, 92, 91), nil, rule)

	got, err := d.Detect(context.Background(), rule, date("2026-02-15"))
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no candidates for a run of 2, got %+v", got)
	}
}

func TestDetectTrailingNonViolation(t *testing.T) {
	// The active run is the last violating run even when a good sample follows.
	rule := leadTimeRule()
	d := newDetector(t, weekly("2", "CZM", "2026-01-05", 90, 91, 92, 99), nil, rule)

	got, err := d.Detect(context.Background(), rule, date("2026-02-15"))
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(got) != 1 || got[0].ConsecutiveCount != 3 {
		t.Errorf("expected one candidate of 3, got %+v", got)
	}
}

func TestDetectPerTag(t *testing.T) {
	rule := leadTimeRule()
	rule.ConsecutiveOccurrences = 1
	samples := append(weekly("2", "CZM", "2026-01-05", 90), weekly("2", "AAA", "2026-01-05", 80)...)
	samples = append(samples, weekly("2", "BBB", "2026-01-05", 99)...)
	d := newDetector(t, samples, nil, rule)

	got, err := d.Detect(context.Background(), rule, date("2026-01-31"))
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(got) != 2 || got[0].Tag != "AAA" || got[1].Tag != "CZM" {
		t.Errorf("expected AAA and CZM, got %+v", got)
	}
}

func TestDetectCutoff(t *testing.T) {
	rule := leadTimeRule()
	samples := weekly("2", "CZM", "2026-01-05", 90, 91, 92, 93)
	cutoffs := cutoffMap{{Category: "CZM", TriggerType: "R1"}: date("2026-01-19")}
	d := newDetector(t, samples, cutoffs, rule)

	got, err := d.Detect(context.Background(), rule, date("2026-01-31"))
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected closed incident not to re-trigger, got %+v", got)
	}

	// A fresh breach after the cutoff re-triggers on its own.
	rule.ConsecutiveOccurrences = 1
	got, err = d.Detect(context.Background(), rule, date("2026-01-31"))
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(got) != 1 || !got[0].FirstDate.Equal(date("2026-01-26")) {
		t.Errorf("expected run starting after cutoff, got %+v", got)
	}
}

func TestDetectMinVolume(t *testing.T) {
	rule := leadTimeRule()
	rule.ConsecutiveOccurrences = 2
	rule.MinVolume = 100

	low, high := 10, 500
	samples := weekly("2", "CZM", "2026-01-05", 90, 90, 90)
	samples[0].SupportCount = &high
	samples[1].SupportCount = &low
	samples[2].SupportCount = &high
	d := newDetector(t, samples, nil, rule)

	got, err := d.Detect(context.Background(), rule, date("2026-01-31"))
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected low-volume sample to break the run, got %+v", got)
	}

	samples[1].SupportCount = nil
	d = newDetector(t, samples, nil, rule)
	got, _ = d.Detect(context.Background(), rule, date("2026-01-31"))
	if len(got) != 0 {
		t.Errorf("expected missing support count to fail the floor, got %+v", got)
	}
}

func TestDetectUnloadedRule(t *testing.T) {
	rule := leadTimeRule()
	d := newDetector(t, weekly("2", "CZM", "2026-01-05", 90), nil)

	_, err := d.Detect(context.Background(), rule, date("2026-01-31"))
	if !errors.Is(err, ErrEvaluation) {
		t.Errorf("expected ErrEvaluation, got %v", err)
	}
}
