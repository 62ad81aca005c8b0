// Package metrics exposes run outcomes as Prometheus metrics.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kpiwatch"

// RunStats is the slice of a run outcome that is exported.
type RunStats struct {
	RulesLoaded     int
	RulesSkipped    int
	Candidates      int
	Suppressed      int
	Created         int
	Updated         int
	TrackerClosed   int
	TrackerReopened int
	Deduplicated    int
	OpenCases       int
	ClosedCases     int
	Duration        time.Duration
}

// Recorder owns a private registry so tests and repeated runs never clash
// with the global one.
type Recorder struct {
	registry *prometheus.Registry

	runs        *prometheus.CounterVec
	lastSuccess prometheus.Gauge
	duration    prometheus.Histogram
	rules       *prometheus.GaugeVec
	candidates  *prometheus.GaugeVec
	caseChanges *prometheus.CounterVec
	cases       *prometheus.GaugeVec
}

// New creates a recorder with every collector registered.
func New() *Recorder {
	m := &Recorder{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Pipeline runs by result.",
		}, []string{"result"}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful run.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of a pipeline run.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		rules: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rules",
			Help:      "Rules in the last run by state.",
		}, []string{"state"}),
		candidates: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "candidates",
			Help:      "Candidate triggers in the last run by fate.",
		}, []string{"fate"}),
		caseChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "case_changes_total",
			Help:      "Case writes by kind.",
		}, []string{"kind"}),
		cases: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cases",
			Help:      "Stored cases by effective status as of the last run.",
		}, []string{"status"}),
	}

	m.registry.MustRegister(
		m.runs, m.lastSuccess, m.duration, m.rules,
		m.candidates, m.caseChanges, m.cases,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Recorder) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRun records one finished run. A non-nil err marks it failed.
func (m *Recorder) RecordRun(s RunStats, err error) {
	if err != nil {
		m.runs.WithLabelValues("failure").Inc()
		return
	}

	m.runs.WithLabelValues("success").Inc()
	m.lastSuccess.SetToCurrentTime()
	m.duration.Observe(s.Duration.Seconds())

	m.rules.WithLabelValues("loaded").Set(float64(s.RulesLoaded))
	m.rules.WithLabelValues("skipped").Set(float64(s.RulesSkipped))

	m.candidates.WithLabelValues("kept").Set(float64(s.Candidates - s.Suppressed))
	m.candidates.WithLabelValues("suppressed").Set(float64(s.Suppressed))

	m.caseChanges.WithLabelValues("created").Add(float64(s.Created))
	m.caseChanges.WithLabelValues("updated").Add(float64(s.Updated))
	m.caseChanges.WithLabelValues("tracker_closed").Add(float64(s.TrackerClosed))
	m.caseChanges.WithLabelValues("tracker_reopened").Add(float64(s.TrackerReopened))
	m.caseChanges.WithLabelValues("deduplicated").Add(float64(s.Deduplicated))

	m.cases.WithLabelValues("open").Set(float64(s.OpenCases))
	m.cases.WithLabelValues("closed").Set(float64(s.ClosedCases))
}

// WriteTextfile dumps the registry for the node exporter textfile collector.
func (m *Recorder) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
