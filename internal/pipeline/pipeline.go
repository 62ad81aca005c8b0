// Package pipeline runs one kpiwatch invocation end to end.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kpiwatch/internal/cases"
	"github.com/opensource-finance/kpiwatch/internal/detect"
	"github.com/opensource-finance/kpiwatch/internal/domain"
	"github.com/opensource-finance/kpiwatch/internal/metrics"
	"github.com/opensource-finance/kpiwatch/internal/report"
	"github.com/opensource-finance/kpiwatch/internal/rules"
	"github.com/opensource-finance/kpiwatch/internal/series"
	"github.com/opensource-finance/kpiwatch/internal/tracker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Step names used in StepError and span names.
const (
	StepLock      = "lock"
	StepRules     = "rules"
	StepLoad      = "load"
	StepReconcile = "reconcile"
	StepDedup     = "dedup"
	StepDetect    = "detect"
	StepUpsert    = "upsert"
	StepReport    = "report"
)

// ErrRunInProgress is returned when another invocation holds the run lock.
var ErrRunInProgress = errors.New("another run is in progress")

// StepError reports the step a run failed in. Writes of that step were
// rolled back.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s step failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

var tracer = otel.Tracer("kpiwatch/pipeline")

// Options configure one run.
type Options struct {
	AsOf time.Time

	// Rules, when non-nil, are used instead of reading RulesPath.
	Rules     []*domain.Rule
	RulesPath string

	// ReportPath empty disables the report.
	ReportPath   string
	ReportFormat string

	// MetricsFile empty disables the textfile export.
	MetricsFile string

	LockKey string
	LockTTL time.Duration
}

// RunOutcome summarises a run.
type RunOutcome struct {
	RunID string    `json:"runId"`
	AsOf  time.Time `json:"asOf"`

	RulesLoaded    int `json:"rulesLoaded"`
	RulesSkipped   int `json:"rulesSkipped"`
	RulesEvaluated int `json:"rulesEvaluated"`

	Candidates int `json:"candidates"`
	Suppressed int `json:"suppressed"`
	Created    int `json:"created"`
	Updated    int `json:"updated"`

	TrackerClosed   int `json:"trackerClosed"`
	TrackerReopened int `json:"trackerReopened"`
	Deduplicated    int `json:"deduplicated"`

	OpenCases   int `json:"openCases"`
	ClosedCases int `json:"closedCases"`

	// Triggered holds every key that received a surviving candidate.
	Triggered map[domain.CaseKey]bool `json:"-"`

	// SyncErr is set when the tracker could not be read. The run still
	// completes without reconciliation.
	SyncErr error `json:"-"`

	ReportRows int           `json:"reportRows"`
	Duration   time.Duration `json:"duration"`
}

func (o *RunOutcome) stats() metrics.RunStats {
	return metrics.RunStats{
		RulesLoaded:     o.RulesLoaded,
		RulesSkipped:    o.RulesSkipped,
		Candidates:      o.Candidates,
		Suppressed:      o.Suppressed,
		Created:         o.Created,
		Updated:         o.Updated,
		TrackerClosed:   o.TrackerClosed,
		TrackerReopened: o.TrackerReopened,
		Deduplicated:    o.Deduplicated,
		OpenCases:       o.OpenCases,
		ClosedCases:     o.ClosedCases,
		Duration:        o.Duration,
	}
}

// Runner wires the components of a run together.
type Runner struct {
	store   domain.Store
	reader  detect.SeriesReader
	tracker *tracker.Reconciler
	lock    domain.RunLock
	metrics *metrics.Recorder
	dedup   *cases.Deduplicator
}

// Config holds the collaborators of a Runner. Cache, Source, Lock and
// Metrics are optional.
type Config struct {
	Store     domain.Store
	Cache     domain.Cache
	SeriesTTL time.Duration
	Source    domain.TaskSource
	Lock      domain.RunLock
	Metrics   *metrics.Recorder
}

// New creates a runner.
func New(cfg Config) *Runner {
	return &Runner{
		store:   cfg.Store,
		reader:  series.NewReader(cfg.Store, cfg.Cache, cfg.SeriesTTL),
		tracker: tracker.NewReconciler(cfg.Source),
		lock:    cfg.Lock,
		metrics: cfg.Metrics,
		dedup:   cases.NewDeduplicator(),
	}
}

// Run executes reconcile, dedup, detection, upsert and report for one as-of
// date. No report is written when a step fails.
func (r *Runner) Run(ctx context.Context, opts Options) (*RunOutcome, error) {
	start := time.Now()
	out := &RunOutcome{
		RunID:     uuid.New().String(),
		AsOf:      domain.Day(opts.AsOf),
		Triggered: make(map[domain.CaseKey]bool),
	}
	if opts.AsOf.IsZero() {
		out.AsOf = domain.Today()
	}

	ctx, span := tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("run.id", out.RunID),
		attribute.String("run.as_of", out.AsOf.Format(domain.DateLayout)),
	))
	defer span.End()

	logger := slog.With("run_id", out.RunID, "as_of", out.AsOf.Format(domain.DateLayout))
	logger.Info("run started")

	err := r.run(ctx, logger, opts, out)
	out.Duration = time.Since(start)

	if r.metrics != nil {
		r.metrics.RecordRun(out.stats(), err)
		if opts.MetricsFile != "" {
			if werr := r.metrics.WriteTextfile(opts.MetricsFile); werr != nil {
				logger.Warn("metrics textfile not written", "error", werr)
			}
		}
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("run failed", "error", err, "duration_ms", out.Duration.Milliseconds())
		return out, err
	}

	logger.Info("run finished",
		"rules", out.RulesLoaded,
		"skipped_rules", out.RulesSkipped,
		"candidates", out.Candidates,
		"suppressed", out.Suppressed,
		"created", out.Created,
		"updated", out.Updated,
		"tracker_closed", out.TrackerClosed,
		"tracker_reopened", out.TrackerReopened,
		"deduplicated", out.Deduplicated,
		"duration_ms", out.Duration.Milliseconds(),
	)
	return out, nil
}

func (r *Runner) run(ctx context.Context, logger *slog.Logger, opts Options, out *RunOutcome) error {
	if r.lock != nil {
		key := opts.LockKey
		if key == "" {
			key = "kpiwatch:run"
		}
		ttl := opts.LockTTL
		if ttl <= 0 {
			ttl = 10 * time.Minute
		}

		ok, err := r.lock.TryLock(ctx, key, out.RunID, ttl)
		if err != nil {
			return &StepError{Step: StepLock, Err: err}
		}
		if !ok {
			return &StepError{Step: StepLock, Err: ErrRunInProgress}
		}
		defer func() {
			if err := r.lock.Unlock(context.WithoutCancel(ctx), key, out.RunID); err != nil {
				logger.Warn("run lock not released", "error", err)
			}
		}()
	}

	var engine *rules.Engine
	if err := r.step(ctx, StepRules, func(ctx context.Context) error {
		var err error
		engine, err = r.loadRules(logger, opts, out)
		return err
	}); err != nil {
		return err
	}
	defer engine.Close()

	var reg *cases.Registry
	if err := r.step(ctx, StepLoad, func(ctx context.Context) error {
		var err error
		reg, err = cases.Load(ctx, r.store, out.AsOf)
		return err
	}); err != nil {
		return err
	}

	if err := r.step(ctx, StepReconcile, func(ctx context.Context) error {
		return r.store.WithinTx(ctx, func(repo domain.CaseRepository) error {
			synced, err := r.tracker.Sync(ctx, repo, reg)
			if errors.Is(err, tracker.ErrSourceUnavailable) {
				out.SyncErr = err
				logger.Warn("tracker unavailable, skipping reconciliation", "error", err)
				return nil
			}
			out.TrackerClosed = synced.Closed
			out.TrackerReopened = synced.Reopened
			return err
		})
	}); err != nil {
		return err
	}

	if err := r.step(ctx, StepDedup, func(ctx context.Context) error {
		return r.store.WithinTx(ctx, func(repo domain.CaseRepository) error {
			closed, err := r.dedup.Collapse(ctx, repo, reg)
			out.Deduplicated = len(closed)
			return err
		})
	}); err != nil {
		return err
	}

	var kept []domain.CandidateTrigger
	if err := r.step(ctx, StepDetect, func(ctx context.Context) error {
		var err error
		kept, err = r.detectAll(ctx, logger, engine, reg, out)
		return err
	}); err != nil {
		return err
	}

	if err := r.step(ctx, StepUpsert, func(ctx context.Context) error {
		return r.store.WithinTx(ctx, func(repo domain.CaseRepository) error {
			for _, c := range kept {
				_, created, err := reg.Upsert(ctx, repo, c)
				if err != nil {
					return err
				}
				if created {
					out.Created++
				} else {
					out.Updated++
				}
			}
			return nil
		})
	}); err != nil {
		return err
	}

	all := reg.Cases()
	for _, c := range all {
		if reg.Status(c) == domain.CaseOpen {
			out.OpenCases++
		} else {
			out.ClosedCases++
		}
	}

	if opts.ReportPath == "" {
		return nil
	}
	return r.step(ctx, StepReport, func(ctx context.Context) error {
		rows := report.Build(all, engine.Rules(), out.Triggered)
		out.ReportRows = len(rows)
		return report.WriteFile(opts.ReportPath, rows, opts.ReportFormat)
	})
}

func (r *Runner) loadRules(logger *slog.Logger, opts Options, out *RunOutcome) (*rules.Engine, error) {
	ruleSet := opts.Rules
	if ruleSet == nil {
		result, err := rules.LoadFile(opts.RulesPath)
		if err != nil {
			return nil, err
		}
		for _, e := range result.Errors {
			logger.Warn("rule skipped", "row", e.Row, "rule", e.Code, "field", e.Field, "error", e.Err)
		}
		out.RulesSkipped += len(result.Errors)
		ruleSet = result.Rules
	}

	active := make([]*domain.Rule, 0, len(ruleSet))
	for _, rule := range ruleSet {
		if rule == nil || !rule.Active {
			continue
		}
		active = append(active, rule)
	}
	if n := len(ruleSet) - len(active); n > 0 {
		logger.Debug("inactive rules ignored", "count", n)
	}
	ruleSet = active

	engine, err := rules.NewEngine()
	if err != nil {
		return nil, err
	}
	for _, e := range engine.LoadRules(ruleSet) {
		logger.Warn("rule skipped", "rule", e.Code, "error", e.Err)
		out.RulesSkipped++
	}
	out.RulesLoaded = engine.RulesCount()
	return engine, nil
}

func (r *Runner) detectAll(ctx context.Context, logger *slog.Logger, engine *rules.Engine, reg *cases.Registry, out *RunOutcome) ([]domain.CandidateTrigger, error) {
	detector := detect.NewDetector(r.reader, engine, reg)

	var candidates []domain.CandidateTrigger
	for _, rule := range engine.Rules() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		found, err := detector.Detect(ctx, rule, out.AsOf)
		if errors.Is(err, detect.ErrEvaluation) {
			logger.Warn("rule skipped", "rule", rule.Code, "error", err)
			out.RulesSkipped++
			continue
		}
		if err != nil {
			return nil, err
		}
		out.RulesEvaluated++
		candidates = append(candidates, found...)
	}

	kept, suppressed := detect.Suppress(candidates)
	out.Candidates = len(candidates)
	out.Suppressed = len(suppressed)
	for _, c := range suppressed {
		logger.Debug("candidate suppressed by critical", "tag", c.Tag, "rule", c.RuleCode, "kpi", c.KPIID)
	}
	for _, c := range kept {
		out.Triggered[c.Key()] = true
	}
	return kept, nil
}

// step runs fn in its own span and wraps failures in a StepError.
func (r *Runner) step(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, span := tracer.Start(ctx, "pipeline."+name)
	defer span.End()

	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return &StepError{Step: name, Err: err}
	}
	return nil
}
