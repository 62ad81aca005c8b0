// Package schedule runs the batch pipeline on a cron expression.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kpiwatch/internal/domain"
	"github.com/robfig/cron/v3"
)

// RunFunc executes one batch run for asOf.
type RunFunc func(ctx context.Context, asOf time.Time) error

// Scheduler triggers RunFunc on a standard five-field cron expression. A
// tick that fires while the previous run is still going is skipped.
type Scheduler struct {
	spec string
	run  RunFunc
	cron *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool

	// now is replaced in tests.
	now func() time.Time
}

// New validates spec and creates a scheduler. Descriptors such as
// "@daily" and "@every 1h" are accepted.
func New(spec string, run RunFunc) (*Scheduler, error) {
	if run == nil {
		return nil, fmt.Errorf("run function is required")
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	logger := slogLogger{}
	return &Scheduler{
		spec: spec,
		run:  run,
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		ctx:    ctx,
		cancel: cancel,
		now:    time.Now,
	}, nil
}

// Start registers the job and starts the cron loop in the background.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	if _, err := s.cron.AddFunc(s.spec, func() { s.Tick(s.ctx) }); err != nil {
		return fmt.Errorf("failed to add scheduled run: %w", err)
	}

	s.cron.Start()
	s.started = true
	slog.Info("scheduler started", "schedule", s.spec, "next", s.Next())
	return nil
}

// Tick performs one run with today as the as-of date. Failures are logged;
// the next tick is an independent attempt.
func (s *Scheduler) Tick(ctx context.Context) error {
	asOf := domain.Day(s.now())
	slog.Info("scheduled run starting", "as_of", asOf.Format(domain.DateLayout))

	if err := s.run(ctx, asOf); err != nil {
		slog.Error("scheduled run failed", "as_of", asOf.Format(domain.DateLayout), "error", err)
		return err
	}
	return nil
}

// Next returns the next activation time, or zero before Start.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// Stop cancels an in-flight run and waits for it to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	s.cancel()
	<-s.cron.Stop().Done()
	s.started = false
	slog.Info("scheduler stopped")
}

// slogLogger adapts cron's logger to slog.
type slogLogger struct{}

func (slogLogger) Info(msg string, keysAndValues ...any) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (slogLogger) Error(err error, msg string, keysAndValues ...any) {
	slog.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}
