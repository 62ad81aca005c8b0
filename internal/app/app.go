// Package app builds the runtime components shared by the kpiwatch
// commands from a Config.
package app

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/opensource-finance/kpiwatch/internal/cache"
	"github.com/opensource-finance/kpiwatch/internal/domain"
	"github.com/opensource-finance/kpiwatch/internal/lock"
	"github.com/opensource-finance/kpiwatch/internal/metrics"
	"github.com/opensource-finance/kpiwatch/internal/pipeline"
	"github.com/opensource-finance/kpiwatch/internal/repository"
	"github.com/opensource-finance/kpiwatch/internal/tracker"
)

// App holds the initialised components.
type App struct {
	Config  *domain.Config
	Store   domain.Store
	Cache   domain.Cache
	Lock    domain.RunLock
	Source  domain.TaskSource
	Metrics *metrics.Recorder
	Runner  *pipeline.Runner
}

// NewLogger builds the process logger described by cfg.
func NewLogger(w io.Writer, cfg domain.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Open initialises every component. On error, whatever was opened is
// closed again.
func Open(cfg *domain.Config) (*App, error) {
	a := &App{Config: cfg, Metrics: metrics.New()}
	if err := a.open(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) open() error {
	cfg := a.Config
	var err error

	if a.Store, err = repository.New(cfg.Repository); err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	if a.Cache, err = cache.New(cfg.Cache); err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	slog.Info("cache initialized", "type", cfg.Cache.Type, "two_phase", cfg.Cache.EnableTwoPhase)

	if a.Lock, err = lock.New(cfg.Lock); err != nil {
		return fmt.Errorf("failed to initialize run lock: %w", err)
	}

	if a.Source, err = tracker.NewSource(cfg.Tracker); err != nil {
		return fmt.Errorf("failed to initialize tracker: %w", err)
	}
	slog.Info("tracker initialized", "type", cfg.Tracker.Type)

	a.Runner = pipeline.New(pipeline.Config{
		Store:     a.Store,
		Cache:     a.Cache,
		SeriesTTL: cfg.Cache.SeriesTTL,
		Source:    a.Source,
		Lock:      a.Lock,
		Metrics:   a.Metrics,
	})
	return nil
}

// Options returns the pipeline options described by the configuration.
// AsOf is left for the caller.
func (a *App) Options() pipeline.Options {
	return pipeline.Options{
		RulesPath:    a.Config.RulesPath,
		ReportPath:   a.Config.ReportPath,
		ReportFormat: a.Config.ReportFormat,
		MetricsFile:  a.Config.MetricsFile,
		LockKey:      a.Config.Lock.Key,
		LockTTL:      a.Config.Lock.TTL,
	}
}

// Close releases every opened component.
func (a *App) Close() {
	if a.Lock != nil {
		if err := a.Lock.Close(); err != nil {
			slog.Warn("failed to close run lock", "error", err)
		}
	}
	if a.Cache != nil {
		if err := a.Cache.Close(); err != nil {
			slog.Warn("failed to close cache", "error", err)
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			slog.Warn("failed to close repository", "error", err)
		}
	}
}
