// kpiwatch - KPI violation detection and case tracking.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/kpiwatch/internal/api"
	"github.com/opensource-finance/kpiwatch/internal/app"
	"github.com/opensource-finance/kpiwatch/internal/domain"
	"github.com/opensource-finance/kpiwatch/internal/pipeline"
	"github.com/opensource-finance/kpiwatch/internal/schedule"
	"github.com/opensource-finance/kpiwatch/internal/series"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

const usage = `Usage: kpiwatch <command> [flags]

Commands:
  run             evaluate rules once and write the case report
  serve           serve the read-only case API
  schedule        run on the configured cron schedule
  import-metrics  load a metric CSV into the store
  version         print build information

Run "kpiwatch <command> -h" for command flags.
`

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}

	cfg := domain.LoadConfigFromEnv()
	slog.SetDefault(app.NewLogger(os.Stdout, cfg.Logging))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch args[0] {
	case "run":
		err = runOnce(ctx, cfg, args[1:])
	case "serve":
		err = serve(ctx, cfg, args[1:])
	case "schedule":
		err = runScheduled(ctx, cfg, args[1:])
	case "import-metrics":
		err = importMetrics(ctx, cfg, args[1:])
	case "version":
		fmt.Printf("kpiwatch %s (commit %s, built %s)\n", Version, Commit, BuildDate)
		return 0
	case "-h", "--help", "help":
		fmt.Fprint(stderr, usage)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usage)
		return 2
	}

	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		slog.Error("kpiwatch failed", "command", args[0], "error", err)
		return 1
	}
	return 0
}

// runFlags registers the flags shared by run and schedule.
func runFlags(fs *flag.FlagSet, cfg *domain.Config) {
	fs.StringVar(&cfg.RulesPath, "rules", cfg.RulesPath, "rule table CSV")
	fs.StringVar(&cfg.ReportPath, "report", cfg.ReportPath, "report output path")
	fs.StringVar(&cfg.ReportFormat, "format", cfg.ReportFormat, "report format: csv or tsv")
	fs.StringVar(&cfg.MetricsFile, "metrics-file", cfg.MetricsFile, "Prometheus textfile written after each run")
}

func runOnce(ctx context.Context, cfg *domain.Config, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.StringVar(&cfg.AsOf, "as-of", cfg.AsOf, "as-of date YYYY-MM-DD (default today)")
	runFlags(fs, cfg)
	if err := fs.Parse(args); err != nil {
		return err
	}

	asOf, err := cfg.AsOfDate()
	if err != nil {
		return err
	}

	a, err := app.Open(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	opts := a.Options()
	opts.AsOf = asOf
	out, err := a.Runner.Run(ctx, opts)
	if err != nil {
		return err
	}

	printOutcome(out, cfg.ReportPath)
	return nil
}

func serve(ctx context.Context, cfg *domain.Config, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.StringVar(&cfg.Server.Host, "host", cfg.Server.Host, "listen host")
	fs.IntVar(&cfg.Server.Port, "port", cfg.Server.Port, "listen port")
	fs.StringVar(&cfg.RulesPath, "rules", cfg.RulesPath, "rule table CSV for /rules and /report")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := app.Open(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := api.NewServer(cfg.Server, a.Store, a.Cache, a.Metrics, cfg.RulesPath, Version)
	return listen(ctx, srv, cfg.Server)
}

func runScheduled(ctx context.Context, cfg *domain.Config, args []string) error {
	fs := flag.NewFlagSet("schedule", flag.ContinueOnError)
	fs.StringVar(&cfg.Schedule, "cron", cfg.Schedule, "cron expression")
	withAPI := fs.Bool("serve", false, "also serve the case API")
	runFlags(fs, cfg)
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := app.Open(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	sched, err := schedule.New(cfg.Schedule, func(ctx context.Context, asOf time.Time) error {
		opts := a.Options()
		opts.AsOf = asOf
		_, err := a.Runner.Run(ctx, opts)
		if errors.Is(err, pipeline.ErrRunInProgress) {
			slog.Warn("skipping tick, another run holds the lock")
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}
	if err := sched.Start(); err != nil {
		return err
	}
	defer sched.Stop()

	if *withAPI {
		srv := api.NewServer(cfg.Server, a.Store, a.Cache, a.Metrics, cfg.RulesPath, Version)
		return listen(ctx, srv, cfg.Server)
	}

	<-ctx.Done()
	slog.Info("shutting down...")
	return nil
}

func importMetrics(ctx context.Context, cfg *domain.Config, args []string) error {
	fs := flag.NewFlagSet("import-metrics", flag.ContinueOnError)
	file := fs.String("file", "", "metric CSV (KPI_Id, Tag, CreatedDate, Progress, Details, SupportCount)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		*file = fs.Arg(0)
	}
	if *file == "" {
		return fmt.Errorf("a metric CSV is required")
	}

	samples, err := series.LoadFile(*file)
	if err != nil {
		return err
	}

	a, err := app.Open(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Store.SaveSamples(ctx, samples); err != nil {
		return fmt.Errorf("failed to save samples: %w", err)
	}
	slog.Info("metrics imported", "file", *file, "samples", len(samples))
	return nil
}

// listen serves srv until ctx is cancelled.
func listen(ctx context.Context, srv *api.Server, cfg domain.ServerConfig) error {
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("kpiwatch is ready",
		"host", cfg.Host,
		"port", cfg.Port,
		"version", Version,
	)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	return nil
}

func printOutcome(out *pipeline.RunOutcome, reportPath string) {
	fmt.Println()
	fmt.Printf("  As of:       %s\n", out.AsOf.Format(domain.DateLayout))
	fmt.Printf("  Rules:       %d loaded, %d skipped\n", out.RulesLoaded, out.RulesSkipped)
	fmt.Printf("  Candidates:  %d (%d suppressed)\n", out.Candidates, out.Suppressed)
	fmt.Printf("  Cases:       %d created, %d updated, %d open, %d closed\n",
		out.Created, out.Updated, out.OpenCases, out.ClosedCases)
	fmt.Printf("  Tracker:     %d closed, %d reopened\n", out.TrackerClosed, out.TrackerReopened)
	if out.SyncErr != nil {
		fmt.Printf("               unavailable: %v\n", out.SyncErr)
	}
	if out.Deduplicated > 0 {
		fmt.Printf("  Duplicates:  %d closed\n", out.Deduplicated)
	}
	if reportPath != "" {
		fmt.Printf("  Report:      %s (%d rows)\n", reportPath, out.ReportRows)
	}
	fmt.Println()
}
