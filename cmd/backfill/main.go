// Backfill replays kpiwatch over a range of as-of dates.
//
// Usage:
//
//	go run ./cmd/backfill -from 2026-01-05 -to 2026-03-30 -step 7 -rules rules.csv
//
// This tool:
//  1. Optionally imports a metric CSV into the configured store
//  2. Runs the pipeline once per as-of date, oldest first
//  3. Writes the case report for the last date only
//  4. Prints totals across all runs
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/kpiwatch/internal/app"
	"github.com/opensource-finance/kpiwatch/internal/domain"
	"github.com/opensource-finance/kpiwatch/internal/pipeline"
	"github.com/opensource-finance/kpiwatch/internal/series"
)

// Totals accumulates run outcomes over a backfill.
type Totals struct {
	Runs            int
	Failed          int
	Candidates      int
	Suppressed      int
	Created         int
	Updated         int
	TrackerClosed   int
	TrackerReopened int
	Deduplicated    int
	Last            *pipeline.RunOutcome
}

func (t *Totals) add(out *pipeline.RunOutcome) {
	t.Runs++
	t.Candidates += out.Candidates
	t.Suppressed += out.Suppressed
	t.Created += out.Created
	t.Updated += out.Updated
	t.TrackerClosed += out.TrackerClosed
	t.TrackerReopened += out.TrackerReopened
	t.Deduplicated += out.Deduplicated
	t.Last = out
}

// Runner is the part of pipeline.Runner a backfill needs.
type Runner interface {
	Run(ctx context.Context, opts pipeline.Options) (*pipeline.RunOutcome, error)
}

func main() {
	cfg := domain.LoadConfigFromEnv()

	fromFlag := flag.String("from", "", "first as-of date YYYY-MM-DD")
	toFlag := flag.String("to", "", "last as-of date YYYY-MM-DD (default today)")
	step := flag.Int("step", 7, "days between as-of dates")
	metricsCSV := flag.String("metrics", "", "metric CSV to import before replaying")
	keepGoing := flag.Bool("keep-going", false, "continue after a failed run")
	flag.StringVar(&cfg.RulesPath, "rules", cfg.RulesPath, "rule table CSV")
	flag.StringVar(&cfg.ReportPath, "report", cfg.ReportPath, "report written after the last run")
	flag.StringVar(&cfg.ReportFormat, "format", cfg.ReportFormat, "report format: csv or tsv")
	flag.Parse()

	slog.SetDefault(app.NewLogger(os.Stderr, cfg.Logging))

	if *fromFlag == "" {
		fmt.Println("Usage: backfill -from YYYY-MM-DD [-to YYYY-MM-DD] [-step 7]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	from, err := domain.ParseDate(*fromFlag)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	to := domain.Today()
	if *toFlag != "" {
		if to, err = domain.ParseDate(*toFlag); err != nil {
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
	}

	asOfs, err := dates(from, to, *step)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(cfg)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	if *metricsCSV != "" {
		samples, err := series.LoadFile(*metricsCSV)
		if err != nil {
			fmt.Printf("ERROR: Failed to read metrics: %v\n", err)
			os.Exit(1)
		}
		if err := a.Store.SaveSamples(ctx, samples); err != nil {
			fmt.Printf("ERROR: Failed to import metrics: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("✓ Imported %d samples from %s\n", len(samples), *metricsCSV)
	}

	fmt.Printf("\nReplaying %d as-of dates from %s to %s...\n",
		len(asOfs), asOfs[0].Format(domain.DateLayout), asOfs[len(asOfs)-1].Format(domain.DateLayout))

	start := time.Now()
	totals, err := replay(ctx, a.Runner, a.Options(), asOfs, *keepGoing)
	printResults(totals, time.Since(start))
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

// dates lists as-of dates from from to to inclusive, step days apart. The
// last date is always to, even when the range is not a whole number of steps.
func dates(from, to time.Time, step int) ([]time.Time, error) {
	from, to = domain.Day(from), domain.Day(to)
	if step < 1 {
		return nil, fmt.Errorf("step must be >= 1, got %d", step)
	}
	if to.Before(from) {
		return nil, fmt.Errorf("-to %s is before -from %s", to.Format(domain.DateLayout), from.Format(domain.DateLayout))
	}

	var out []time.Time
	for d := from; !d.After(to); d = d.AddDate(0, 0, step) {
		out = append(out, d)
	}
	if !out[len(out)-1].Equal(to) {
		out = append(out, to)
	}
	return out, nil
}

// replay runs the pipeline for every date in order. Only the last run
// writes the report.
func replay(ctx context.Context, runner Runner, base pipeline.Options, asOfs []time.Time, keepGoing bool) (*Totals, error) {
	totals := &Totals{}
	for i, asOf := range asOfs {
		opts := base
		opts.AsOf = asOf
		if i < len(asOfs)-1 {
			opts.ReportPath = ""
		}

		out, err := runner.Run(ctx, opts)
		if err != nil {
			totals.Failed++
			if ctx.Err() != nil || !keepGoing {
				return totals, fmt.Errorf("run for %s: %w", asOf.Format(domain.DateLayout), err)
			}
			continue
		}
		totals.add(out)
		fmt.Printf("  %s  created=%d updated=%d closed=%d open=%d\n",
			asOf.Format(domain.DateLayout), out.Created, out.Updated, out.TrackerClosed+out.Deduplicated, out.OpenCases)
	}
	return totals, nil
}

func printResults(t *Totals, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BACKFILL RESULTS                         ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 RUNS\n")
	fmt.Printf("   Completed:        %d\n", t.Runs)
	fmt.Printf("   Failed:           %d\n", t.Failed)

	fmt.Printf("\n📈 CASES\n")
	fmt.Printf("   Candidates:       %d (%d suppressed)\n", t.Candidates, t.Suppressed)
	fmt.Printf("   Created:          %d\n", t.Created)
	fmt.Printf("   Updated:          %d\n", t.Updated)
	fmt.Printf("   Tracker closed:   %d\n", t.TrackerClosed)
	fmt.Printf("   Tracker reopened: %d\n", t.TrackerReopened)
	fmt.Printf("   Deduplicated:     %d\n", t.Deduplicated)
	if t.Last != nil {
		fmt.Printf("   Open at end:      %d\n", t.Last.OpenCases)
		fmt.Printf("   Closed at end:    %d\n", t.Last.ClosedCases)
	}

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if t.Runs > 0 {
		fmt.Printf("   Avg per run:      %v\n", (duration / time.Duration(t.Runs)).Round(time.Millisecond))
	}
	fmt.Println()
}
