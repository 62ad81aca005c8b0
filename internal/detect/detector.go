// Package detect turns metric series into candidate triggers.
package detect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kpiwatch/internal/domain"
)

// ErrEvaluation marks a rule whose comparison could not be evaluated. Such a
// rule is skipped; other errors come from the series store.
var ErrEvaluation = errors.New("rule evaluation failed")

// SeriesReader returns the samples a rule evaluates, ordered by tag then date.
type SeriesReader interface {
	Read(ctx context.Context, rule *domain.Rule, asOf time.Time) ([]domain.MetricSample, error)
}

// Comparator evaluates a loaded rule's threshold comparison.
type Comparator interface {
	Violates(code string, value float64) (bool, error)
}

// CutoffSource returns the last closure date of a case key. Samples on or
// before it belong to a closed incident and are ignored.
type CutoffSource interface {
	Cutoff(key domain.CaseKey) (time.Time, bool)
}

// Detector finds sustained violations of one rule at a time.
type Detector struct {
	reader  SeriesReader
	cmp     Comparator
	cutoffs CutoffSource
}

// NewDetector creates a detector. cutoffs may be nil.
func NewDetector(reader SeriesReader, cmp Comparator, cutoffs CutoffSource) *Detector {
	return &Detector{
		reader:  reader,
		cmp:     cmp,
		cutoffs: cutoffs,
	}
}

// Detect returns at most one candidate per tag, ordered by tag.
func (d *Detector) Detect(ctx context.Context, rule *domain.Rule, asOf time.Time) ([]domain.CandidateTrigger, error) {
	samples, err := d.reader.Read(ctx, rule, asOf)
	if err != nil {
		return nil, err
	}

	var candidates []domain.CandidateTrigger
	for start := 0; start < len(samples); {
		end := start
		for end < len(samples) && samples[end].Tag == samples[start].Tag {
			end++
		}
		tag := samples[start].Tag
		series := d.afterCutoff(rule, tag, samples[start:end])
		start = end

		flags := make([]bool, len(series))
		for i, s := range series {
			if flags[i], err = d.isViolating(rule, s); err != nil {
				return nil, err
			}
		}

		run := ActiveRun(tag, series, flags)
		if run == nil || run.Len() < rule.ConsecutiveOccurrences {
			continue
		}
		candidates = append(candidates, newCandidate(rule, run))
	}

	slog.Debug("rule evaluated",
		"rule", rule.Code,
		"samples", len(samples),
		"candidates", len(candidates),
	)
	return candidates, nil
}

func (d *Detector) afterCutoff(rule *domain.Rule, tag string, series []domain.MetricSample) []domain.MetricSample {
	if d.cutoffs == nil {
		return series
	}
	cutoff, ok := d.cutoffs.Cutoff(domain.CaseKey{Category: tag, TriggerType: rule.Code})
	if !ok {
		return series
	}
	for i, s := range series {
		if s.Date.After(cutoff) {
			return series[i:]
		}
	}
	return nil
}

func (d *Detector) isViolating(rule *domain.Rule, s domain.MetricSample) (bool, error) {
	breached, err := d.cmp.Violates(rule.Code, s.Value)
	if err != nil {
		return false, fmt.Errorf("%w: rule %s on %s: %w", ErrEvaluation, rule.Code, s.Tag, err)
	}
	if !breached {
		return false, nil
	}
	if rule.MinVolume == 0 {
		return true, nil
	}
	return s.SupportCount != nil && *s.SupportCount >= rule.MinVolume, nil
}

// ActiveRun run-length encodes flags over one tag's series and returns the
// trailing violating run, or nil when nothing violates.
func ActiveRun(tag string, series []domain.MetricSample, flags []bool) *domain.ViolationRun {
	var active *domain.ViolationRun
	prev := false
	for i, s := range series {
		if !flags[i] {
			prev = false
			continue
		}
		if !prev {
			active = &domain.ViolationRun{Tag: tag}
		}
		active.Points = append(active.Points, domain.RunPoint{
			Date:    s.Date,
			Value:   s.Value,
			Details: s.Details,
		})
		prev = true
	}
	return active
}

func newCandidate(rule *domain.Rule, run *domain.ViolationRun) domain.CandidateTrigger {
	last := run.Last()
	return domain.CandidateTrigger{
		Tag:               run.Tag,
		RuleCode:          rule.Code,
		KPIID:             rule.KPIID,
		Level:             rule.Level,
		Value:             last.Value,
		ConsecutiveCount:  run.Len(),
		FirstDate:         run.FirstDate(),
		LastViolationDate: run.LastDate(),
		DetailsSummary:    run.Summary(),
		Description:       rule.Describe(run.Tag, last.Value, run.Len()),
		Details:           last.Details,
	}
}
