package domain

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"
)

// MetricSample is one pre-computed KPI value for a tag on a date.
// Samples are produced upstream and never mutated here.
type MetricSample struct {
	KPIID   string    `json:"kpiId"`
	Tag     string    `json:"tag"`
	Date    time.Time `json:"date"`
	Value   float64   `json:"value"`
	Details string    `json:"details,omitempty"`

	// SupportCount is the number of records behind the value, when known.
	SupportCount *int `json:"supportCount,omitempty"`
}

// SeriesQuery selects samples of one KPI in a closed date range.
type SeriesQuery struct {
	KPIID string
	Tag   string // exact match, empty for all tags
	From  time.Time
	To    time.Time
}

// MetricStore gives read access to metric samples and lets the import
// command load them.
type MetricStore interface {
	QuerySamples(ctx context.Context, q SeriesQuery) ([]MetricSample, error)
	// CountSamples returns how many samples QuerySamples would return.
	// Samples are insert-only, so the count changes whenever q gains data.
	CountSamples(ctx context.Context, q SeriesQuery) (int, error)
	SaveSamples(ctx context.Context, samples []MetricSample) error
}

// NormalizeKPIID turns spreadsheet renderings such as "2.0" into "2" so
// rule and metric ids compare equal.
func NormalizeKPIID(id string) string {
	id = strings.TrimSpace(id)
	if f, err := strconv.ParseFloat(id, 64); err == nil && f == math.Trunc(f) && !math.IsInf(f, 0) {
		return strconv.FormatInt(int64(f), 10)
	}
	return id
}
