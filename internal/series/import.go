package series

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/opensource-finance/kpiwatch/internal/domain"
	"github.com/spf13/cast"
)

// Metric CSV columns.
const (
	ColKPIID        = "KPI_Id"
	ColTag          = "Tag"
	ColDate         = "CreatedDate"
	ColValue        = "Progress"
	ColDetails      = "Details"
	ColSupportCount = "SupportCount"
)

var countPattern = regexp.MustCompile(`(?i)count:\s*(\d+)`)

// SupportCountFromDetails extracts N from a "Count: N" fragment.
func SupportCountFromDetails(details string) *int {
	m := countPattern.FindStringSubmatch(details)
	if m == nil {
		return nil
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return nil
	}
	return &n
}

// ReadCSV parses a metric export. Rows with an unreadable date or value are
// rejected with their line number.
func ReadCSV(r io.Reader) ([]domain.MetricSample, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read metric header: %w", err)
	}

	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	for _, col := range []string{ColKPIID, ColTag, ColDate, ColValue} {
		if _, ok := index[col]; !ok {
			return nil, fmt.Errorf("metric file is missing column %s", col)
		}
	}

	cell := func(record []string, col string) string {
		i, ok := index[col]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var samples []domain.MetricSample
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read metric file: %w", err)
		}

		date, err := domain.ParseDate(cell(record, ColDate))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		value, err := cast.ToFloat64E(cell(record, ColValue))
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid value: %w", line, err)
		}

		sample := domain.MetricSample{
			KPIID:   domain.NormalizeKPIID(cell(record, ColKPIID)),
			Tag:     cell(record, ColTag),
			Date:    date,
			Value:   value,
			Details: cell(record, ColDetails),
		}
		if v := cell(record, ColSupportCount); v != "" {
			n, err := cast.ToIntE(v)
			if err != nil {
				return nil, fmt.Errorf("line %d: invalid support count: %w", line, err)
			}
			sample.SupportCount = &n
		} else {
			sample.SupportCount = SupportCountFromDetails(sample.Details)
		}
		samples = append(samples, sample)
	}

	return samples, nil
}

// LoadFile reads a metric CSV from disk.
func LoadFile(path string) ([]domain.MetricSample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open metric file: %w", err)
	}
	defer f.Close()
	return ReadCSV(f)
}
