package rules

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/opensource-finance/kpiwatch/internal/domain"
)

// LoadResult is the outcome of reading a rule table: the usable active
// rules plus one error per rejected row.
type LoadResult struct {
	Rules    []*domain.Rule
	Errors   []*RuleError
	Inactive int
}

// ParseRows validates rows and keeps the active ones. Duplicate codes are
// rejected after their first occurrence.
func ParseRows(rows []Row) *LoadResult {
	result := &LoadResult{}
	seen := make(map[string]bool)

	for i, row := range rows {
		rule, ruleErr := Parse(row, i+1)
		if ruleErr != nil {
			result.Errors = append(result.Errors, ruleErr)
			continue
		}
		if seen[rule.Code] {
			result.Errors = append(result.Errors, &RuleError{
				Row:   i + 1,
				Code:  rule.Code,
				Field: ColRuleCode,
				Err:   fmt.Errorf("duplicate rule code"),
			})
			continue
		}
		seen[rule.Code] = true

		if !rule.Active {
			result.Inactive++
			continue
		}
		result.Rules = append(result.Rules, rule)
	}

	return result
}

// ReadCSV reads a rule table with a header row.
func ReadCSV(r io.Reader) ([]Row, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read rule header: %w", err)
	}
	for i, h := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
	}

	var rows []Row
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read rule table: %w", err)
		}

		row := make(Row, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = record[i]
			}
		}
		rows = append(rows, row)
	}

	return rows, nil
}

// LoadFile reads and validates a CSV rule table. Only I/O failures are
// returned as errors; bad rows end up in LoadResult.Errors.
func LoadFile(path string) (*LoadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open rule table: %w", err)
	}
	defer f.Close()

	rows, err := ReadCSV(f)
	if err != nil {
		return nil, err
	}
	return ParseRows(rows), nil
}
