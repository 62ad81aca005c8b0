package rules

import (
	"errors"
	"fmt"
	"strings"

	"github.com/opensource-finance/kpiwatch/internal/domain"
	"github.com/spf13/cast"
)

// Rule table columns.
const (
	ColRuleCode         = "RuleCode"
	ColRuleName         = "RuleName"
	ColKPIID            = "KPI_Id"
	ColOperator         = "ComparisonOperator"
	ColThreshold        = "ThresholdValue"
	ColConsecutive      = "ConsecutiveOccurrences"
	ColLevel            = "TriggerLevel"
	ColLookbackDays     = "LookbackDays"
	ColTagFilter        = "TagFilter"
	ColMinVolume        = "MinVolume"
	ColDescription      = "Description"
	ColOwner            = "Owner"
	ColActionType       = "ActionType"
	ColDataSource       = "DataSource"
	ColActive           = "Active"
	ColMonitorStartDate = "MonitorStartDate"
)

// ErrInvalidRule is wrapped by every RuleError.
var ErrInvalidRule = errors.New("invalid rule")

// RuleError describes why one rule row was rejected.
type RuleError struct {
	Row   int // 1-based data row, 0 when unknown
	Code  string
	Field string
	Err   error
}

func (e *RuleError) Error() string {
	code := e.Code
	if code == "" {
		code = "?"
	}
	if e.Field == "" {
		return fmt.Sprintf("rule row %d (%s): %v", e.Row, code, e.Err)
	}
	return fmt.Sprintf("rule row %d (%s): %s: %v", e.Row, code, e.Field, e.Err)
}

func (e *RuleError) Unwrap() []error {
	return []error{ErrInvalidRule, e.Err}
}

// Row is one raw rule row keyed by column name.
type Row map[string]string

func (r Row) get(col string) string {
	return strings.TrimSpace(r[col])
}

// Parse validates one raw row into a Rule. Inactive rows are parsed too;
// callers filter on Rule.Active.
func Parse(row Row, index int) (*domain.Rule, *RuleError) {
	rule := &domain.Rule{
		Code:                row.get(ColRuleCode),
		Name:                row.get(ColRuleName),
		TagFilter:           row.get(ColTagFilter),
		DescriptionTemplate: row.get(ColDescription),
		Owner:               row.get(ColOwner),
		ActionType:          row.get(ColActionType),
		DataSource:          row.get(ColDataSource),
		Active:              parseActive(row.get(ColActive)),
	}

	fail := func(field string, err error) *RuleError {
		return &RuleError{Row: index, Code: rule.Code, Field: field, Err: err}
	}

	if rule.Code == "" {
		return nil, fail(ColRuleCode, errors.New("required"))
	}

	rule.KPIID = domain.NormalizeKPIID(row.get(ColKPIID))
	if rule.KPIID == "" {
		return nil, fail(ColKPIID, errors.New("required"))
	}

	op, err := parseOperator(row.get(ColOperator))
	if err != nil {
		return nil, fail(ColOperator, err)
	}
	rule.Operator = op

	threshold := row.get(ColThreshold)
	if threshold == "" {
		return nil, fail(ColThreshold, errors.New("required"))
	}
	if rule.Threshold, err = cast.ToFloat64E(threshold); err != nil {
		return nil, fail(ColThreshold, err)
	}

	rule.ConsecutiveOccurrences = 1
	if v := row.get(ColConsecutive); v != "" {
		if rule.ConsecutiveOccurrences, err = cast.ToIntE(v); err != nil {
			return nil, fail(ColConsecutive, err)
		}
		if rule.ConsecutiveOccurrences < 1 {
			return nil, fail(ColConsecutive, fmt.Errorf("must be >= 1, got %d", rule.ConsecutiveOccurrences))
		}
	}

	level, err := parseLevel(row.get(ColLevel))
	if err != nil {
		return nil, fail(ColLevel, err)
	}
	rule.Level = level

	rule.LookbackDays = domain.MaxLookbackDays
	if v := row.get(ColLookbackDays); v != "" {
		if rule.LookbackDays, err = cast.ToIntE(v); err != nil {
			return nil, fail(ColLookbackDays, err)
		}
	}

	if v := row.get(ColMinVolume); v != "" {
		if rule.MinVolume, err = cast.ToIntE(v); err != nil {
			return nil, fail(ColMinVolume, err)
		}
		if rule.MinVolume < 0 {
			return nil, fail(ColMinVolume, fmt.Errorf("must be >= 0, got %d", rule.MinVolume))
		}
	}

	if v := row.get(ColMonitorStartDate); v != "" {
		start, err := domain.ParseDate(v)
		if err != nil {
			return nil, fail(ColMonitorStartDate, err)
		}
		rule.MonitorStartDate = &start
	}

	return rule, nil
}

func parseOperator(s string) (domain.Operator, error) {
	switch s {
	case "==":
		s = "="
	case "<>":
		s = "!="
	}
	op := domain.Operator(s)
	if !op.Valid() {
		return "", fmt.Errorf("unsupported operator %q", s)
	}
	return op, nil
}

func parseLevel(s string) (domain.Level, error) {
	switch strings.ToLower(s) {
	case "warning":
		return domain.LevelWarning, nil
	case "critical":
		return domain.LevelCritical, nil
	}
	return "", fmt.Errorf("unsupported level %q", s)
}

func parseActive(s string) bool {
	switch strings.ToLower(s) {
	case "yes", "y":
		return true
	}
	return cast.ToBool(s)
}
