package rules

import (
	"errors"
	"testing"

	"github.com/opensource-finance/kpiwatch/internal/domain"
)

func validRow() Row {
	return Row{
		ColRuleCode:    "R1",
		ColKPIID:       "2.0",
		ColOperator:    "<",
		ColThreshold:   "95",
		ColConsecutive: "3",
		ColLevel:       "critical",
		ColActive:      "Yes",
	}
}

func TestParseValidRow(t *testing.T) {
	row := validRow()
	row[ColDescription] = "Lead time {value} below {threshold}"
	row[ColMonitorStartDate] = "2026-01-01 00:00:00"

	rule, ruleErr := Parse(row, 1)
	if ruleErr != nil {
		t.Fatalf("Parse failed: %v", ruleErr)
	}

	if rule.KPIID != "2" {
		t.Errorf("expected normalized KPI id 2, got %q", rule.KPIID)
	}
	if rule.Operator != domain.OpLess || rule.Threshold != 95 {
		t.Errorf("unexpected comparison: %s %v", rule.Operator, rule.Threshold)
	}
	if rule.ConsecutiveOccurrences != 3 {
		t.Errorf("expected 3 occurrences, got %d", rule.ConsecutiveOccurrences)
	}
	if rule.Level != domain.LevelCritical {
		t.Errorf("expected Critical, got %s", rule.Level)
	}
	if rule.LookbackDays != domain.MaxLookbackDays {
		t.Errorf("expected default lookback, got %d", rule.LookbackDays)
	}
	if !rule.Active {
		t.Error("expected rule to be active")
	}
	if rule.MonitorStartDate == nil || rule.MonitorStartDate.Format(domain.DateLayout) != "2026-01-01" {
		t.Errorf("unexpected monitor start date: %v", rule.MonitorStartDate)
	}
}

func TestParseDefaults(t *testing.T) {
	row := validRow()
	delete(row, ColConsecutive)
	delete(row, ColActive)

	rule, ruleErr := Parse(row, 1)
	if ruleErr != nil {
		t.Fatalf("Parse failed: %v", ruleErr)
	}
	if rule.ConsecutiveOccurrences != 1 {
		t.Errorf("expected default 1 occurrence, got %d", rule.ConsecutiveOccurrences)
	}
	if rule.Active {
		t.Error("expected missing Active to mean inactive")
	}
	if rule.MinVolume != 0 {
		t.Errorf("expected MinVolume 0, got %d", rule.MinVolume)
	}
}

func TestParseOperatorAliases(t *testing.T) {
	tests := map[string]domain.Operator{
		"==": domain.OpEqual,
		"<>": domain.OpNotEqual,
		">=": domain.OpGreaterEqual,
	}
	for in, want := range tests {
		row := validRow()
		row[ColOperator] = in
		rule, ruleErr := Parse(row, 1)
		if ruleErr != nil {
			t.Fatalf("Parse(%q) failed: %v", in, ruleErr)
		}
		if rule.Operator != want {
			t.Errorf("Parse(%q) operator = %s, want %s", in, rule.Operator, want)
		}
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name  string
		col   string
		value string
	}{
		{"missing code", ColRuleCode, ""},
		{"missing kpi", ColKPIID, ""},
		{"bad operator", ColOperator, "~"},
		{"missing threshold", ColThreshold, ""},
		{"bad threshold", ColThreshold, "high"},
		{"zero occurrences", ColConsecutive, "0"},
		{"bad occurrences", ColConsecutive, "three"},
		{"bad level", ColLevel, "Info"},
		{"bad lookback", ColLookbackDays, "x"},
		{"negative volume", ColMinVolume, "-1"},
		{"bad start date", ColMonitorStartDate, "01/02/2026"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row := validRow()
			row[tt.col] = tt.value

			_, ruleErr := Parse(row, 7)
			if ruleErr == nil {
				t.Fatal("expected error")
			}
			if ruleErr.Field != tt.col {
				t.Errorf("expected field %s, got %s", tt.col, ruleErr.Field)
			}
			if ruleErr.Row != 7 {
				t.Errorf("expected row 7, got %d", ruleErr.Row)
			}
			if !errors.Is(ruleErr, ErrInvalidRule) {
				t.Error("expected error to wrap ErrInvalidRule")
			}
		})
	}
}

func TestParseActive(t *testing.T) {
	for _, s := range []string{"Yes", "YES", "y", "true", "1"} {
		if !parseActive(s) {
			t.Errorf("parseActive(%q) = false", s)
		}
	}
	for _, s := range []string{"No", "", "0", "false", "maybe"} {
		if parseActive(s) {
			t.Errorf("parseActive(%q) = true", s)
		}
	}
}
