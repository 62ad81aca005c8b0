package domain

import (
	"fmt"
	"strings"
	"time"
)

// Level is the severity a rule assigns to its triggers.
type Level string

const (
	LevelWarning  Level = "Warning"
	LevelCritical Level = "Critical"
)

// Operator is a comparison between a sample value and a rule threshold.
type Operator string

const (
	OpGreater      Operator = ">"
	OpLess         Operator = "<"
	OpGreaterEqual Operator = ">="
	OpLessEqual    Operator = "<="
	OpEqual        Operator = "="
	OpNotEqual     Operator = "!="
)

// Valid reports whether o is one of the supported operators.
func (o Operator) Valid() bool {
	switch o {
	case OpGreater, OpLess, OpGreaterEqual, OpLessEqual, OpEqual, OpNotEqual:
		return true
	}
	return false
}

// MaxLookbackDays caps every rule's lookback window.
const MaxLookbackDays = 60

// Rule is a validated threshold rule. It is built once at load time and
// never mutated afterwards.
type Rule struct {
	Code                   string   `json:"code"`
	Name                   string   `json:"name,omitempty"`
	KPIID                  string   `json:"kpiId"`
	Operator               Operator `json:"operator"`
	Threshold              float64  `json:"threshold"`
	ConsecutiveOccurrences int      `json:"consecutiveOccurrences"`
	Level                  Level    `json:"level"`
	LookbackDays           int      `json:"lookbackDays"`
	TagFilter              string   `json:"tagFilter,omitempty"`
	MinVolume              int      `json:"minVolume"`
	DescriptionTemplate    string   `json:"description"`
	Owner                  string   `json:"owner"`
	ActionType             string   `json:"actionType"`
	DataSource             string   `json:"dataSource"`
	Active                 bool     `json:"active"`

	// MonitorStartDate, when set, hides samples (and the whole rule) before it.
	MonitorStartDate *time.Time `json:"monitorStartDate,omitempty"`
}

// Window returns the effective lookback in days.
func (r *Rule) Window() int {
	if r.LookbackDays <= 0 || r.LookbackDays > MaxLookbackDays {
		return MaxLookbackDays
	}
	return r.LookbackDays
}

// DisplayName is the human-readable trigger name used in reports.
func (r *Rule) DisplayName() string {
	switch {
	case r.Name != "":
		return r.Name
	case r.DescriptionTemplate != "":
		return r.DescriptionTemplate
	default:
		return r.Code
	}
}

// Describe renders the description template for one trigger.
func (r *Rule) Describe(tag string, value float64, count int) string {
	tmpl := r.DescriptionTemplate
	if tmpl == "" {
		tmpl = "{kpi} {operator} {threshold} for {count} consecutive samples ({tag})"
	}
	return strings.NewReplacer(
		"{tag}", tag,
		"{value}", FormatValue(value),
		"{threshold}", FormatValue(r.Threshold),
		"{count}", fmt.Sprintf("%d", count),
		"{kpi}", r.KPIID,
		"{operator}", string(r.Operator),
		"{rule}", r.Code,
	).Replace(tmpl)
}

// FormatValue prints a metric value without trailing zeros.
func FormatValue(v float64) string {
	return strings.TrimSuffix(strings.TrimRight(fmt.Sprintf("%.4f", v), "0"), ".")
}
