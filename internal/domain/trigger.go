package domain

import (
	"fmt"
	"strings"
	"time"
)

// RunPoint is one violating sample inside a run.
type RunPoint struct {
	Date    time.Time
	Value   float64
	Details string
}

// ViolationRun is a maximal sequence of consecutive violating samples for
// one tag. It only lives for the duration of an evaluation.
type ViolationRun struct {
	Tag    string
	Points []RunPoint
}

func (r *ViolationRun) Len() int { return len(r.Points) }

func (r *ViolationRun) FirstDate() time.Time { return r.Points[0].Date }

func (r *ViolationRun) LastDate() time.Time { return r.Points[len(r.Points)-1].Date }

func (r *ViolationRun) Last() RunPoint { return r.Points[len(r.Points)-1] }

// Summary renders the run as "date=value; date=value".
func (r *ViolationRun) Summary() string {
	parts := make([]string, 0, len(r.Points))
	for _, p := range r.Points {
		part := p.Date.Format(DateLayout) + "=" + FormatValue(p.Value)
		if p.Details != "" {
			part += fmt.Sprintf(" [%s]", p.Details)
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, "; ")
}

// CandidateTrigger is a sustained violation found by the detector that has
// not yet been reconciled with the case registry.
type CandidateTrigger struct {
	Tag               string    `json:"tag"`
	RuleCode          string    `json:"ruleCode"`
	KPIID             string    `json:"kpiId"`
	Level             Level     `json:"level"`
	Value             float64   `json:"value"`
	ConsecutiveCount  int       `json:"consecutiveCount"`
	FirstDate         time.Time `json:"firstDate"`
	LastViolationDate time.Time `json:"lastViolationDate"`
	DetailsSummary    string    `json:"detailsSummary"`
	Description       string    `json:"description"`
	Details           string    `json:"details,omitempty"`
}

// Key is the case key the trigger maps to.
func (t *CandidateTrigger) Key() CaseKey {
	return CaseKey{Category: t.Tag, TriggerType: t.RuleCode}
}
