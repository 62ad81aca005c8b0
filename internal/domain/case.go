package domain

import (
	"strings"
	"time"
)

// CaseStatus is the raw, persisted status of a case.
type CaseStatus string

const (
	CaseOpen   CaseStatus = "OPEN"
	CaseClosed CaseStatus = "CLOSED"
)

// SourceAuto marks cases created and managed by the engine. Any other
// non-empty source means a human owns the case.
const SourceAuto = "AUTO"

// Note markers written into Case.Notes.
const (
	ReopenedFromMarker = "Reopened from "
	SupersededFormat   = "Auto closed (superseded by %s)"
)

// CaseKey identifies the incident family a case belongs to.
type CaseKey struct {
	Category    string `json:"category"`
	TriggerType string `json:"triggerType"`
}

func (k CaseKey) String() string {
	return k.Category + "/" + k.TriggerType
}

// Case is a durable record of a sustained violation.
type Case struct {
	ID             string     `json:"id"`
	Category       string     `json:"category"`
	TriggerType    string     `json:"triggerType"`
	Source         string     `json:"source"`
	Status         CaseStatus `json:"status"`
	OpenedAt       time.Time  `json:"openedAt"`
	ClosedAt       *time.Time `json:"closedAt,omitempty"`
	ExternalTaskID string     `json:"externalTaskId,omitempty"`
	Notes          string     `json:"notes,omitempty"`

	// Snapshot of the triggering rule output at the last write.
	Level             Level      `json:"level"`
	Description       string     `json:"description"`
	Details           string     `json:"details,omitempty"`
	Value             float64    `json:"value"`
	ConsecutiveCount  int        `json:"consecutiveCount"`
	RunSummary        string     `json:"runSummary,omitempty"`
	LastViolationDate *time.Time `json:"lastViolationDate,omitempty"`

	// UpdatedAt is the as-of date of the last write.
	UpdatedAt time.Time `json:"updatedAt"`
}

func (c *Case) Key() CaseKey {
	return CaseKey{Category: c.Category, TriggerType: c.TriggerType}
}

// IsAuto reports whether the engine may change the case's lifecycle.
func (c *Case) IsAuto() bool {
	return c.Source == "" || strings.EqualFold(c.Source, SourceAuto)
}

// IsSourcedAuto reports whether the case carries the AUTO source exactly.
// Unlike IsAuto, an empty source does not count.
func (c *Case) IsSourcedAuto() bool {
	return c.Source == SourceAuto
}

// AppendNote adds a line to the case notes.
func (c *Case) AppendNote(note string) {
	if c.Notes == "" {
		c.Notes = note
		return
	}
	c.Notes += "; " + note
}

// AppendNoteOnce adds note unless the notes already contain it.
func (c *Case) AppendNoteOnce(note string) {
	if strings.Contains(c.Notes, note) {
		return
	}
	c.AppendNote(note)
}

// HasLineage reports whether the case was opened as a re-trigger.
func (c *Case) HasLineage() bool {
	return strings.Contains(c.Notes, ReopenedFromMarker)
}

// Clone returns a deep copy.
func (c *Case) Clone() *Case {
	cp := *c
	if c.ClosedAt != nil {
		t := *c.ClosedAt
		cp.ClosedAt = &t
	}
	if c.LastViolationDate != nil {
		t := *c.LastViolationDate
		cp.LastViolationDate = &t
	}
	return &cp
}
