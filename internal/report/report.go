// Package report flattens cases into the tabular case report.
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/opensource-finance/kpiwatch/internal/domain"
)

// Display statuses derived for the report. They are never persisted.
const (
	StatusClosed   = "CLOSED"
	StatusOpen     = "OPEN"
	StatusReopened = "REOPENED"
	StatusTrigger  = "TRIGGER"
)

// Columns is the report header, in order.
var Columns = []string{
	"CaseId", "Category", "TriggerType", "TriggerName", "TriggerLevel",
	"TriggerDescription", "ConsecutiveCount", "RunDetailsSummary", "TriggerStatus",
	"LastUpdate", "RawStatus", "IsCurrentlyTriggering", "OpenedAt", "ClosedAt",
	"ExternalTaskId", "Owner", "ActionType", "DataSource",
}

// Row is one report line.
type Row struct {
	CaseID                string `json:"caseId"`
	Category              string `json:"category"`
	TriggerType           string `json:"triggerType"`
	TriggerName           string `json:"triggerName"`
	TriggerLevel          string `json:"triggerLevel"`
	TriggerDescription    string `json:"triggerDescription"`
	ConsecutiveCount      int    `json:"consecutiveCount"`
	RunDetailsSummary     string `json:"runDetailsSummary"`
	TriggerStatus         string `json:"triggerStatus"`
	LastUpdate            string `json:"lastUpdate"`
	RawStatus             string `json:"rawStatus"`
	IsCurrentlyTriggering string `json:"isCurrentlyTriggering"`
	OpenedAt              string `json:"openedAt"`
	ClosedAt              string `json:"closedAt"`
	ExternalTaskID        string `json:"externalTaskId"`
	Owner                 string `json:"owner"`
	ActionType            string `json:"actionType"`
	DataSource            string `json:"dataSource"`
}

func (r Row) record() []string {
	return []string{
		r.CaseID, r.Category, r.TriggerType, r.TriggerName, r.TriggerLevel,
		r.TriggerDescription, strconv.Itoa(r.ConsecutiveCount), r.RunDetailsSummary, r.TriggerStatus,
		r.LastUpdate, r.RawStatus, r.IsCurrentlyTriggering, r.OpenedAt, r.ClosedAt,
		r.ExternalTaskID, r.Owner, r.ActionType, r.DataSource,
	}
}

// DisplayStatus derives the report status of a case.
func DisplayStatus(c *domain.Case) string {
	switch {
	case c.Status == domain.CaseClosed:
		return StatusClosed
	case c.ExternalTaskID != "":
		return StatusOpen
	case c.HasLineage():
		return StatusReopened
	default:
		return StatusTrigger
	}
}

// Build produces one row per case in the given order. Rule columns stay
// empty for cases whose rule is unknown.
func Build(cases []*domain.Case, rules []*domain.Rule, triggered map[domain.CaseKey]bool) []Row {
	byCode := make(map[string]*domain.Rule, len(rules))
	for _, r := range rules {
		byCode[r.Code] = r
	}

	rows := make([]Row, 0, len(cases))
	for _, c := range cases {
		row := Row{
			CaseID:                c.ID,
			Category:              c.Category,
			TriggerType:           c.TriggerType,
			TriggerLevel:          string(c.Level),
			TriggerDescription:    c.Description,
			ConsecutiveCount:      c.ConsecutiveCount,
			RunDetailsSummary:     c.RunSummary,
			TriggerStatus:         DisplayStatus(c),
			LastUpdate:            domain.FormatDate(&c.UpdatedAt),
			RawStatus:             string(c.Status),
			IsCurrentlyTriggering: "No",
			OpenedAt:              domain.FormatDate(&c.OpenedAt),
			ClosedAt:              domain.FormatDate(c.ClosedAt),
			ExternalTaskID:        c.ExternalTaskID,
		}
		if triggered[c.Key()] {
			row.IsCurrentlyTriggering = "Yes"
		}
		if r, ok := byCode[c.TriggerType]; ok {
			row.TriggerName = r.DisplayName()
			row.Owner = r.Owner
			row.ActionType = r.ActionType
			row.DataSource = r.DataSource
			if row.TriggerLevel == "" {
				row.TriggerLevel = string(r.Level)
			}
		}
		rows = append(rows, row)
	}
	return rows
}

// Write renders rows as "csv" or "tsv" with a header line.
func Write(w io.Writer, rows []Row, format string) error {
	cw := csv.NewWriter(w)
	switch strings.ToLower(format) {
	case "", "csv":
	case "tsv":
		cw.Comma = '\t'
	default:
		return fmt.Errorf("unsupported report format: %s", format)
	}

	if err := cw.Write(Columns); err != nil {
		return err
	}
	for _, r := range rows {
		if err := cw.Write(r.record()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteFile writes the report next to path and renames it into place, so
// readers never see a partial file.
func WriteFile(path string, rows []Row, format string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp report: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := Write(tmp, rows, format); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp report: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return fmt.Errorf("failed to set report permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to move report into place: %w", err)
	}
	return nil
}
