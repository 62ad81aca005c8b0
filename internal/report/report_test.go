package report

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kpiwatch/internal/domain"
)

func date(s string) time.Time {
	t, err := domain.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestDisplayStatus(t *testing.T) {
	closed := date("2026-02-01")
	tests := []struct {
		name string
		c    domain.Case
		want string
	}{
		{"closed", domain.Case{Status: domain.CaseClosed, ClosedAt: &closed, ExternalTaskID: "T-1"}, StatusClosed},
		{"linked", domain.Case{Status: domain.CaseOpen, ExternalTaskID: "T-1", Notes: "Reopened from X"}, StatusOpen},
		{"lineage", domain.Case{Status: domain.CaseOpen, Notes: "Reopened from R1-20260105-0001"}, StatusReopened},
		{"fresh", domain.Case{Status: domain.CaseOpen}, StatusTrigger},
		{"unknown", domain.Case{}, StatusTrigger},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DisplayStatus(&tt.c); got != tt.want {
				t.Errorf("DisplayStatus = %s, want %s", got, tt.want)
			}
		})
	}
}

func sampleRows() []Row {
	closed := date("2026-02-01")
	cases := []*domain.Case{
		{
			ID: "R1-20260126-0001", Category: "CZM", TriggerType: "R1", Status: domain.CaseOpen,
			Level: domain.LevelCritical, Description: "Lead time, below 95", ConsecutiveCount: 3,
			RunSummary: "2026-01-26=92", OpenedAt: date("2026-01-26"), UpdatedAt: date("2026-02-15"),
		},
		{
			ID: "OLD-20250101-0001", Category: "AAA", TriggerType: "OLD", Status: domain.CaseClosed,
			OpenedAt: date("2025-01-01"), ClosedAt: &closed, UpdatedAt: date("2026-02-01"),
		},
	}
	rules := []*domain.Rule{{
		Code: "R1", Name: "Lead time", Level: domain.LevelCritical,
		Owner: "ops", ActionType: "Review", DataSource: "DW",
	}}
	triggered := map[domain.CaseKey]bool{{Category: "CZM", TriggerType: "R1"}: true}
	return Build(cases, rules, triggered)
}

func TestBuild(t *testing.T) {
	rows := sampleRows()
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}

	r := rows[0]
	if r.TriggerName != "Lead time" || r.Owner != "ops" || r.DataSource != "DW" {
		t.Errorf("rule columns not joined: %+v", r)
	}
	if r.IsCurrentlyTriggering != "Yes" || r.TriggerStatus != StatusTrigger {
		t.Errorf("unexpected status columns: %+v", r)
	}
	if r.OpenedAt != "2026-01-26" || r.LastUpdate != "2026-02-15" || r.ClosedAt != "" {
		t.Errorf("unexpected dates: %+v", r)
	}

	old := rows[1]
	if old.TriggerName != "" || old.Owner != "" {
		t.Errorf("expected empty rule columns for unknown rule: %+v", old)
	}
	if old.IsCurrentlyTriggering != "No" || old.TriggerStatus != StatusClosed || old.ClosedAt != "2026-02-01" {
		t.Errorf("unexpected closed row: %+v", old)
	}
}

func TestWrite(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, sampleRows(), "csv"); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	if lines[0] != strings.Join(Columns, ",") {
		t.Errorf("unexpected header %q", lines[0])
	}
	if !strings.Contains(lines[1], `"Lead time, below 95"`) {
		t.Errorf("expected quoted description, got %q", lines[1])
	}

	buf.Reset()
	if err := Write(&buf, sampleRows(), "tsv"); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if !strings.HasPrefix(buf.String(), "CaseId\tCategory\t") {
		t.Errorf("expected tab separated header, got %q", buf.String()[:30])
	}

	if err := Write(&buf, nil, "xlsx"); err == nil {
		t.Error("expected error for unsupported format")
	}
}

func TestWriteFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cases_report.csv")

	if err := WriteFile(path, sampleRows(), "csv"); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read report: %v", err)
	}
	if !strings.HasPrefix(string(data), "CaseId,") {
		t.Errorf("unexpected report content %q", string(data))
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("expected only the report in %s, got %d entries", dir, len(entries))
	}

	// A failed write leaves the previous report untouched.
	if err := WriteFile(path, sampleRows(), "xlsx"); err == nil {
		t.Fatal("expected error")
	}
	again, _ := os.ReadFile(path)
	if !bytes.Equal(data, again) {
		t.Error("report changed after failed write")
	}
}
