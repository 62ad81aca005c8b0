package detect

import (
	"testing"

	"github.com/opensource-finance/kpiwatch/internal/domain"
)

func TestSuppress(t *testing.T) {
	candidates := []domain.CandidateTrigger{
		{Tag: "CZM", RuleCode: "W1", KPIID: "2", Level: domain.LevelWarning},
		{Tag: "CZM", RuleCode: "C1", KPIID: "2", Level: domain.LevelCritical},
		{Tag: "CZM", RuleCode: "W2", KPIID: "3", Level: domain.LevelWarning},
		{Tag: "AAA", RuleCode: "W1", KPIID: "2", Level: domain.LevelWarning},
	}

	kept, suppressed := Suppress(candidates)

	if len(suppressed) != 1 || suppressed[0].RuleCode != "W1" || suppressed[0].Tag != "CZM" {
		t.Errorf("expected CZM/W1 suppressed, got %+v", suppressed)
	}
	want := []string{"C1", "W2", "W1"}
	if len(kept) != len(want) {
		t.Fatalf("expected %d kept, got %d", len(want), len(kept))
	}
	for i, code := range want {
		if kept[i].RuleCode != code {
			t.Errorf("kept[%d] = %s, want %s", i, kept[i].RuleCode, code)
		}
	}
}

func TestSuppressOrderIndependent(t *testing.T) {
	a := []domain.CandidateTrigger{
		{Tag: "CZM", RuleCode: "C1", KPIID: "2", Level: domain.LevelCritical},
		{Tag: "CZM", RuleCode: "W1", KPIID: "2", Level: domain.LevelWarning},
	}
	b := []domain.CandidateTrigger{a[1], a[0]}

	keptA, _ := Suppress(a)
	keptB, _ := Suppress(b)
	if len(keptA) != 1 || len(keptB) != 1 || keptA[0].RuleCode != keptB[0].RuleCode {
		t.Errorf("suppression depends on order: %+v vs %+v", keptA, keptB)
	}
}

func TestSuppressNothing(t *testing.T) {
	kept, suppressed := Suppress(nil)
	if kept != nil || suppressed != nil {
		t.Errorf("expected nil results, got %v %v", kept, suppressed)
	}
}
