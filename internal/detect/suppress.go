package detect

import "github.com/opensource-finance/kpiwatch/internal/domain"

type metricKey struct {
	tag   string
	kpiID string
}

// Suppress drops Warning candidates whose (tag, KPI) group also holds a
// Critical candidate. Input order is preserved in both results.
func Suppress(candidates []domain.CandidateTrigger) (kept, suppressed []domain.CandidateTrigger) {
	hasCritical := make(map[metricKey]bool)
	for _, c := range candidates {
		if c.Level == domain.LevelCritical {
			hasCritical[metricKey{c.Tag, c.KPIID}] = true
		}
	}

	for _, c := range candidates {
		if c.Level == domain.LevelWarning && hasCritical[metricKey{c.Tag, c.KPIID}] {
			suppressed = append(suppressed, c)
			continue
		}
		kept = append(kept, c)
	}
	return kept, suppressed
}
