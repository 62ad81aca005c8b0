package repository

// Schema definitions for the kpiwatch store.
// Compatible with both SQLite and PostgreSQL. Dates are stored as
// YYYY-MM-DD text so both drivers compare them the same way.

const schemaCases = `
CREATE TABLE IF NOT EXISTS cases (
    id TEXT PRIMARY KEY,
    category TEXT NOT NULL,
    trigger_type TEXT NOT NULL,
    source TEXT NOT NULL DEFAULT 'AUTO',
    status TEXT,
    opened_at TEXT NOT NULL,
    closed_at TEXT,
    external_task_id TEXT NOT NULL DEFAULT '',
    notes TEXT NOT NULL DEFAULT '',
    level TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    details TEXT NOT NULL DEFAULT '',
    value DOUBLE PRECISION NOT NULL DEFAULT 0,
    consecutive_count INTEGER NOT NULL DEFAULT 0,
    run_summary TEXT NOT NULL DEFAULT '',
    last_violation_date TEXT,
    updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cases_key ON cases(category, trigger_type);
CREATE INDEX IF NOT EXISTS idx_cases_status ON cases(status);
`

// schemaCutoffs holds the last closedAt per case key. Samples on or before
// it cannot re-trigger the key.
const schemaCutoffs = `
CREATE TABLE IF NOT EXISTS case_cutoffs (
    category TEXT NOT NULL,
    trigger_type TEXT NOT NULL,
    closed_at TEXT NOT NULL,
    PRIMARY KEY (category, trigger_type)
);
`

const schemaMetricSamples = `
CREATE TABLE IF NOT EXISTS metric_samples (
    kpi_id TEXT NOT NULL,
    tag TEXT NOT NULL,
    sample_date TEXT NOT NULL,
    value DOUBLE PRECISION NOT NULL,
    details TEXT NOT NULL DEFAULT '',
    support_count INTEGER,
    PRIMARY KEY (kpi_id, tag, sample_date)
);

CREATE INDEX IF NOT EXISTS idx_metric_samples_kpi_date ON metric_samples(kpi_id, sample_date);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaCases,
		schemaCutoffs,
		schemaMetricSamples,
	}
}
