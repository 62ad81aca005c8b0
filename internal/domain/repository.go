// Package domain defines the core interfaces and types for kpiwatch.
package domain

import (
	"context"
	"time"
)

// CaseRepository is the persistence capability set the case lifecycle
// needs. Every write is an upsert by id.
type CaseRepository interface {
	// GetCase returns ErrNotFound from the implementation when absent.
	GetCase(ctx context.Context, id string) (*Case, error)
	FindByKey(ctx context.Context, key CaseKey) ([]*Case, error)
	// FindOpenByKey matches on the raw stored status only.
	FindOpenByKey(ctx context.Context, key CaseKey) ([]*Case, error)
	ListCases(ctx context.Context) ([]*Case, error)
	ListIDsByDatePrefix(ctx context.Context, prefix string) ([]string, error)
	SaveCase(ctx context.Context, c *Case) error

	// Re-trigger cutoffs: last closedAt per key.
	SaveCutoff(ctx context.Context, key CaseKey, closedAt time.Time) error
	ListCutoffs(ctx context.Context) (map[CaseKey]time.Time, error)
}

// Store is the full storage surface used by a run.
type Store interface {
	CaseRepository
	MetricStore

	// WithinTx runs fn against a transactional view of the case tables.
	// If fn returns an error, nothing fn wrote is kept.
	WithinTx(ctx context.Context, fn func(repo CaseRepository) error) error

	Ping(ctx context.Context) error
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite", "postgres" or "memory"
	Driver string

	// SQLite specific
	SQLitePath string
	// SQLiteBusyTimeout bounds how long a writer waits on a locked
	// database, e.g. a scheduled run while the API is reading.
	SQLiteBusyTimeout time.Duration

	// PostgreSQL specific. PostgresURL, when set, wins over the fields.
	PostgresURL      string
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
