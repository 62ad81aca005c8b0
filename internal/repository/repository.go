// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/kpiwatch/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLRepository implements domain.Store using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	q      querier
	driver string
}

// New creates a new store based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Store, error) {
	if cfg.Driver == "memory" {
		return NewMemory(), nil
	}

	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		q:      db,
		driver: cfg.Driver,
	}

	// Ensure schema
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// WithinTx runs fn inside a single database transaction. A repository that
// is already transactional runs fn directly.
func (r *SQLRepository) WithinTx(ctx context.Context, fn func(repo domain.CaseRepository) error) error {
	if _, inTx := r.q.(*sql.Tx); inTx {
		return fn(r)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	txRepo := &SQLRepository{db: r.db, q: tx, driver: r.driver}
	if err := fn(txRepo); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const caseColumns = `
	id, category, trigger_type, source, status, opened_at, closed_at,
	external_task_id, notes, level, description, details, value,
	consecutive_count, run_summary, last_violation_date, updated_at
`

// SaveCase inserts or replaces a case by id.
func (r *SQLRepository) SaveCase(ctx context.Context, c *domain.Case) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("%w: case id is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO cases (` + caseColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			category = excluded.category,
			trigger_type = excluded.trigger_type,
			source = excluded.source,
			status = excluded.status,
			opened_at = excluded.opened_at,
			closed_at = excluded.closed_at,
			external_task_id = excluded.external_task_id,
			notes = excluded.notes,
			level = excluded.level,
			description = excluded.description,
			details = excluded.details,
			value = excluded.value,
			consecutive_count = excluded.consecutive_count,
			run_summary = excluded.run_summary,
			last_violation_date = excluded.last_violation_date,
			updated_at = excluded.updated_at
	`

	_, err := r.q.ExecContext(ctx, r.rebind(query),
		c.ID, c.Category, c.TriggerType, c.Source, nullableStatus(c.Status),
		c.OpenedAt.Format(domain.DateLayout), nullableDate(c.ClosedAt),
		c.ExternalTaskID, c.Notes, string(c.Level), c.Description, c.Details, c.Value,
		c.ConsecutiveCount, c.RunSummary, nullableDate(c.LastViolationDate),
		c.UpdatedAt.Format(domain.DateLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to save case %s: %w", c.ID, err)
	}
	return nil
}

// GetCase retrieves a case by id.
func (r *SQLRepository) GetCase(ctx context.Context, id string) (*domain.Case, error) {
	query := `SELECT ` + caseColumns + ` FROM cases WHERE id = ?`

	c, err := scanCase(r.q.QueryRowContext(ctx, r.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// FindByKey returns every case of a key, ordered by id.
func (r *SQLRepository) FindByKey(ctx context.Context, key domain.CaseKey) ([]*domain.Case, error) {
	query := `SELECT ` + caseColumns + `
		FROM cases
		WHERE category = ? AND trigger_type = ?
		ORDER BY id
	`
	return r.queryCases(ctx, query, key.Category, key.TriggerType)
}

// FindOpenByKey returns the cases of a key whose stored status is OPEN.
func (r *SQLRepository) FindOpenByKey(ctx context.Context, key domain.CaseKey) ([]*domain.Case, error) {
	query := `SELECT ` + caseColumns + `
		FROM cases
		WHERE category = ? AND trigger_type = ? AND status = ?
		ORDER BY id
	`
	return r.queryCases(ctx, query, key.Category, key.TriggerType, string(domain.CaseOpen))
}

// ListCases returns all cases ordered by id.
func (r *SQLRepository) ListCases(ctx context.Context) ([]*domain.Case, error) {
	query := `SELECT ` + caseColumns + ` FROM cases ORDER BY id`
	return r.queryCases(ctx, query)
}

// ListIDsByDatePrefix returns the ids starting with prefix, e.g. "R1-20260105-".
func (r *SQLRepository) ListIDsByDatePrefix(ctx context.Context, prefix string) ([]string, error) {
	if prefix == "" {
		return nil, fmt.Errorf("%w: prefix is required", ErrInvalidInput)
	}

	query := `SELECT id FROM cases WHERE id LIKE ? ESCAPE '\' ORDER BY id`

	rows, err := r.q.QueryContext(ctx, r.rebind(query), escapeLike(prefix)+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SaveCutoff records the latest closedAt for a key.
func (r *SQLRepository) SaveCutoff(ctx context.Context, key domain.CaseKey, closedAt time.Time) error {
	query := `
		INSERT INTO case_cutoffs (category, trigger_type, closed_at)
		VALUES (?, ?, ?)
		ON CONFLICT(category, trigger_type) DO UPDATE SET
			closed_at = excluded.closed_at
	`

	_, err := r.q.ExecContext(ctx, r.rebind(query),
		key.Category, key.TriggerType, closedAt.Format(domain.DateLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to save cutoff for %s: %w", key, err)
	}
	return nil
}

// ListCutoffs returns all stored cutoffs.
func (r *SQLRepository) ListCutoffs(ctx context.Context) (map[domain.CaseKey]time.Time, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT category, trigger_type, closed_at FROM case_cutoffs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cutoffs := make(map[domain.CaseKey]time.Time)
	for rows.Next() {
		var key domain.CaseKey
		var closedAt string
		if err := rows.Scan(&key.Category, &key.TriggerType, &closedAt); err != nil {
			return nil, err
		}
		t, err := domain.ParseDate(closedAt)
		if err != nil {
			return nil, fmt.Errorf("cutoff %s: %w", key, err)
		}
		cutoffs[key] = t
	}
	return cutoffs, rows.Err()
}

// QuerySamples returns the samples of one KPI in [From, To], ordered by tag
// and date.
func (r *SQLRepository) QuerySamples(ctx context.Context, q domain.SeriesQuery) ([]domain.MetricSample, error) {
	if q.KPIID == "" {
		return nil, fmt.Errorf("%w: kpi id is required", ErrInvalidInput)
	}

	query := `
		SELECT kpi_id, tag, sample_date, value, details, support_count
		FROM metric_samples
		WHERE kpi_id = ? AND sample_date >= ? AND sample_date <= ?
	`
	args := []any{q.KPIID, q.From.Format(domain.DateLayout), q.To.Format(domain.DateLayout)}
	if q.Tag != "" {
		query += ` AND tag = ?`
		args = append(args, q.Tag)
	}
	query += ` ORDER BY tag, sample_date`

	rows, err := r.q.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []domain.MetricSample
	for rows.Next() {
		var s domain.MetricSample
		var date string
		var support sql.NullInt64

		if err := rows.Scan(&s.KPIID, &s.Tag, &date, &s.Value, &s.Details, &support); err != nil {
			return nil, err
		}

		s.Date, err = domain.ParseDate(date)
		if err != nil {
			return nil, err
		}
		if support.Valid {
			n := int(support.Int64)
			s.SupportCount = &n
		}
		samples = append(samples, s)
	}

	return samples, rows.Err()
}

// CountSamples returns the number of samples of one KPI in [From, To].
func (r *SQLRepository) CountSamples(ctx context.Context, q domain.SeriesQuery) (int, error) {
	if q.KPIID == "" {
		return 0, fmt.Errorf("%w: kpi id is required", ErrInvalidInput)
	}

	query := `
		SELECT COUNT(*)
		FROM metric_samples
		WHERE kpi_id = ? AND sample_date >= ? AND sample_date <= ?
	`
	args := []any{q.KPIID, q.From.Format(domain.DateLayout), q.To.Format(domain.DateLayout)}
	if q.Tag != "" {
		query += ` AND tag = ?`
		args = append(args, q.Tag)
	}

	var n int
	if err := r.q.QueryRowContext(ctx, r.rebind(query), args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// SaveSamples inserts samples; an existing (kpi, tag, date) is left as is.
func (r *SQLRepository) SaveSamples(ctx context.Context, samples []domain.MetricSample) error {
	query := r.rebind(`
		INSERT INTO metric_samples (kpi_id, tag, sample_date, value, details, support_count)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(kpi_id, tag, sample_date) DO NOTHING
	`)

	return r.WithinTx(ctx, func(repo domain.CaseRepository) error {
		q := repo.(*SQLRepository).q
		for _, s := range samples {
			var support any
			if s.SupportCount != nil {
				support = *s.SupportCount
			}
			if _, err := q.ExecContext(ctx, query,
				s.KPIID, s.Tag, s.Date.Format(domain.DateLayout), s.Value, s.Details, support,
			); err != nil {
				return fmt.Errorf("failed to save sample %s/%s/%s: %w",
					s.KPIID, s.Tag, s.Date.Format(domain.DateLayout), err)
			}
		}
		return nil
	})
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

func (r *SQLRepository) queryCases(ctx context.Context, query string, args ...any) ([]*domain.Case, error) {
	rows, err := r.q.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cases []*domain.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		cases = append(cases, c)
	}
	return cases, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCase(row rowScanner) (*domain.Case, error) {
	var c domain.Case
	var status, closedAt, lastViolation sql.NullString
	var openedAt, updatedAt, level string

	if err := row.Scan(
		&c.ID, &c.Category, &c.TriggerType, &c.Source, &status, &openedAt, &closedAt,
		&c.ExternalTaskID, &c.Notes, &level, &c.Description, &c.Details, &c.Value,
		&c.ConsecutiveCount, &c.RunSummary, &lastViolation, &updatedAt,
	); err != nil {
		return nil, err
	}

	var err error
	if c.OpenedAt, err = domain.ParseDate(openedAt); err != nil {
		return nil, fmt.Errorf("case %s opened_at: %w", c.ID, err)
	}
	if c.UpdatedAt, err = domain.ParseDate(updatedAt); err != nil {
		return nil, fmt.Errorf("case %s updated_at: %w", c.ID, err)
	}
	if c.ClosedAt, err = parseNullableDate(closedAt); err != nil {
		return nil, fmt.Errorf("case %s closed_at: %w", c.ID, err)
	}
	if c.LastViolationDate, err = parseNullableDate(lastViolation); err != nil {
		return nil, fmt.Errorf("case %s last_violation_date: %w", c.ID, err)
	}
	c.Status = domain.CaseStatus(strings.ToUpper(strings.TrimSpace(status.String)))
	c.Level = domain.Level(level)

	return &c, nil
}

func parseNullableDate(s sql.NullString) (*time.Time, error) {
	if !s.Valid || strings.TrimSpace(s.String) == "" {
		return nil, nil
	}
	t, err := domain.ParseDate(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullableDate(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(domain.DateLayout)
}

func nullableStatus(s domain.CaseStatus) any {
	if s == "" {
		return nil
	}
	return string(s)
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
