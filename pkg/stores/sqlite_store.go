package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/harden/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	memoryPath   = ":memory:"
	defaultLimit = 20
)

// SQLiteStore keeps run history in SQLite.
type SQLiteStore struct {
	db   *sql.DB
	cfg  Config
	path string
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens a separate database.
	if cfg.Path == memoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg, path: cfg.Path}, nil
}

// Open creates, initializes and migrates a store in one step.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init opens the database connection. File databases use WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if s.path != memoryPath {
		if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// SaveReport stores a run report and its records in one transaction.
// source and digest identify the policy document the run applied.
func (s *SQLiteStore) SaveReport(ctx context.Context, report *engine.RunReport, source, digest string) error {
	if report == nil {
		return errors.New("report is nil")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	sum := report.Summary()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, host, policy, source, digest, dry_run, halted_by, cancelled, exit_code,
			unchanged, changed, failed, skipped, handlers_fired, handlers_failed,
			started_at, completed_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, report.RunID, report.Host, report.Policy, source, digest, report.DryRun, report.HaltedBy,
		report.Cancelled, report.ExitCode(),
		sum.Unchanged, sum.Changed, sum.Failed, sum.Skipped, sum.HandlersFired, sum.HandlersFailed,
		report.StartedAt.UnixMilli(), report.CompletedAt.UnixMilli(), report.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", report.RunID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO records (run_id, seq, type, item_id, kind, status, message, error_class, error,
			before_state, after_state, notified_by, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare record insert: %w", err)
	}
	defer stmt.Close()

	for i, rec := range report.Records() {
		before, err := nullJSON(rec.Before)
		if err != nil {
			return fmt.Errorf("failed to encode state of %s: %w", rec.ID, err)
		}
		after, err := nullJSON(rec.After)
		if err != nil {
			return fmt.Errorf("failed to encode state of %s: %w", rec.ID, err)
		}
		var notified sql.NullString
		if len(rec.NotifiedBy) > 0 {
			data, err := json.Marshal(rec.NotifiedBy)
			if err != nil {
				return fmt.Errorf("failed to encode notifiers of %s: %w", rec.ID, err)
			}
			notified = sql.NullString{String: string(data), Valid: true}
		}

		if _, err := stmt.ExecContext(ctx, report.RunID, i, rec.Type, rec.ID, string(rec.Kind), string(rec.Status),
			rec.Message, string(rec.ErrorClass), rec.Error, before, after, notified, rec.DurationMS); err != nil {
			return fmt.Errorf("failed to insert record %s: %w", rec.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run %s: %w", report.RunID, err)
	}
	return nil
}

// GetRun returns a run with its records.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*RunDetail, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get run %s: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, type, item_id, kind, status, message, error_class, error,
			before_state, after_state, notified_by, duration_ms
		FROM records WHERE run_id = ? ORDER BY seq
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list records of %s: %w", id, err)
	}
	defer rows.Close()

	detail := &RunDetail{Run: *run, Records: []Record{}}
	for rows.Next() {
		var (
			rec                     Record
			kind, status, class     string
			before, after, notified sql.NullString
		)
		if err := rows.Scan(&rec.Seq, &rec.Type, &rec.ID, &kind, &status, &rec.Message, &class, &rec.Error,
			&before, &after, &notified, &rec.DurationMS); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		rec.Kind = engine.Kind(kind)
		rec.Status = engine.Status(status)
		rec.ErrorClass = engine.ErrorClass(class)
		if before.Valid {
			rec.Before = json.RawMessage(before.String)
		}
		if after.Valid {
			rec.After = json.RawMessage(after.String)
		}
		if notified.Valid {
			if err := json.Unmarshal([]byte(notified.String), &rec.NotifiedBy); err != nil {
				return nil, fmt.Errorf("failed to decode notifiers of %s: %w", rec.ID, err)
			}
		}
		detail.Records = append(detail.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}
	return detail, nil
}

// ListRuns returns runs newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any
	if filter.Host != "" {
		query += ` WHERE host = ?`
		args = append(args, filter.Host)
	}
	query += ` ORDER BY started_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

// LastRun returns the newest run for a host.
func (s *SQLiteStore) LastRun(ctx context.Context, host string) (*Run, error) {
	runs, err := s.ListRuns(ctx, RunFilter{Host: host, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("%w: no runs for host %s", ErrNotFound, host)
	}
	return runs[0], nil
}

// PruneRuns deletes runs that started before cutoff and returns how many went.
func (s *SQLiteStore) PruneRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ms := cutoff.UnixMilli()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM records WHERE run_id IN (SELECT id FROM runs WHERE started_at < ?)`, ms); err != nil {
		return 0, fmt.Errorf("failed to prune records: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, ms)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit prune: %w", err)
	}
	return n, nil
}

// HealthCheck verifies the database connection is alive
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

const runColumns = `id, host, policy, source, digest, dry_run, halted_by, cancelled, exit_code,
	unchanged, changed, failed, skipped, handlers_fired, handlers_failed,
	started_at, completed_at, duration_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		run                       Run
		started, completed, durMS int64
	)
	err := row.Scan(&run.ID, &run.Host, &run.Policy, &run.Source, &run.Digest, &run.DryRun, &run.HaltedBy,
		&run.Cancelled, &run.ExitCode,
		&run.Summary.Unchanged, &run.Summary.Changed, &run.Summary.Failed, &run.Summary.Skipped,
		&run.Summary.HandlersFired, &run.Summary.HandlersFailed,
		&started, &completed, &durMS)
	if err != nil {
		return nil, err
	}
	run.StartedAt = time.UnixMilli(started).UTC()
	run.CompletedAt = time.UnixMilli(completed).UTC()
	run.Duration = time.Duration(durMS) * time.Millisecond
	return &run, nil
}

// nullJSON encodes a state snapshot, mapping nil to SQL NULL.
func nullJSON(v engine.CurrentState) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
