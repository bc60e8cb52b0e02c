package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

const (
	// Schema ledger constants used to gate startup safety.
	schemaVersionV1  = 1
	schemaChecksumV1 = "studio-v1-2026-10-01-orchestration-core"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1

	DefaultMaxAttempts = 3
)

// Deterministic reason codes carried by terminal tasks.
const (
	ReasonValidationFailed          = "VALIDATION_FAILED"
	ReasonInsufficientBalance       = "INSUFFICIENT_BALANCE"
	ReasonEnqueueFailed             = "ENQUEUE_FAILED"
	ReasonEnqueueCompensationFailed = "ENQUEUE_FAILED_COMPENSATION_FAILED"
	ReasonExecutionFailed           = "EXECUTION_FAILED"
	ReasonAttemptsExhausted         = "ATTEMPTS_EXHAUSTED"
	ReasonCompensationFailed        = "BILLING_COMPENSATION_FAILED"
	ReasonWatchdogTimeout           = "WATCHDOG_TIMEOUT"
	ReasonTaskCancelled             = "TASK_CANCELLED"
	ReasonOrphanReconciled          = "ORPHAN_RECONCILED"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrDedupeConflict       = errors.New("dedupe key already held by an active task")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrTaskNotActive        = errors.New("task is not active")
	ErrExternalIDAlreadySet = errors.New("external id already set")
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

type Option func(*Store)

// WithClock overrides the wall clock used for heartbeat, lease and staleness columns.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".studio", "studio.db")
}

func Open(path string, opts ...Option) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	// Single writer connection: every conditional write is serialized here.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Now returns the store clock in UTC.
func (s *Store) Now() time.Time {
	return s.now().UTC()
}

func (s *Store) nowMillis() int64 {
	return toMillis(s.now())
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED")
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			episode_id TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			target_type TEXT NOT NULL DEFAULT '',
			target_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL CHECK(status IN ('QUEUED','PROCESSING','COMPLETED','FAILED','DISMISSED')),
			progress INTEGER NOT NULL DEFAULT 0 CHECK(progress BETWEEN 0 AND 100),
			attempt INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			priority INTEGER NOT NULL DEFAULT 0,
			dedupe_key TEXT,
			payload TEXT NOT NULL DEFAULT '{}',
			billing_info TEXT,
			external_id TEXT,
			run_id TEXT NOT NULL DEFAULT '',
			result TEXT,
			error_code TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			heartbeat_at INTEGER,
			started_at INTEGER,
			finished_at INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			episode_id TEXT NOT NULL DEFAULT '',
			workflow_type TEXT NOT NULL,
			task_id TEXT NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('QUEUED','RUNNING','COMPLETED','FAILED','CANCELING','CANCELED')),
			last_seq INTEGER NOT NULL DEFAULT 0,
			terminal_seq INTEGER,
			error_code TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS run_events (
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			step_key TEXT NOT NULL DEFAULT '',
			attempt INTEGER NOT NULL DEFAULT 0,
			lane TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL,
			PRIMARY KEY (run_id, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS task_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			run_id TEXT NOT NULL DEFAULT '',
			task_type TEXT NOT NULL DEFAULT '',
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			trace_id TEXT NOT NULL DEFAULT '-',
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			task_type TEXT NOT NULL,
			partition TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL CHECK(status IN ('waiting','active','completed','failed')),
			attempt INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			payload TEXT NOT NULL DEFAULT '{}',
			available_at INTEGER NOT NULL,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires_at INTEGER,
			last_error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS accounts (
			user_id TEXT PRIMARY KEY,
			balance INTEGER NOT NULL DEFAULT 0 CHECK(balance >= 0),
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS escrow_holds (
			task_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			amount INTEGER NOT NULL,
			charged INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL CHECK(status IN ('frozen','settled','rolled_back')),
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT NOT NULL DEFAULT '-',
			task_id TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			code TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	indexStatements := []string{
		// Dedupe keys are unique among active tasks only; terminal tasks release them.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_dedupe_active
			ON tasks(dedupe_key)
			WHERE dedupe_key IS NOT NULL AND status IN ('QUEUED','PROCESSING');`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status_heartbeat ON tasks(status, heartbeat_at);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_project ON task_events(project_id, id);`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_created ON task_events(created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(partition, status, priority DESC, available_at);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_task ON jobs(task_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_task ON runs(task_id);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("record schema migration: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// RecordAudit appends an operator-facing audit row.
func (s *Store) RecordAudit(ctx context.Context, traceID, taskID, action, code, detail string) error {
	if traceID == "" {
		traceID = "-"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (trace_id, task_id, action, code, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?);
	`, traceID, taskID, action, code, detail, s.nowMillis())
	if err != nil {
		return fmt.Errorf("insert audit row: %w", err)
	}
	return nil
}

type AuditRow struct {
	ID      int64  `json:"id"`
	TraceID string `json:"trace_id"`
	TaskID  string `json:"task_id"`
	Action  string `json:"action"`
	Code    string `json:"code"`
	Detail  string `json:"detail"`
}

func (s *Store) ListAudit(ctx context.Context, taskID string) ([]AuditRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trace_id, task_id, action, code, detail
		FROM audit_log
		WHERE task_id = ?
		ORDER BY id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()
	var out []AuditRow
	for rows.Next() {
		var r AuditRow
		if err := rows.Scan(&r.ID, &r.TraceID, &r.TaskID, &r.Action, &r.Code, &r.Detail); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
