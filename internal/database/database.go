package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict signals a compare-and-swap failure: the stored
	// version no longer matches the caller's copy.
	ErrVersionConflict = errors.New("version conflict")
	// ErrDuplicateMapping signals a violation of the one-mapping-per-event
	// uniqueness constraint.
	ErrDuplicateMapping = errors.New("duplicate mapping")
)

type DB struct {
	db     *sql.DB
	logger *zerolog.Logger
}

func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := createTables(db); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info().Str("path", path).Msg("database initialized")
	return &DB{db: db, logger: logger}, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS sync_settings (
            user_id INTEGER PRIMARY KEY,
            enabled BOOLEAN NOT NULL DEFAULT 0,
            direction TEXT NOT NULL DEFAULT 'bidirectional',
            categories TEXT NOT NULL DEFAULT '[]',
            auto_sync_minutes INTEGER NOT NULL DEFAULT 60,
            sync_token TEXT NOT NULL DEFAULT '',
            last_full_sync_at DATETIME,
            last_incremental_at DATETIME,
            channel_id TEXT NOT NULL DEFAULT '',
            channel_resource_id TEXT NOT NULL DEFAULT '',
            channel_expiry DATETIME,
            channel_secret TEXT NOT NULL DEFAULT '',
            consent_given BOOLEAN NOT NULL DEFAULT 0,
            consent_version INTEGER NOT NULL DEFAULT 0,
            calendar_id TEXT NOT NULL DEFAULT 'primary',
            account_email TEXT NOT NULL DEFAULT '',
            last_error TEXT NOT NULL DEFAULT '',
            reconnect_required BOOLEAN NOT NULL DEFAULT 0,
            updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
        )`,

		`CREATE TABLE IF NOT EXISTS event_mappings (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            user_id INTEGER NOT NULL,
            internal_id INTEGER NOT NULL,
            external_id TEXT NOT NULL,
            calendar_id TEXT NOT NULL DEFAULT 'primary',
            status TEXT NOT NULL DEFAULT 'pending',
            origin TEXT NOT NULL DEFAULT 'internal',
            last_synced_at DATETIME,
            last_modified_at DATETIME,
            version INTEGER NOT NULL DEFAULT 1,
            etag TEXT NOT NULL DEFAULT '',
            error_message TEXT NOT NULL DEFAULT '',
            error_count INTEGER NOT NULL DEFAULT 0,
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
            updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
        )`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_mappings_user_internal ON event_mappings(user_id, internal_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_mappings_user_external ON event_mappings(user_id, external_id)`,
		`CREATE INDEX IF NOT EXISTS idx_mappings_status ON event_mappings(status)`,

		`CREATE TABLE IF NOT EXISTS sync_jobs (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            user_id INTEGER NOT NULL,
            event_id INTEGER,
            direction TEXT NOT NULL,
            status TEXT NOT NULL DEFAULT 'pending',
            priority INTEGER NOT NULL DEFAULT 0,
            retry_count INTEGER NOT NULL DEFAULT 0,
            max_retries INTEGER NOT NULL DEFAULT 3,
            scheduled_for DATETIME NOT NULL,
            claimed_by TEXT NOT NULL DEFAULT '',
            claimed_until DATETIME,
            last_attempt_at DATETIME,
            last_error TEXT,
            metadata TEXT NOT NULL DEFAULT '{}',
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
            processed_at DATETIME
        )`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status_sched ON sync_jobs(status, scheduled_for)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_user ON sync_jobs(user_id)`,

		`CREATE TABLE IF NOT EXISTS audit_log (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            user_id INTEGER NOT NULL,
            action TEXT NOT NULL,
            internal_id INTEGER,
            external_id TEXT NOT NULL DEFAULT '',
            success BOOLEAN NOT NULL DEFAULT 1,
            error TEXT NOT NULL DEFAULT '',
            details TEXT NOT NULL DEFAULT '',
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP
        )`,
		`CREATE INDEX IF NOT EXISTS idx_audit_user ON audit_log(user_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS finance_events (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            user_id INTEGER NOT NULL,
            category TEXT NOT NULL,
            title TEXT NOT NULL,
            amount_cents INTEGER NOT NULL DEFAULT 0,
            currency TEXT NOT NULL DEFAULT 'USD',
            due_date DATETIME NOT NULL,
            notes TEXT NOT NULL DEFAULT '',
            deleted BOOLEAN NOT NULL DEFAULT 0,
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
            updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
        )`,
		`CREATE INDEX IF NOT EXISTS idx_finance_user_updated ON finance_events(user_id, updated_at)`,

		`CREATE TABLE IF NOT EXISTS credentials (
            user_id INTEGER PRIMARY KEY,
            access_token TEXT NOT NULL,
            refresh_token TEXT NOT NULL DEFAULT '',
            token_type TEXT NOT NULL DEFAULT 'Bearer',
            expiry DATETIME,
            account_email TEXT NOT NULL DEFAULT '',
            valid BOOLEAN NOT NULL DEFAULT 1,
            updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
        )`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

// ExecContext exposes raw execution for migrations and tests.
func (db *DB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return db.db.ExecContext(ctx, query, args...)
}

// QueryContext exposes raw queries for tests.
func (db *DB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return db.db.QueryContext(ctx, query, args...)
}

// QueryRowContext exposes raw single-row queries for tests.
func (db *DB) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return db.db.QueryRowContext(ctx, query, args...)
}

func (db *DB) Ping() error {
	return db.db.Ping()
}

func (db *DB) Close() error {
	return db.db.Close()
}
