package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the run history database at path
// and ensures required tables exist. The path must be on a local filesystem.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := validateSQLiteFilesystem(path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates the batch and per-job outcome tables if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS render_batch (
  id                TEXT PRIMARY KEY,
  config_path       TEXT,
  continue_on_error INTEGER NOT NULL DEFAULT 1,
  job_count         INTEGER NOT NULL DEFAULT 0,
  status            TEXT NOT NULL,
  started_at        TEXT NOT NULL,
  completed_at      TEXT
);`,
		`CREATE TABLE IF NOT EXISTS render_log (
  id           TEXT PRIMARY KEY,
  batch_id     TEXT NOT NULL REFERENCES render_batch(id) ON DELETE CASCADE,
  seq          INTEGER NOT NULL,
  job_name     TEXT NOT NULL,
  binding      TEXT NOT NULL,
  gpu          INTEGER NOT NULL,
  state        TEXT NOT NULL,
  reason       TEXT,
  exit_code    INTEGER NOT NULL,
  argv         JSON,
  last_error   TEXT,
  stderr       TEXT,
  started_at   TEXT,
  completed_at TEXT
);`,
		`CREATE INDEX IF NOT EXISTS render_batch_started_at_idx ON render_batch(started_at);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS render_log_batch_seq_idx ON render_log(batch_id, seq);`,
		`CREATE INDEX IF NOT EXISTS render_log_state_idx ON render_log(state);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
