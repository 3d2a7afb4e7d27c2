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

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := RequireLocalFilesystem(path, "sqlite"); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer connection; the registry already serializes per job.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA journal_mode = WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
  id            TEXT PRIMARY KEY,
  target_id     TEXT NOT NULL,
  origin_id     TEXT NOT NULL,
  command       JSON NOT NULL,
  working_dir   TEXT,
  environment   JSON,
  timeout_ms    INTEGER NOT NULL,
  status        TEXT NOT NULL,
  exit_code     INTEGER,
  reason        TEXT,
  pid           INTEGER,
  created_at    TEXT NOT NULL,
  started_at    TEXT,
  finished_at   TEXT,
  stdout_seq    INTEGER NOT NULL DEFAULT 0,
  stderr_seq    INTEGER NOT NULL DEFAULT 0
);`,
		`CREATE TABLE IF NOT EXISTS job_transitions (
  job_id       TEXT NOT NULL,
  from_status  TEXT,
  to_status    TEXT NOT NULL,
  at           TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS jobs_target_created_at_idx ON jobs(target_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS jobs_origin_status_idx ON jobs(origin_id, status);`,
		`CREATE INDEX IF NOT EXISTS job_transitions_job_idx ON job_transitions(job_id);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
