package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/avlonitis/ergon/internal/config"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(cfg config.StoreConfig) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Enable WAL mode for concurrent read/write access and set a busy
	// timeout so writers retry instead of immediately returning SQLITE_BUSY.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("exec %s: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id           TEXT PRIMARY KEY,
			type         TEXT NOT NULL,
			priority     TEXT NOT NULL DEFAULT 'normal',
			payload      TEXT,
			requirements TEXT,
			constraints  TEXT,
			status       TEXT NOT NULL DEFAULT 'pending',
			created_at   DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at   DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_type_status ON jobs(type, status)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id         TEXT PRIMARY KEY,
			type       TEXT NOT NULL,
			sender     TEXT NOT NULL,
			recipient  TEXT,
			topic      TEXT NOT NULL,
			payload    TEXT,
			priority   TEXT NOT NULL DEFAULT 'normal',
			status     TEXT NOT NULL DEFAULT 'unprocessed',
			attempts   INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			expires_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(status, created_at)`,
		`CREATE TABLE IF NOT EXISTS memory_entries (
			owner_id      TEXT NOT NULL,
			key           TEXT NOT NULL,
			value         BLOB,
			compressed    BOOLEAN NOT NULL DEFAULT FALSE,
			type          TEXT,
			tags          TEXT,
			ttl_ms        INTEGER NOT NULL DEFAULT 0,
			expires_at    DATETIME,
			access_count  INTEGER NOT NULL DEFAULT 0,
			last_accessed DATETIME,
			created_at    DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at    DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (owner_id, key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_expires ON memory_entries(expires_at)`,
		`CREATE TABLE IF NOT EXISTS metrics (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id   TEXT NOT NULL,
			name       TEXT NOT NULL,
			value      REAL NOT NULL,
			unit       TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_agent ON metrics(agent_id, name, created_at)`,
		`CREATE TABLE IF NOT EXISTS workflow_runs (
			id           TEXT PRIMARY KEY,
			workflow_id  TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'pending',
			parameters   TEXT,
			steps        TEXT,
			result       TEXT,
			error        TEXT,
			started_at   DATETIME DEFAULT CURRENT_TIMESTAMP,
			completed_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_workflow ON workflow_runs(workflow_id, started_at)`,
		`CREATE TABLE IF NOT EXISTS triggers (
			id          TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			name        TEXT NOT NULL,
			schedule    TEXT NOT NULL,
			parameters  TEXT,
			status      TEXT DEFAULT 'active',
			next_run_at DATETIME,
			last_run_at DATETIME,
			last_status TEXT,
			last_error  TEXT,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_triggers_next_run ON triggers(status, next_run_at)`,
		`CREATE TABLE IF NOT EXISTS secrets (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL UNIQUE,
			description TEXT,
			value       BLOB NOT NULL,
			nonce       BLOB NOT NULL,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	return nil
}
