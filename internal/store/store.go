package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mtzanidakis/nergal/internal/config"
	_ "modernc.org/sqlite"
)

// timeLayout matches sqlite's CURRENT_TIMESTAMP so stored times compare
// correctly as text.
const timeLayout = "2006-01-02 15:04:05"

type Store struct {
	db *sql.DB
}

func New(cfg config.StoreConfig) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", dsn(cfg.Path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// dsn applies the pragmas to every pooled connection. WAL lets the admin
// API read while turns are written; the busy timeout makes concurrent
// writers wait instead of failing with SQLITE_BUSY.
func dsn(path string) string {
	return path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Ping() error {
	return s.db.Ping()
}

// Snapshot writes a consistent copy of the database to path.
func (s *Store) Snapshot(path string) error {
	if _, err := s.db.Exec(`VACUUM INTO ?`, path); err != nil {
		return fmt.Errorf("snapshot database: %w", err)
	}
	return nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id            INTEGER PRIMARY KEY,
			username      TEXT,
			first_name    TEXT,
			last_name     TEXT,
			language_code TEXT,
			is_active     BOOLEAN DEFAULT TRUE,
			created_at    DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at    DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS user_profiles (
			user_id        INTEGER PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
			preferred_name TEXT,
			location       TEXT,
			occupation     TEXT,
			interests      TEXT,
			expertise      TEXT,
			updated_at     DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS user_facts (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id     INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			fact_type   TEXT NOT NULL,
			fact_key    TEXT NOT NULL,
			fact_value  TEXT NOT NULL,
			confidence  REAL DEFAULT 1.0,
			source      TEXT,
			expires_at  DATETIME,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(user_id, fact_type, fact_key)
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_sessions (
			id            TEXT PRIMARY KEY,
			user_id       INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			started_at    DATETIME DEFAULT CURRENT_TIMESTAMP,
			last_active   DATETIME DEFAULT CURRENT_TIMESTAMP,
			ended_at      DATETIME,
			message_count INTEGER DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user ON conversation_sessions(user_id, ended_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id                 INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id            INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			session_id         TEXT,
			role               TEXT NOT NULL,
			content            TEXT NOT NULL,
			agent_type         TEXT,
			tokens_used        INTEGER DEFAULT 0,
			processing_time_ms INTEGER DEFAULT 0,
			metadata           TEXT,
			created_at         DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_user ON messages(user_id, id)`,
		`CREATE TABLE IF NOT EXISTS web_search_telemetry (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			query          TEXT NOT NULL,
			status         TEXT NOT NULL,
			provider       TEXT,
			tool           TEXT,
			results_count  INTEGER DEFAULT 0,
			duration_ms    INTEGER DEFAULT 0,
			attempts       INTEGER DEFAULT 0,
			retry_reasons  TEXT,
			error_category TEXT,
			error          TEXT,
			created_at     DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_search_telemetry_created ON web_search_telemetry(created_at)`,
		`CREATE TABLE IF NOT EXISTS scheduled_tasks (
			id           TEXT PRIMARY KEY,
			user_id      INTEGER NOT NULL,
			chat_id      INTEGER NOT NULL,
			name         TEXT NOT NULL,
			schedule     TEXT NOT NULL,
			prompt       TEXT NOT NULL,
			status       TEXT DEFAULT 'active',
			next_run_at  DATETIME,
			last_run_at  DATETIME,
			last_status  TEXT,
			last_error   TEXT,
			created_at   DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_next_run ON scheduled_tasks(status, next_run_at)`,
		`CREATE TABLE IF NOT EXISTS user_secrets (
			user_id    INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			name       TEXT NOT NULL,
			value      BLOB NOT NULL,
			nonce      BLOB NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (user_id, name)
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	return nil
}

func sqlTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func sqlTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return sqlTime(*t)
}

type scanner interface {
	Scan(dest ...any) error
}
