package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)
)

func init() {
	// modernc registers itself as "sqlite", which sqlx does not know.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// migrations are written in the SQL subset shared by SQLite and PostgreSQL.
// Timestamps are unix nanoseconds so both drivers scan them identically.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS investigations (
    id                    TEXT PRIMARY KEY,
    status                TEXT NOT NULL,
    alarm                 TEXT NOT NULL DEFAULT '{}',
    confidence            DOUBLE PRECISION NOT NULL DEFAULT 0,
    hypothesis            TEXT NOT NULL DEFAULT '',
    root_cause_candidates TEXT NOT NULL DEFAULT '[]',
    round                 INTEGER NOT NULL DEFAULT 0,
    version               INTEGER NOT NULL DEFAULT 0,
    timeline_seq          INTEGER NOT NULL DEFAULT 0,
    error                 TEXT NOT NULL DEFAULT '',
    created_at            BIGINT NOT NULL,
    updated_at            BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_investigations_created_at ON investigations(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_investigations_status ON investigations(status);

CREATE TABLE IF NOT EXISTS findings (
    investigation_id TEXT NOT NULL,
    finding_key      TEXT NOT NULL,
    task_id          TEXT NOT NULL,
    agent_kind       TEXT NOT NULL,
    payload          TEXT NOT NULL DEFAULT '{}',
    produced_at      BIGINT NOT NULL,
    PRIMARY KEY (investigation_id, finding_key)
);

CREATE TABLE IF NOT EXISTS timeline (
    investigation_id TEXT NOT NULL,
    seq              INTEGER NOT NULL,
    ts               BIGINT NOT NULL,
    description      TEXT NOT NULL,
    agent_kind       TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (investigation_id, seq)
);

CREATE TABLE IF NOT EXISTS reports (
    investigation_id      TEXT PRIMARY KEY,
    narrative             TEXT NOT NULL DEFAULT '',
    root_cause_candidates TEXT NOT NULL DEFAULT '[]',
    recommendations       TEXT NOT NULL DEFAULT '[]',
    confidence            DOUBLE PRECISION NOT NULL DEFAULT 0,
    rounds                INTEGER NOT NULL DEFAULT 0,
    termination_forced    BOOLEAN NOT NULL DEFAULT FALSE,
    termination_reason    TEXT NOT NULL DEFAULT '',
    created_at            BIGINT NOT NULL
);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS workflows (
    investigation_id TEXT PRIMARY KEY,
    task_seq         INTEGER NOT NULL DEFAULT 0,
    created_at       BIGINT NOT NULL,
    updated_at       BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS workflow_rounds (
    investigation_id TEXT NOT NULL,
    round            INTEGER NOT NULL,
    task_count       INTEGER NOT NULL DEFAULT 0,
    created_at       BIGINT NOT NULL,
    PRIMARY KEY (investigation_id, round)
);

CREATE TABLE IF NOT EXISTS tasks (
    investigation_id TEXT NOT NULL,
    task_id          TEXT NOT NULL,
    seq              INTEGER NOT NULL,
    agent_kind       TEXT NOT NULL,
    prompt           TEXT NOT NULL,
    description      TEXT NOT NULL DEFAULT '',
    priority         TEXT NOT NULL DEFAULT 'medium',
    status           TEXT NOT NULL,
    created_in_round INTEGER NOT NULL,
    attempts         INTEGER NOT NULL DEFAULT 0,
    last_error       TEXT NOT NULL DEFAULT '',
    created_at       BIGINT NOT NULL,
    updated_at       BIGINT NOT NULL,
    PRIMARY KEY (investigation_id, task_id)
);
CREATE INDEX IF NOT EXISTS idx_tasks_order ON tasks(investigation_id, created_in_round, seq);
`,
	},
}

// SQLStore implements Store over database/sql through sqlx.
type SQLStore struct {
	db     *sqlx.DB
	driver string
	now    func() time.Time
}

var _ Store = (*SQLStore)(nil)

// Open connects to driver ("sqlite" or "postgres") and applies migrations.
func Open(driver, dsn string) (*SQLStore, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s %q: %w", driver, dsn, err)
	}

	switch driver {
	case "sqlite":
		// One connection serializes writers and keeps ":memory:" databases alive.
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{
			`PRAGMA journal_mode=WAL`,
			`PRAGMA busy_timeout=5000`,
			`PRAGMA foreign_keys=ON`,
		} {
			if _, err := db.Exec(pragma); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("%s: %w", pragma, err)
			}
		}
	case "postgres":
		db.SetMaxOpenConns(20)
		db.SetConnMaxIdleTime(5 * time.Minute)
	default:
		_ = db.Close()
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	s := &SQLStore{db: db, driver: driver, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// NewSQLiteStore opens a SQLite store at path (":memory:" for tests).
func NewSQLiteStore(path string) (*SQLStore, error) {
	return Open("sqlite", path)
}

func (s *SQLStore) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
    version    INTEGER PRIMARY KEY,
    applied_at BIGINT NOT NULL
)`); err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		if err := s.db.Get(&count, s.db.Rebind(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`), m.version); err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := s.db.Exec(s.db.Rebind(`INSERT INTO schema_versions(version, applied_at) VALUES(?, ?)`), m.version, time.Now().UnixNano()); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// q rebinds ? placeholders for the active driver.
func (s *SQLStore) q(query string) string { return s.db.Rebind(query) }

func (s *SQLStore) nowNano() int64 { return s.now().UTC().UnixNano() }

// withTx runs fn in a transaction, rolling back on error.
func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func fromNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func isNoRows(err error) bool { return errors.Is(err, sql.ErrNoRows) }
