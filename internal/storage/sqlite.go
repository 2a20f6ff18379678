package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS repositories (
	owner          TEXT NOT NULL,
	name           TEXT NOT NULL,
	language       TEXT NOT NULL DEFAULT '',
	languages      TEXT NOT NULL DEFAULT '[]',
	description    TEXT NOT NULL DEFAULT '',
	topics         TEXT NOT NULL DEFAULT '[]',
	readme         TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMP NOT NULL,
	last_sync_time TIMESTAMP,
	PRIMARY KEY (owner, name)
);

CREATE TABLE IF NOT EXISTS repo_issues (
	owner      TEXT NOT NULL,
	name       TEXT NOT NULL,
	number     INTEGER NOT NULL,
	author     TEXT NOT NULL DEFAULT '',
	state      TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	closed_at  TIMESTAMP,
	title      TEXT NOT NULL DEFAULT '',
	body       TEXT NOT NULL DEFAULT '',
	labels     TEXT NOT NULL DEFAULT '[]',
	is_pull    BOOLEAN NOT NULL,
	merged_at  TIMESTAMP,
	PRIMARY KEY (owner, name, number)
);
CREATE INDEX IF NOT EXISTS idx_repo_issues_state ON repo_issues (owner, name, state, is_pull);

CREATE TABLE IF NOT EXISTS resolved_issues (
	owner       TEXT NOT NULL,
	name        TEXT NOT NULL,
	number      INTEGER NOT NULL,
	created_at  TIMESTAMP NOT NULL,
	resolved_at TIMESTAMP,
	resolver    TEXT NOT NULL DEFAULT '[]',
	events      TEXT NOT NULL DEFAULT '[]',
	opener      TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (owner, name, number)
);

CREATE TABLE IF NOT EXISTS open_issues (
	owner      TEXT NOT NULL,
	name       TEXT NOT NULL,
	number     INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	events     TEXT NOT NULL DEFAULT '[]',
	opener     TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (owner, name, number)
);

CREATE TABLE IF NOT EXISTS closed_prs (
	owner            TEXT NOT NULL,
	name             TEXT NOT NULL,
	number           INTEGER NOT NULL,
	created_at       TIMESTAMP NOT NULL,
	closed_at        TIMESTAMP,
	reviewer_events  TEXT NOT NULL DEFAULT '[]',
	commenter_events TEXT NOT NULL DEFAULT '[]',
	label_events     TEXT NOT NULL DEFAULT '[]',
	opener           TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (owner, name, number)
);

CREATE TABLE IF NOT EXISTS open_prs (
	owner            TEXT NOT NULL,
	name             TEXT NOT NULL,
	number           INTEGER NOT NULL,
	created_at       TIMESTAMP NOT NULL,
	updated_at       TIMESTAMP NOT NULL,
	reviewer_events  TEXT NOT NULL DEFAULT '[]',
	commenter_events TEXT NOT NULL DEFAULT '[]',
	label_events     TEXT NOT NULL DEFAULT '[]',
	opener           TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (owner, name, number)
);

CREATE TABLE IF NOT EXISTS fetch_logs (
	id                      TEXT PRIMARY KEY,
	owner                   TEXT NOT NULL,
	name                    TEXT NOT NULL,
	pid                     INTEGER NOT NULL,
	update_begin            TIMESTAMP NOT NULL,
	update_end              TIMESTAMP,
	updated_issues          INTEGER NOT NULL DEFAULT 0,
	updated_resolved_issues INTEGER NOT NULL DEFAULT 0,
	updated_open_issues     INTEGER NOT NULL DEFAULT 0,
	updated_closed_prs      INTEGER NOT NULL DEFAULT 0,
	updated_open_prs        INTEGER NOT NULL DEFAULT 0,
	rate_consumed           INTEGER NOT NULL DEFAULT 0,
	rate_remaining          INTEGER NOT NULL DEFAULT 0,
	rate_limit              INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_fetch_logs_repo ON fetch_logs (owner, name);
`

// SQLiteStore is the file-backed local store, for single-machine use where
// running PostgreSQL is not worth it.
type SQLiteStore struct {
	sqlStore
}

// NewSQLiteStore opens (creating parent directories as needed) a SQLite
// database at path. Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string, logger *logrus.Logger) (*SQLiteStore, error) {
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sqlx.Connect("sqlite3", path+"?_loc=UTC")
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// SQLite tolerates a single writer; the orchestrator workers already
	// serialize per repository, so one connection avoids lock contention.
	db.SetMaxOpenConns(1)

	return &SQLiteStore{sqlStore{db: db, schema: sqliteSchema, logger: logger}}, nil
}
