package storage

import (
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS repositories (
	owner          TEXT NOT NULL,
	name           TEXT NOT NULL,
	language       TEXT NOT NULL DEFAULT '',
	languages      JSONB NOT NULL DEFAULT '[]',
	description    TEXT NOT NULL DEFAULT '',
	topics         JSONB NOT NULL DEFAULT '[]',
	readme         TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL,
	last_sync_time TIMESTAMPTZ,
	PRIMARY KEY (owner, name)
);

CREATE TABLE IF NOT EXISTS repo_issues (
	owner      TEXT NOT NULL,
	name       TEXT NOT NULL,
	number     INTEGER NOT NULL,
	author     TEXT NOT NULL DEFAULT '',
	state      TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	closed_at  TIMESTAMPTZ,
	title      TEXT NOT NULL DEFAULT '',
	body       TEXT NOT NULL DEFAULT '',
	labels     JSONB NOT NULL DEFAULT '[]',
	is_pull    BOOLEAN NOT NULL,
	merged_at  TIMESTAMPTZ,
	PRIMARY KEY (owner, name, number)
);
CREATE INDEX IF NOT EXISTS idx_repo_issues_state ON repo_issues (owner, name, state, is_pull);

CREATE TABLE IF NOT EXISTS resolved_issues (
	owner       TEXT NOT NULL,
	name        TEXT NOT NULL,
	number      INTEGER NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	resolved_at TIMESTAMPTZ,
	resolver    JSONB NOT NULL DEFAULT '[]',
	events      JSONB NOT NULL DEFAULT '[]',
	opener      TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (owner, name, number)
);

CREATE TABLE IF NOT EXISTS open_issues (
	owner      TEXT NOT NULL,
	name       TEXT NOT NULL,
	number     INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	events     JSONB NOT NULL DEFAULT '[]',
	opener     TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (owner, name, number)
);

CREATE TABLE IF NOT EXISTS closed_prs (
	owner            TEXT NOT NULL,
	name             TEXT NOT NULL,
	number           INTEGER NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	closed_at        TIMESTAMPTZ,
	reviewer_events  JSONB NOT NULL DEFAULT '[]',
	commenter_events JSONB NOT NULL DEFAULT '[]',
	label_events     JSONB NOT NULL DEFAULT '[]',
	opener           TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (owner, name, number)
);

CREATE TABLE IF NOT EXISTS open_prs (
	owner            TEXT NOT NULL,
	name             TEXT NOT NULL,
	number           INTEGER NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	reviewer_events  JSONB NOT NULL DEFAULT '[]',
	commenter_events JSONB NOT NULL DEFAULT '[]',
	label_events     JSONB NOT NULL DEFAULT '[]',
	opener           TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (owner, name, number)
);

CREATE TABLE IF NOT EXISTS fetch_logs (
	id                      TEXT PRIMARY KEY,
	owner                   TEXT NOT NULL,
	name                    TEXT NOT NULL,
	pid                     INTEGER NOT NULL,
	update_begin            TIMESTAMPTZ NOT NULL,
	update_end              TIMESTAMPTZ,
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

// PostgresStore is the PostgreSQL-backed event store.
type PostgresStore struct {
	sqlStore
}

// NewPostgresStore connects via the pgx stdlib driver.
func NewPostgresStore(dsn string, logger *logrus.Logger) (*PostgresStore, error) {
	db, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresStore{sqlStore{db: db, schema: postgresSchema, logger: logger}}, nil
}
