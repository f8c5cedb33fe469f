// Package store is the transactional persistence layer for the archon
// orchestrator: archives, records, pages, attachments, page texts, jobs and
// pipeline events, all in one SQLite database.
//
// Every record status transition goes through Transition, a conditional
// update guarded by the expected prior status. Concurrent racers therefore
// apply at most one transition per logical event; the loser sees zero rows
// affected and reports skipped=true, never an error.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when the target row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store wraps the application database.
type Store struct {
	db *sql.DB
}

// New creates a Store handle. Call Init once at startup.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for packages that need raw access
// (observability cleanup, tests).
func (s *Store) DB() *sql.DB { return s.db }

// Init creates the schema. Idempotent.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: init schema: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS archives (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT NOT NULL UNIQUE,
	country    TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS records (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	archive_id        INTEGER NOT NULL REFERENCES archives(id),
	source_system     TEXT NOT NULL,
	source_record_id  TEXT NOT NULL,
	title             TEXT NOT NULL DEFAULT '',
	description       TEXT NOT NULL DEFAULT '',
	date_range        TEXT NOT NULL DEFAULT '',
	lang              TEXT NOT NULL DEFAULT '',
	metadata_lang     TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL DEFAULT 'ingesting',
	page_count        INTEGER NOT NULL DEFAULT 0,
	attachment_count  INTEGER NOT NULL DEFAULT 0,
	pdf_attachment_id INTEGER REFERENCES attachments(id),
	created_at        INTEGER NOT NULL,
	updated_at        INTEGER NOT NULL,
	UNIQUE (source_system, source_record_id)
);
CREATE INDEX IF NOT EXISTS idx_records_status ON records(status, updated_at);
CREATE INDEX IF NOT EXISTS idx_records_archive ON records(archive_id);

CREATE TABLE IF NOT EXISTS pages (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	record_id     INTEGER NOT NULL REFERENCES records(id) ON DELETE CASCADE,
	seq           INTEGER NOT NULL,
	attachment_id INTEGER NOT NULL,
	label         TEXT NOT NULL DEFAULT '',
	width         INTEGER NOT NULL DEFAULT 0,
	height        INTEGER NOT NULL DEFAULT 0,
	source_url    TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL,
	UNIQUE (record_id, seq)
);

CREATE TABLE IF NOT EXISTS attachments (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	record_id  INTEGER NOT NULL REFERENCES records(id) ON DELETE CASCADE,
	role       TEXT NOT NULL,
	path       TEXT NOT NULL,
	sha256     TEXT NOT NULL DEFAULT '',
	mime       TEXT NOT NULL DEFAULT '',
	size_bytes INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attachments_record_role ON attachments(record_id, role, created_at);

CREATE TABLE IF NOT EXISTS page_texts (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	page_id    INTEGER NOT NULL REFERENCES pages(id) ON DELETE CASCADE,
	engine     TEXT NOT NULL,
	confidence REAL,
	text_raw   TEXT NOT NULL DEFAULT '',
	text_en    TEXT NOT NULL DEFAULT '',
	hocr       TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_page_texts_page ON page_texts(page_id);

CREATE TABLE IF NOT EXISTS jobs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	kind        TEXT NOT NULL,
	record_id   INTEGER REFERENCES records(id) ON DELETE CASCADE,
	page_id     INTEGER REFERENCES pages(id) ON DELETE CASCADE,
	payload     TEXT,
	status      TEXT NOT NULL DEFAULT 'pending',
	attempts    INTEGER NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
	started_at  INTEGER,
	finished_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_jobs_kind_status ON jobs(kind, status, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_record ON jobs(record_id);

CREATE TABLE IF NOT EXISTS entities (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	page_id    INTEGER NOT NULL REFERENCES pages(id) ON DELETE CASCADE,
	kind       TEXT NOT NULL,
	value      TEXT NOT NULL,
	confidence REAL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entities_page ON entities(page_id);

CREATE TABLE IF NOT EXISTS pipeline_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	record_id  INTEGER NOT NULL REFERENCES records(id) ON DELETE CASCADE,
	stage      TEXT NOT NULL,
	event      TEXT NOT NULL,
	detail     TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pipeline_events_record ON pipeline_events(record_id, created_at);
`

// Transition conditionally moves a record from one status to another.
// Returns true if the update applied, false if the record was not in the
// expected prior status (the transition is skipped, not an error).
func (s *Store) Transition(ctx context.Context, recordID int64, from, to Status) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, time.Now().UnixMilli(), recordID, from)
	if err != nil {
		return false, fmt.Errorf("store: transition %s→%s: %w", from, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// --- time helpers ---

func now() int64 { return time.Now().UnixMilli() }

func fromMS(v int64) time.Time { return time.UnixMilli(v) }

func fromNullMS(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
