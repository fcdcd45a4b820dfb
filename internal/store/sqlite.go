// Package store provides SQLite-backed persistence for HiveForge workflow
// state, transition events and knowledge beads.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// schemaV1 defines the initial database schema.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS workflow_states (
	thread_id       TEXT PRIMARY KEY,
	state           TEXT NOT NULL,
	version         INTEGER NOT NULL DEFAULT 1,
	iterations      INTEGER NOT NULL DEFAULT 0,
	issue_json      TEXT NOT NULL DEFAULT 'null',
	plan_json       TEXT NOT NULL DEFAULT 'null',
	result_json     TEXT NOT NULL DEFAULT 'null',
	review_json     TEXT NOT NULL DEFAULT 'null',
	data_json       TEXT NOT NULL DEFAULT 'null',
	updated_at_unix INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_states_updated ON workflow_states(updated_at_unix);

CREATE TABLE IF NOT EXISTS state_history (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	thread_id  TEXT NOT NULL,
	seq_no     INTEGER NOT NULL,
	line       TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	UNIQUE(thread_id, seq_no)
);

CREATE TABLE IF NOT EXISTS workflow_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	thread_id  TEXT NOT NULL,
	seq_no     INTEGER NOT NULL,
	from_state TEXT NOT NULL DEFAULT '',
	to_state   TEXT NOT NULL,
	event_type TEXT NOT NULL,
	msg_id     TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	UNIQUE(thread_id, seq_no)
);
CREATE INDEX IF NOT EXISTS idx_events_thread_seq ON workflow_events(thread_id, seq_no);

CREATE TABLE IF NOT EXISTS beads (
	id         TEXT PRIMARY KEY,
	type       TEXT NOT NULL,
	title      TEXT NOT NULL,
	content    TEXT NOT NULL DEFAULT '',
	thread_id  TEXT NOT NULL DEFAULT '',
	tags_json  TEXT NOT NULL DEFAULT '[]',
	extra_json TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_beads_thread ON beads(thread_id, created_at);
CREATE INDEX IF NOT EXISTS idx_beads_type ON beads(type, created_at);

CREATE TABLE IF NOT EXISTS bead_links (
	thread_id  TEXT NOT NULL,
	bead_id    TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (thread_id, bead_id)
);
`

// NewDB opens a SQLite database at the given path with recommended pragmas
// and runs the V1 schema migration.
func NewDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Limit connections to 1 for SQLite (WAL allows concurrent reads but single writer).
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return db, nil
}

func migrate(db *sql.DB) error {
	_, err := db.ExecContext(context.Background(), schemaV1)
	return err
}

// Timestamps are stored as unix milliseconds.
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeMap(raw string) (map[string]any, error) {
	if raw == "" || raw == "null" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return m, nil
}
