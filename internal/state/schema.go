// Package state persists pipeline state in SQLite: sync records, in-flight
// item checkpoints and a searchable catalog of knowledge documents, with
// optional FTS5 full-text search.
package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

const coreSchemaSQL = `
CREATE TABLE IF NOT EXISTS documents (
	path               TEXT PRIMARY KEY,
	title              TEXT NOT NULL DEFAULT '',
	type               TEXT NOT NULL DEFAULT '',
	date               TEXT NOT NULL DEFAULT '',
	checksum           TEXT NOT NULL DEFAULT '',
	source_fingerprint TEXT NOT NULL DEFAULT '',
	enrichment         TEXT NOT NULL DEFAULT '',
	tags               TEXT NOT NULL DEFAULT '[]',
	body               TEXT NOT NULL DEFAULT '',
	updated_at         DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_documents_source ON documents(source_fingerprint);
CREATE INDEX IF NOT EXISTS idx_documents_type ON documents(type);

CREATE TABLE IF NOT EXISTS sync_records (
	path          TEXT PRIMARY KEY,
	collection_id TEXT NOT NULL DEFAULT '',
	remote_id     TEXT NOT NULL DEFAULT '',
	fingerprint   TEXT NOT NULL DEFAULT '',
	state         TEXT NOT NULL DEFAULT 'unsynced',
	focus_linked  INTEGER NOT NULL DEFAULT 0,
	last_error    TEXT NOT NULL DEFAULT '',
	updated_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_sync_records_state ON sync_records(state);
CREATE INDEX IF NOT EXISTS idx_sync_records_remote ON sync_records(remote_id);

CREATE TABLE IF NOT EXISTS items (
	id            TEXT PRIMARY KEY,
	path          TEXT NOT NULL UNIQUE,
	kind          TEXT NOT NULL,
	discovered_at DATETIME NOT NULL,
	fingerprint   TEXT NOT NULL DEFAULT '',
	state         TEXT NOT NULL,
	step          INTEGER NOT NULL DEFAULT 0,
	attempts      INTEGER NOT NULL DEFAULT 0,
	deferrals     INTEGER NOT NULL DEFAULT 0,
	last_error    TEXT NOT NULL DEFAULT '',
	transcript    TEXT,
	output        TEXT NOT NULL DEFAULT '',
	updated_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_items_state ON items(state);
`

// DB wraps a sql.DB with state-specific operations.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) the SQLite database and applies the schema.
func Open(dsn string) (*DB, error) {
	if dir := filepath.Dir(dsn); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("state: create db dir: %w", err)
		}
	}
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("state: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("state: ping: %w", err)
	}
	if _, err := conn.Exec(coreSchemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("state: apply core schema: %w", err)
	}
	if err := initFTS(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("state: apply fts schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks the database connection.
func (db *DB) Ping() error {
	return db.conn.Ping()
}
