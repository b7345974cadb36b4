// Package storage persists the debugger's durable state in one embedded
// sqlite database: a content-addressed blob table and an append-only call
// log. The database is either an on-disk file under .cideldill, a
// user-supplied path, or :memory:.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS blobs (
	cid   TEXT PRIMARY KEY,
	bytes BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS calls (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	function_name TEXT NOT NULL,
	timestamp     REAL NOT NULL,
	process_key   TEXT NOT NULL,
	record_json   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_calls_function ON calls(function_name);
CREATE INDEX IF NOT EXISTS idx_calls_timestamp ON calls(timestamp);
CREATE INDEX IF NOT EXISTS idx_calls_process ON calls(process_key);
`

// DB wraps the shared sqlite handle. BlobStore and CallStore both hang off
// it so one file carries both tables.
type DB struct {
	sql  *sql.DB
	path string
}

// Open opens (creating if needed) the database at path. ":memory:" yields a
// non-persistent store. An empty path resolves to a timestamped file under
// <dir>/.cideldill/breakpoint_dbs.
func Open(path string) (*DB, error) {
	if path == "" {
		path = DefaultPath("")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	dsn := path
	if path == ":memory:" {
		// Shared cache keeps :memory: visible across pooled connections.
		dsn = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db %s: %w", path, err)
	}
	// sqlite serializes writers; a single connection avoids SQLITE_BUSY
	// under concurrent handlers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &DB{sql: db, path: path}, nil
}

// DefaultPath returns the on-disk location for a fresh database. home
// defaults to the user's home directory.
func DefaultPath(home string) string {
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	name := fmt.Sprintf("breakpoints-%d.sqlite3", time.Now().Unix())
	return filepath.Join(home, ".cideldill", "breakpoint_dbs", name)
}

// Path returns the database location ("" for in-memory).
func (d *DB) Path() string { return d.path }

// Close releases the underlying handle.
func (d *DB) Close() error { return d.sql.Close() }

// Blobs returns the content-addressed blob store view.
func (d *DB) Blobs() *BlobStore { return &BlobStore{db: d.sql} }

// Calls returns the append-only call log view.
func (d *DB) Calls() *CallStore { return &CallStore{db: d.sql} }
