// Package storage is the engine's durable record store: sessions, tracks,
// plays, the outbox overflow queue, and a small settings key-value table.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite database backing one broadcasting client.
type DB struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens or creates the SQLite database in the given directory.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	dbPath := filepath.Join(dir, "spindle.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL mode for better concurrency between the pipeline and like batcher.
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			external_ref TEXT DEFAULT '',
			name         TEXT DEFAULT '',
			started_at   INTEGER NOT NULL,
			ended_at     INTEGER DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS tracks (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			track_key TEXT NOT NULL UNIQUE,
			artist    TEXT NOT NULL,
			title     TEXT NOT NULL,
			file_path TEXT DEFAULT '',
			bpm       REAL DEFAULT 0,
			key_sig   TEXT DEFAULT '',
			genre     TEXT DEFAULT '',
			analyzed  INTEGER DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS plays (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id INTEGER NOT NULL REFERENCES sessions(id),
			track_id   INTEGER NOT NULL REFERENCES tracks(id),
			played_at  INTEGER NOT NULL,
			reaction   TEXT DEFAULT 'neutral',
			notes      TEXT DEFAULT '',
			likes      INTEGER DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_plays_session ON plays(session_id);
		CREATE TABLE IF NOT EXISTS outbox_queue (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			enqueued_at INTEGER NOT NULL,
			envelope    TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS settings (
			key   TEXT PRIMARY KEY,
			value TEXT
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &DB{db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// GetSetting returns the value for key, or "" if unset.
func (d *DB) GetSetting(key string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var value string
	err := d.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetSetting stores or replaces a settings value.
func (d *DB) SetSetting(key, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`INSERT OR REPLACE INTO settings (key, value) VALUES (?, ?)`, key, value)
	return err
}
