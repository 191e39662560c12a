// Package journal keeps a durable record of remote-desktop session
// lifecycle: starts, stops, helper launches and helper exits.
// Uses pure-Go SQLite (modernc.org/sqlite), no cgo required.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Event names.
const (
	EventStart        = "start"
	EventStop         = "stop"
	EventLaunched     = "helper-launched"
	EventLaunchFailed = "launch-failed"
	EventHelperExit   = "helper-exit"
	EventShutdown     = "shutdown"
)

// timeLayout is fixed-width so stored times sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Entry is one journal row.
type Entry struct {
	ID        int64     `json:"id"`
	Time      time.Time `json:"time"`
	SessionID string    `json:"session_id"`
	Event     string    `json:"event"`
	Mode      string    `json:"mode,omitempty"`
	Pid       int       `json:"pid,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// DB wraps the journal database.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the journal at path.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	j := &DB{db: db}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return j, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate() error {
	_, err := d.db.Exec(`
		CREATE TABLE IF NOT EXISTS entries (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			at         TEXT NOT NULL,
			session_id TEXT NOT NULL,
			event      TEXT NOT NULL,
			mode       TEXT NOT NULL DEFAULT '',
			pid        INTEGER NOT NULL DEFAULT 0,
			detail     TEXT NOT NULL DEFAULT ''
		)
	`)
	if err != nil {
		return err
	}
	_, err = d.db.Exec(`CREATE INDEX IF NOT EXISTS entries_session ON entries(session_id, id)`)
	return err
}

// Record appends e. A zero Time means now.
func (d *DB) Record(ctx context.Context, e Entry) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO entries (at, session_id, event, mode, pid, detail)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.Time.UTC().Format(timeLayout), e.SessionID, e.Event, e.Mode, e.Pid, e.Detail)
	if err != nil {
		return fmt.Errorf("record %s for %s: %w", e.Event, e.SessionID, err)
	}
	return nil
}

// Query selects journal entries. Zero fields match everything.
type Query struct {
	SessionID string
	Since     time.Time
	Limit     int // most recent N; 0 means 100
}

// List returns matching entries, oldest first.
func (d *DB) List(ctx context.Context, q Query) ([]Entry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	since := ""
	if !q.Since.IsZero() {
		since = q.Since.UTC().Format(timeLayout)
	}

	rows, err := d.db.QueryContext(ctx, `
		SELECT id, at, session_id, event, mode, pid, detail FROM (
			SELECT * FROM entries
			WHERE (? = '' OR session_id = ? COLLATE NOCASE)
			  AND (? = '' OR at > ?)
			ORDER BY id DESC
			LIMIT ?
		) ORDER BY id ASC
	`, q.SessionID, q.SessionID, since, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Entry
	for rows.Next() {
		var e Entry
		var at string
		if err := rows.Scan(&e.ID, &at, &e.SessionID, &e.Event, &e.Mode, &e.Pid, &e.Detail); err != nil {
			return nil, err
		}
		e.Time, _ = time.Parse(timeLayout, at)
		result = append(result, e)
	}
	return result, rows.Err()
}

// Prune deletes entries older than before and returns how many went.
func (d *DB) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := d.db.ExecContext(ctx, `DELETE FROM entries WHERE at < ?`,
		before.UTC().Format(timeLayout))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
