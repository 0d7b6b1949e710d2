// Package db persists dispatch outcomes and the poller's scan cursor in a
// local sqlite database.
package db

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the sqlite handle with the bridge's persistence operations.
type DB struct {
	*sql.DB
}

// OpenDB opens the sqlite database at path without touching the schema. The
// migrate subcommand uses this so migrations fully own schema changes.
func OpenDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	return &DB{db}, nil
}

// NewDB opens (creating if needed) the sqlite database at path and ensures
// the base schema exists.
func NewDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS dispatches (
			dispatch_id       TEXT PRIMARY KEY,
			source            TEXT,
			command           TEXT,
			subject_id        TEXT,
			actor             TEXT,
			amount            TEXT,
			success           INTEGER,
			error             TEXT,
			timestamp         TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS scan_cursor (
			id                INTEGER PRIMARY KEY CHECK (id = 1),
			position          BIGINT NOT NULL,
			updated_at        TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		return nil, err
	}

	return &DB{db}, nil
}

// Dispatch is one recorded command dispatch, from either the ledger poller
// or the HTTP facade.
type Dispatch struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Command   string    `json:"command"`
	SubjectID string    `json:"subject_id,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	Amount    string    `json:"amount,omitempty"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// RecordDispatch inserts one dispatch outcome.
func (db *DB) RecordDispatch(d Dispatch) error {
	_, err := db.Exec(
		`INSERT INTO dispatches (
			dispatch_id, source, command, subject_id, actor, amount, success, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Source, d.Command, d.SubjectID, d.Actor, d.Amount, d.Success, d.Error,
	)
	if err != nil {
		return fmt.Errorf("record dispatch: %w", err)
	}
	return nil
}

// Dispatches returns the most recent dispatches, newest first.
func (db *DB) Dispatches(limit int) ([]Dispatch, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(
		`SELECT dispatch_id, source, command, subject_id, actor, amount, success, error, timestamp
		 FROM dispatches ORDER BY timestamp DESC, dispatch_id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Dispatch
	for rows.Next() {
		var d Dispatch
		var success int
		if err := rows.Scan(&d.ID, &d.Source, &d.Command, &d.SubjectID, &d.Actor, &d.Amount, &success, &d.Error, &d.Timestamp); err != nil {
			return nil, err
		}
		d.Success = success != 0
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// SaveCursor checkpoints the poller's scan position.
func (db *DB) SaveCursor(position uint64) error {
	_, err := db.Exec(
		`INSERT INTO scan_cursor (id, position, updated_at) VALUES (1, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(id) DO UPDATE SET position = excluded.position, updated_at = CURRENT_TIMESTAMP`,
		int64(position),
	)
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

// Cursor returns the checkpointed scan position, or found=false if no
// checkpoint has been written yet.
func (db *DB) Cursor() (position uint64, found bool, err error) {
	var pos int64
	err = db.QueryRow(`SELECT position FROM scan_cursor WHERE id = 1`).Scan(&pos)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return uint64(pos), true, nil
}
