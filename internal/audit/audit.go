// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
//
// Package audit persists a SQLite-backed trail of ingest and search
// activity: who did what, when, against which user scope.
package audit

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Action names one kind of audited event.
type Action string

const (
	ActionSearch Action = "SEARCH"
	ActionIngest Action = "INGEST"
)

// Entry is one row of the audit trail.
type Entry struct {
	ID        int64
	Timestamp time.Time
	UserID    string
	Action    Action
	Details   string
}

// Store persists audit entries to a SQLite database file.
type Store struct {
	db *sql.DB
}

// Open creates (if needed) and opens the SQLite audit database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("audit: create dir %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: init schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS audit_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
		user_id TEXT NOT NULL,
		action TEXT NOT NULL,
		details TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_logs_timestamp ON audit_logs(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_action ON audit_logs(action);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_user_id ON audit_logs(user_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Log records one audited event. userID is the caller's identity; it
// scopes GetRecent the same way every other read in this service scopes
// by owner.
func (s *Store) Log(userID string, action Action, details string) error {
	_, err := s.db.Exec(
		"INSERT INTO audit_logs (timestamp, user_id, action, details) VALUES (?, ?, ?, ?)",
		time.Now(), userID, string(action), details,
	)
	return err
}

// GetRecent returns up to limit entries, most recent first. An empty
// userID returns entries across all users (operator/admin view); a
// non-empty userID scopes to that user only. An empty actionFilter
// returns all action kinds.
func (s *Store) GetRecent(limit int, actionFilter Action, userID string) ([]Entry, error) {
	query, args := buildRecentQuery(limit, actionFilter, userID)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query recent: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var action string
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.UserID, &action, &e.Details); err != nil {
			return nil, fmt.Errorf("audit: scan row: %w", err)
		}
		e.Action = Action(action)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func buildRecentQuery(limit int, actionFilter Action, userID string) (string, []interface{}) {
	const cols = "id, timestamp, user_id, action, details"
	switch {
	case userID != "" && actionFilter != "":
		return fmt.Sprintf("SELECT %s FROM audit_logs WHERE user_id = ? AND action = ? ORDER BY timestamp DESC LIMIT ?", cols),
			[]interface{}{userID, string(actionFilter), limit}
	case userID != "":
		return fmt.Sprintf("SELECT %s FROM audit_logs WHERE user_id = ? ORDER BY timestamp DESC LIMIT ?", cols),
			[]interface{}{userID, limit}
	case actionFilter != "":
		return fmt.Sprintf("SELECT %s FROM audit_logs WHERE action = ? ORDER BY timestamp DESC LIMIT ?", cols),
			[]interface{}{string(actionFilter), limit}
	default:
		return fmt.Sprintf("SELECT %s FROM audit_logs ORDER BY timestamp DESC LIMIT ?", cols),
			[]interface{}{limit}
	}
}
