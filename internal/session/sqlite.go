package session

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteManager stores sessions in a local SQLite database.
type SQLiteManager struct {
	db *sql.DB
}

// NewSQLiteManager opens (and initializes) the session database.
func NewSQLiteManager(path string) (*SQLiteManager, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	m := &SQLiteManager{db: db}
	if err := m.init(); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

// Close closes the database connection.
func (m *SQLiteManager) Close() error {
	return m.db.Close()
}

func (m *SQLiteManager) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		request TEXT NOT NULL,
		route TEXT NOT NULL,
		status TEXT NOT NULL,
		result TEXT,
		error TEXT,
		calls INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		type TEXT NOT NULL,
		tool TEXT,
		input TEXT,
		content TEXT,
		error TEXT,
		duration_ms INTEGER,
		timestamp DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id);
	`

	if _, err := m.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Create starts a new session record.
func (m *SQLiteManager) Create(request, route string) (*Session, error) {
	now := time.Now()
	sess := &Session{
		ID:        generateID(),
		Request:   request,
		Route:     route,
		Status:    StatusRunning,
		Events:    []Event{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.save(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Update persists a modified session.
func (m *SQLiteManager) Update(sess *Session) error {
	sess.UpdatedAt = time.Now()
	return m.save(sess)
}

// save upserts the session row and replaces its events wholesale.
func (m *SQLiteManager) save(sess *Session) error {
	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO sessions (id, request, route, status, result, error, calls, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			result = excluded.result,
			error = excluded.error,
			calls = excluded.calls,
			updated_at = excluded.updated_at
	`, sess.ID, sess.Request, sess.Route, sess.Status, sess.Result, sess.Error,
		sess.Calls, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	if _, err := tx.Exec("DELETE FROM events WHERE session_id = ?", sess.ID); err != nil {
		return fmt.Errorf("failed to delete events: %w", err)
	}

	for _, event := range sess.Events {
		inputJSON, _ := json.Marshal(event.Input)
		_, err = tx.Exec(`
			INSERT INTO events (session_id, type, tool, input, content, error, duration_ms, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, sess.ID, event.Type, event.Tool, string(inputJSON), event.Content,
			event.Error, event.DurationMs, event.Timestamp)
		if err != nil {
			return fmt.Errorf("failed to save event: %w", err)
		}
	}

	return tx.Commit()
}

// Get loads a session with its events.
func (m *SQLiteManager) Get(id string) (*Session, error) {
	row := m.db.QueryRow(`
		SELECT id, request, route, status, result, error, calls, created_at, updated_at
		FROM sessions WHERE id = ?
	`, id)

	sess, err := scanSession(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("session not found: %s", id)
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	rows, err := m.db.Query(`
		SELECT type, tool, input, content, error, duration_ms, timestamp
		FROM events WHERE session_id = ? ORDER BY id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	defer rows.Close()

	sess.Events = []Event{}
	for rows.Next() {
		var event Event
		var tool, inputJSON, content, eventError sql.NullString
		var durationMs sql.NullInt64
		if err := rows.Scan(&event.Type, &tool, &inputJSON, &content, &eventError, &durationMs, &event.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.Tool = tool.String
		event.Content = content.String
		event.Error = eventError.String
		event.DurationMs = durationMs.Int64
		if inputJSON.Valid && inputJSON.String != "" && inputJSON.String != "null" {
			json.Unmarshal([]byte(inputJSON.String), &event.Input)
		}
		sess.Events = append(sess.Events, event)
	}

	return sess, rows.Err()
}

// Recent returns the newest sessions without their events.
func (m *SQLiteManager) Recent(limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := m.db.Query(`
		SELECT id, request, route, status, result, error, calls, created_at, updated_at
		FROM sessions ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var result, sessError sql.NullString
	err := row.Scan(&sess.ID, &sess.Request, &sess.Route, &sess.Status,
		&result, &sessError, &sess.Calls, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sess.Result = result.String
	sess.Error = sessError.String
	return &sess, nil
}
