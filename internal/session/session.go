// Package session records assistant runs to a local SQLite database so
// past activity can be queried from the CLI.
package session

import (
	"time"

	"github.com/google/uuid"
)

// Status values for a session.
const (
	StatusRunning  = "running"
	StatusFinished = "finished"
	StatusFailed   = "failed"
)

// Event is one notable moment within a session.
type Event struct {
	Type       string                 `json:"type"` // decision, tool, override, finish
	Tool       string                 `json:"tool,omitempty"`
	Input      map[string]interface{} `json:"input,omitempty"`
	Content    string                 `json:"content,omitempty"`
	Error      string                 `json:"error,omitempty"`
	DurationMs int64                  `json:"duration_ms,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Session is one assistant run: the request, how it was routed, and what
// came out the other end.
type Session struct {
	ID        string    `json:"id"`
	Request   string    `json:"request"`
	Route     string    `json:"route"`
	Status    string    `json:"status"`
	Result    string    `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	Calls     int       `json:"calls"`
	Events    []Event   `json:"events"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AddEvent appends an event stamped with the current time.
func (s *Session) AddEvent(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	s.Events = append(s.Events, event)
}

// Manager persists sessions.
type Manager interface {
	Create(request, route string) (*Session, error)
	Update(sess *Session) error
	Get(id string) (*Session, error)
	Recent(limit int) ([]*Session, error)
	Close() error
}

func generateID() string {
	return uuid.NewString()
}
