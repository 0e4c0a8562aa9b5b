package eventlog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EventType represents the type of session lifecycle event
type EventType string

const (
	EventSessionCreated     EventType = "session_created"
	EventSubscriberAttached EventType = "subscriber_attached"
	EventSubscriberReplaced EventType = "subscriber_replaced"
	EventSubscriberDetached EventType = "subscriber_detached"
	EventBackendClosed      EventType = "backend_closed"
	EventSessionClosed      EventType = "session_closed"
	EventSessionReaped      EventType = "session_reaped"
)

// Logger provides best-effort event logging to the database. A nil Logger,
// or one constructed with a nil pool, silently discards events so callers
// never have to branch on whether persistence is configured.
type Logger struct {
	db *pgxpool.Pool
}

// New creates a new event logger
func New(db *pgxpool.Pool) *Logger {
	return &Logger{db: db}
}

// Log writes an event to the database synchronously
func (l *Logger) Log(ctx context.Context, sessionID string, eventType EventType, data map[string]any) error {
	if l == nil || l.db == nil || sessionID == "" {
		return nil
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		dataJSON = []byte("{}")
	}

	_, err = l.db.Exec(ctx, `
		INSERT INTO session_events (session_id, event_type, event_data)
		VALUES ($1, $2, $3)
	`, sessionID, string(eventType), dataJSON)

	return err
}

// LogAsync logs an event without blocking the caller
func (l *Logger) LogAsync(sessionID string, eventType EventType, data map[string]any) {
	if l == nil || l.db == nil || sessionID == "" {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.Log(ctx, sessionID, eventType, data)
	}()
}
