package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lukasbauer/meetrelay/internal/stt"
)

// Store persists sessions and their transcripts. Persistence is optional:
// the service runs without a database, it just keeps no history.
//
// Migrations are applied externally (see migrations/); there is no automatic
// migration runner at startup.
type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Session is one recorded relay session.
type Session struct {
	ID        string     `json:"id"`
	Params    stt.Params `json:"params"`
	CreatedAt time.Time  `json:"created_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
	EndReason *string    `json:"end_reason,omitempty"`
}

// Turn is one finalized transcription turn of a session.
type Turn struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Sequence   int       `json:"sequence"`
	Transcript string    `json:"transcript"`
	Speaker    string    `json:"speaker,omitempty"`
	Formatted  bool      `json:"formatted"`
	CreatedAt  time.Time `json:"created_at"`
}

// RecordSession records a newly created session with its immutable
// recognition parameters. Implements relay.Recorder.
func (s *Store) RecordSession(ctx context.Context, id string, params stt.Params) error {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO sessions (id, params, created_at)
		VALUES ($1, $2, now())
	`, id, paramsJSON)
	return err
}

// RecordSessionEnd stamps a session's end time and reason. Ending a session
// that was never recorded is not an error.
func (s *Store) RecordSessionEnd(ctx context.Context, id, reason string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE sessions
		SET closed_at = now(), end_reason = $2
		WHERE id = $1 AND closed_at IS NULL
	`, id, reason)
	return err
}

// RecordTurn persists one finalized turn.
func (s *Store) RecordTurn(ctx context.Context, sessionID, transcript, speaker string, formatted bool, sequence int) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO session_turns (session_id, sequence, transcript, speaker, formatted)
		VALUES ($1, $2, $3, $4, $5)
	`, sessionID, sequence, transcript, speaker, formatted)
	return err
}

// ListTurns returns a session's finalized turns in sequence order.
func (s *Store) ListTurns(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, session_id, sequence, transcript, speaker, formatted, created_at
		FROM session_turns
		WHERE session_id = $1
		ORDER BY sequence ASC
		LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Sequence, &t.Transcript, &t.Speaker, &t.Formatted, &t.CreatedAt); err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// GetSession returns one recorded session.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	var (
		sess       Session
		paramsJSON []byte
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, params, created_at, closed_at, end_reason
		FROM sessions
		WHERE id = $1
	`, id).Scan(&sess.ID, &paramsJSON, &sess.CreatedAt, &sess.ClosedAt, &sess.EndReason)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(paramsJSON, &sess.Params); err != nil {
		return nil, err
	}
	return &sess, nil
}
