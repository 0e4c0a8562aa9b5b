package relay

import "errors"

var (
	// ErrBackendUnavailable means the streaming backend could not be reached
	// when creating a session. Surfaced to the create caller, never retried
	// internally.
	ErrBackendUnavailable = errors.New("relay: backend unavailable")

	// ErrSessionNotFound means the session id is unknown or already closed.
	ErrSessionNotFound = errors.New("relay: session not found")

	// ErrConnectorNotReady means the session exists but its backend link is
	// no longer writable. The failed chunk is not buffered or replayed.
	ErrConnectorNotReady = errors.New("relay: connector not ready")

	// ErrDraining means the relay is shutting down and rejects new sessions.
	ErrDraining = errors.New("relay: shutting down")
)
