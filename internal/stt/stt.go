package stt

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrClosed is returned by Send after the client has been closed.
var ErrClosed = errors.New("stt: client closed")

// EventType is the discriminator AssemblyAI puts on every streaming message.
type EventType string

const (
	EventBegin       EventType = "Begin"
	EventTurn        EventType = "Turn"
	EventTermination EventType = "Termination"
)

// Event is one decoded message from the streaming backend. Raw preserves the
// exact payload so it can be passed through to subscribers unmodified; the
// parsed fields exist for logging and transcript recording only.
type Event struct {
	Type EventType
	Raw  json.RawMessage

	// Turn fields (zero for Begin/Termination events)
	Transcript string
	EndOfTurn  bool
	Formatted  bool
	Speaker    string
}

// Params are the recognition options for one streaming session. They are
// captured once at session creation and never change afterwards.
type Params struct {
	SampleRate       int  `json:"sample_rate"`
	Punctuate        bool `json:"punctuate"`
	FormatText       bool `json:"format_text"`
	FormatTurns      bool `json:"format_turns"`
	Disfluencies     bool `json:"disfluencies"`
	SpeakerLabels    bool `json:"speaker_labels"`
	SpeakersExpected int  `json:"speakers_expected,omitempty"`
}

// Client defines the interface for streaming speech-to-text providers.
type Client interface {
	// Send forwards raw audio bytes to the backend as one atomic frame.
	// It is fire-and-forget: no backend acknowledgment is awaited.
	Send(ctx context.Context, audio []byte) error

	// Events returns the channel carrying decoded backend messages in the
	// order the backend emitted them. The channel is closed when the backend
	// link terminates, for any reason.
	Events() <-chan Event

	// Errors returns the channel carrying the terminal read error, if any.
	Errors() <-chan error

	// Close terminates the backend link. Safe to call more than once.
	Close() error
}
