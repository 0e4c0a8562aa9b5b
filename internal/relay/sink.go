package relay

import "encoding/json"

// Sink is the one-way push target for a session's event stream. At most one
// sink is attached to a session at a time; attaching a new one replaces the
// old.
//
// Deliver must not block: a sink that cannot accept an event immediately
// reports false and the event is dropped. There is no replay for a sink that
// attaches late or falls behind.
type Sink interface {
	// Deliver hands one event payload to the subscriber. It reports whether
	// the payload was accepted.
	Deliver(payload []byte) bool

	// End signals that no further events will arrive for this session.
	// Safe to call more than once.
	End()
}

// connectedEvent is the acknowledgment delivered to a sink immediately on
// attach, before any backend-originated event, so the subscriber can confirm
// which session it is bound to.
type connectedEvent struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
}

func connectedPayload(sessionID string) []byte {
	payload, _ := json.Marshal(connectedEvent{Type: "connected", ConnectionID: sessionID})
	return payload
}
