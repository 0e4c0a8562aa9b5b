package relay

import (
	"sync"
	"time"

	"github.com/lukasbauer/meetrelay/internal/stt"
)

// session binds one backend connector to at most one subscriber sink. The
// connector is exclusively owned and lives exactly as long as the session;
// the sink is a weak reference the session only forwards to while present.
type session struct {
	id        string
	params    stt.Params
	client    stt.Client
	createdAt time.Time

	mu         sync.Mutex
	sink       Sink
	lastActive time.Time

	// Counters for the admin surface. Guarded by mu.
	chunks     int64
	chunkBytes int64
	delivered  int64
	dropped    int64

	terminateOnce sync.Once
}

func (s *session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now().UTC()
	s.mu.Unlock()
}

// currentSink returns the attached sink, or nil when no subscriber is
// listening.
func (s *session) currentSink() Sink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink
}

// attach replaces the current sink and returns the one it displaced, if any.
// The connected ack is delivered while mu is still held: the pump reads the
// sink under the same lock, so no backend event can reach the new sink before
// the ack. Deliver is non-blocking by contract, so holding mu across it is
// safe.
func (s *session) attach(sink Sink) Sink {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.sink
	s.sink = sink
	s.lastActive = time.Now().UTC()
	sink.Deliver(connectedPayload(s.id))
	return old
}

// detach clears the sink slot, but only if the given sink is still the
// current one. A sink replaced by a later subscriber must not detach its
// successor.
func (s *session) detach(sink Sink) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sink != sink {
		return false
	}
	s.sink = nil
	s.lastActive = time.Now().UTC()
	return true
}

// terminate closes the backend link and ends the sink. Idempotent; the
// registry entry is removed by the caller.
func (s *session) terminate() {
	s.terminateOnce.Do(func() {
		_ = s.client.Close()
		if sink := s.currentSink(); sink != nil {
			sink.End()
		}
	})
}

// SessionInfo is a point-in-time descriptor of an active session, exposed on
// the admin surface.
type SessionInfo struct {
	ID         string     `json:"id"`
	Params     stt.Params `json:"params"`
	CreatedAt  time.Time  `json:"created_at"`
	LastActive time.Time  `json:"last_active"`
	Subscribed bool       `json:"subscribed"`
	Chunks     int64      `json:"chunks"`
	ChunkBytes int64      `json:"chunk_bytes"`
	Delivered  int64      `json:"events_delivered"`
	Dropped    int64      `json:"events_dropped"`
}

func (s *session) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:         s.id,
		Params:     s.params,
		CreatedAt:  s.createdAt,
		LastActive: s.lastActive,
		Subscribed: s.sink != nil,
		Chunks:     s.chunks,
		ChunkBytes: s.chunkBytes,
		Delivered:  s.delivered,
		Dropped:    s.dropped,
	}
}
