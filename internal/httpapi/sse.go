package httpapi

import "sync"

// sseSink queues event payloads for one Server-Sent Events subscriber. The
// fan-out delivers into the buffered channel without ever blocking; a
// subscriber that cannot drain the buffer loses events rather than stalling
// the backend read loop.
type sseSink struct {
	ch      chan []byte
	done    chan struct{}
	endOnce sync.Once
}

func newSSESink(buffer int) *sseSink {
	return &sseSink{
		ch:   make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

// Deliver implements relay.Sink. Non-blocking by contract.
func (s *sseSink) Deliver(payload []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.ch <- payload:
		return true
	default:
		return false
	}
}

// End implements relay.Sink. Safe to call more than once.
func (s *sseSink) End() {
	s.endOnce.Do(func() { close(s.done) })
}
