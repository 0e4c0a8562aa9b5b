package eventlog

import (
	"context"
	"testing"
)

func TestNilLoggerDiscardsEvents(t *testing.T) {
	var l *Logger

	if err := l.Log(context.Background(), "session-1", EventSessionCreated, nil); err != nil {
		t.Errorf("nil Logger Log = %v, want nil", err)
	}
	l.LogAsync("session-1", EventSessionClosed, map[string]any{"reason": "client_closed"})
}

func TestLoggerWithoutPoolDiscardsEvents(t *testing.T) {
	l := New(nil)

	if err := l.Log(context.Background(), "session-1", EventSessionCreated, nil); err != nil {
		t.Errorf("Log without pool = %v, want nil", err)
	}
	l.LogAsync("session-1", EventSubscriberAttached, nil)
}

func TestEmptySessionIDDiscarded(t *testing.T) {
	l := New(nil)

	if err := l.Log(context.Background(), "", EventSessionCreated, nil); err != nil {
		t.Errorf("Log with empty session id = %v, want nil", err)
	}
}
