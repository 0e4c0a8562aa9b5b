package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSessionCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordSessionCreated()
	m.RecordSessionCreated()
	m.RecordSessionClosed()
	m.RecordSessionReaped()
	m.SetActiveSessions(1)

	if got := testutil.ToFloat64(m.SessionsCreated); got != 2 {
		t.Errorf("SessionsCreated = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.SessionsClosed); got != 1 {
		t.Errorf("SessionsClosed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SessionsReaped); got != 1 {
		t.Errorf("SessionsReaped = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ActiveSessions); got != 1 {
		t.Errorf("ActiveSessions = %v, want 1", got)
	}
}

func TestAudioCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordChunkForwarded(3200)
	m.RecordChunkForwarded(1600)

	if got := testutil.ToFloat64(m.ChunksForwarded); got != 2 {
		t.Errorf("ChunksForwarded = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.BytesForwarded); got != 4800 {
		t.Errorf("BytesForwarded = %v, want 4800", got)
	}
}

func TestFanOutCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordBackendEvent("Turn")
	m.RecordBackendEvent("Turn")
	m.RecordBackendEvent("Begin")
	m.RecordEventDelivered()
	m.RecordEventDropped()

	if got := testutil.ToFloat64(m.BackendEvents.WithLabelValues("Turn")); got != 2 {
		t.Errorf("BackendEvents{Turn} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.BackendEvents.WithLabelValues("Begin")); got != 1 {
		t.Errorf("BackendEvents{Begin} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.EventsDelivered); got != 1 {
		t.Errorf("EventsDelivered = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.EventsDropped); got != 1 {
		t.Errorf("EventsDropped = %v, want 1", got)
	}
}

func TestHTTPRequestMetrics(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordHTTPRequest("POST", "send-audio", "200", 0.01)
	m.RecordHTTPRequest("POST", "send-audio", "200", 0.02)
	m.RecordHTTPRequest("POST", "send-audio", "404", 0.001)

	if got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("POST", "send-audio", "200")); got != 2 {
		t.Errorf("HTTPRequests{200} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("POST", "send-audio", "404")); got != 1 {
		t.Errorf("HTTPRequests{404} = %v, want 1", got)
	}
}
