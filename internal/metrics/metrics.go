package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the relay service
type Metrics struct {
	// Session metrics
	ActiveSessions  prometheus.Gauge
	SessionsCreated prometheus.Counter
	SessionsClosed  prometheus.Counter
	SessionsReaped  prometheus.Counter

	// Audio ingest metrics
	ChunksForwarded prometheus.Counter
	BytesForwarded  prometheus.Counter

	// Fan-out metrics
	BackendEvents   *prometheus.CounterVec
	EventsDelivered prometheus.Counter
	EventsDropped   prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates all relay metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in production; tests use a fresh registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_sessions",
			Help: "Current number of registered sessions",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_sessions_created_total",
			Help: "Total number of sessions created",
		}),
		SessionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_sessions_closed_total",
			Help: "Total number of sessions closed, by client, backend or reaper",
		}),
		SessionsReaped: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_sessions_reaped_total",
			Help: "Total number of idle sessions closed by the reaper",
		}),

		ChunksForwarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_audio_chunks_forwarded_total",
			Help: "Total number of audio chunks forwarded to the backend",
		}),
		BytesForwarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_audio_bytes_forwarded_total",
			Help: "Total audio payload bytes forwarded to the backend",
		}),

		BackendEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_backend_events_total",
			Help: "Total number of events received from the backend",
		}, []string{"type"}),
		EventsDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_events_delivered_total",
			Help: "Total number of events delivered to subscribers",
		}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_events_dropped_total",
			Help: "Total number of events dropped for absent or slow subscribers",
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// SetActiveSessions sets the current number of registered sessions
func (m *Metrics) SetActiveSessions(count int) {
	m.ActiveSessions.Set(float64(count))
}

// RecordSessionCreated increments the sessions created counter
func (m *Metrics) RecordSessionCreated() {
	m.SessionsCreated.Inc()
}

// RecordSessionClosed increments the sessions closed counter
func (m *Metrics) RecordSessionClosed() {
	m.SessionsClosed.Inc()
}

// RecordSessionReaped increments the reaped sessions counter
func (m *Metrics) RecordSessionReaped() {
	m.SessionsReaped.Inc()
}

// RecordChunkForwarded records one forwarded audio chunk
func (m *Metrics) RecordChunkForwarded(sizeBytes int) {
	m.ChunksForwarded.Inc()
	m.BytesForwarded.Add(float64(sizeBytes))
}

// RecordBackendEvent increments the backend event counter for a message type
func (m *Metrics) RecordBackendEvent(eventType string) {
	m.BackendEvents.WithLabelValues(eventType).Inc()
}

// RecordEventDelivered increments the delivered events counter
func (m *Metrics) RecordEventDelivered() {
	m.EventsDelivered.Inc()
}

// RecordEventDropped increments the dropped events counter
func (m *Metrics) RecordEventDropped() {
	m.EventsDropped.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}
