package httpapi

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/lukasbauer/meetrelay/internal/metrics"
	"github.com/lukasbauer/meetrelay/internal/relay"
	"github.com/lukasbauer/meetrelay/internal/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type RouterConfig struct {
	// Default recognition settings applied when create-connection omits them.
	DefaultSampleRate int

	// Subscriber stream buffering: events queued per SSE client before the
	// fan-out starts dropping.
	SubscriberBuffer int

	// Client authentication. When JWTSecret is empty the relay is open, which
	// matches the original deployment behind a local extension.
	ClientAPIKey string
	JWTSecret    string
	JWTExpiry    time.Duration
}

type Router struct {
	cfg     RouterConfig
	logger  *log.Logger
	relay   *relay.Relay
	store   *store.Store
	metrics *metrics.Metrics
	mux     *http.ServeMux
}

func NewRouter(cfg RouterConfig, logger *log.Logger, rl *relay.Relay, s *store.Store, m *metrics.Metrics) http.Handler {
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 64
	}
	if cfg.JWTExpiry == 0 {
		cfg.JWTExpiry = 24 * time.Hour
	}

	r := &Router{
		cfg:     cfg,
		logger:  logger,
		relay:   rl,
		store:   s,
		metrics: m,
		mux:     http.NewServeMux(),
	}

	r.routes()
	return withSentryRecovery(withCORS(r.mux))
}

func (r *Router) routes() {
	// Health and liveness (public)
	r.mux.HandleFunc("GET /health", r.handleHealth)
	r.mux.HandleFunc("GET /test", r.handleTest)
	r.mux.Handle("GET /metrics", promhttp.Handler())

	// Auth (public; answers 503 when token auth is not configured)
	r.mux.HandleFunc("POST /auth/token", r.handleToken)

	// Session relay endpoints
	r.mux.HandleFunc("POST /create-connection", r.withAuth(r.instrument("create-connection", r.handleCreateConnection)))
	r.mux.HandleFunc("POST /send-audio/{connectionId}", r.withAuth(r.instrument("send-audio", r.handleSendAudio)))
	r.mux.HandleFunc("GET /events/{connectionId}", r.withAuth(r.handleEvents))
	r.mux.HandleFunc("DELETE /close-connection/{connectionId}", r.withAuth(r.instrument("close-connection", r.handleCloseConnection)))

	// Admin endpoints (same auth as the session surface)
	r.mux.HandleFunc("GET /admin/sessions", r.withAuth(r.handleAdminListSessions))
	r.mux.HandleFunc("GET /admin/sessions/{connectionId}/transcript", r.withAuth(r.handleAdminGetTranscript))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization,Cache-Control")
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// captureError sends an error to Sentry with request context
func captureError(req *http.Request, err error, msg string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(req)
		scope.SetExtra("message", msg)
		sentry.CaptureException(err)
	})
}

// statusRecorder captures the response status for request metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

// instrument records request count and duration under a fixed endpoint label.
// The SSE endpoint is not instrumented this way since its requests are
// long-lived by design.
func (r *Router) instrument(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.metrics == nil {
			next(w, req)
			return
		}
		start := time.Now()
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(sr, req)
		r.metrics.RecordHTTPRequest(req.Method, endpoint, strconv.Itoa(sr.status), time.Since(start).Seconds())
	}
}
