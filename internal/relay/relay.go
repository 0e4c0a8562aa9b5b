package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lukasbauer/meetrelay/internal/eventlog"
	"github.com/lukasbauer/meetrelay/internal/metrics"
	"github.com/lukasbauer/meetrelay/internal/stt"
)

// ConnectFunc opens a backend streaming connection for one session. The
// default implementation dials AssemblyAI; tests inject fakes.
type ConnectFunc func(ctx context.Context, params stt.Params) (stt.Client, error)

// Recorder persists session history: one row per session plus its finalized
// transcription turns. A nil recorder disables persistence entirely.
type Recorder interface {
	RecordSession(ctx context.Context, sessionID string, params stt.Params) error
	RecordSessionEnd(ctx context.Context, sessionID, reason string) error
	RecordTurn(ctx context.Context, sessionID, transcript, speaker string, formatted bool, sequence int) error
}

// Session end reasons handed to the Recorder.
const (
	EndReasonClient  = "client_closed"
	EndReasonBackend = "backend_closed"
	EndReasonIdle    = "idle_reaped"
	EndReasonDrain   = "shutdown"
)

// Config holds the relay's tuning knobs.
type Config struct {
	// APIKey authenticates against the streaming backend.
	APIKey string

	// StreamURL overrides the backend endpoint (used by tests).
	StreamURL string

	// IdleTimeout closes sessions that have had no audio, no backend event
	// and no subscriber for this long. Zero disables the reaper.
	IdleTimeout time.Duration

	// ReapInterval is how often the reaper scans for idle sessions.
	// Defaults to 1 minute.
	ReapInterval time.Duration

	// Connect overrides how backend connections are opened. When nil the
	// relay dials the streaming backend directly.
	Connect ConnectFunc
}

// Relay owns the process-wide session registry and ties connectors to
// subscriber sinks. It is constructed at process start and drained at
// shutdown; there is no package-level state.
type Relay struct {
	cfg      Config
	logger   *log.Logger
	connect  ConnectFunc
	recorder Recorder
	eventLog *eventlog.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*session
	draining bool
	wg       sync.WaitGroup

	reapStop chan struct{}
	reapWG   sync.WaitGroup
	reapOnce sync.Once
}

// New creates a Relay. recorder, eventLog and m may be nil.
func New(cfg Config, logger *log.Logger, recorder Recorder, eventLog *eventlog.Logger, m *metrics.Metrics) *Relay {
	if cfg.ReapInterval == 0 {
		cfg.ReapInterval = time.Minute
	}
	r := &Relay{
		cfg:      cfg,
		logger:   logger,
		connect:  cfg.Connect,
		recorder: recorder,
		eventLog: eventLog,
		metrics:  m,
		sessions: make(map[string]*session),
		reapStop: make(chan struct{}),
	}
	if r.connect == nil {
		r.connect = func(ctx context.Context, params stt.Params) (stt.Client, error) {
			return stt.NewAssemblyAIClient(ctx, stt.AssemblyAIConfig{
				APIKey: cfg.APIKey,
				URL:    cfg.StreamURL,
				Params: params,
				Logger: logger,
			})
		}
	}
	return r
}

// CreateSession opens a backend connection with the given parameters and
// registers it under a fresh session id. The session is registered only
// after the backend link is confirmed open, so a returned id is always
// immediately usable.
func (r *Relay) CreateSession(ctx context.Context, params stt.Params) (string, error) {
	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		return "", ErrDraining
	}
	r.mu.Unlock()

	client, err := r.connect(ctx, params)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	now := time.Now().UTC()
	s := &session{
		id:         uuid.NewString(),
		params:     params,
		client:     client,
		createdAt:  now,
		lastActive: now,
	}

	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		_ = client.Close()
		return "", ErrDraining
	}
	r.sessions[s.id] = s
	active := len(r.sessions)
	r.wg.Add(1)
	r.mu.Unlock()

	go r.pump(s)

	r.logger.Printf("relay: session %s created (sample_rate=%d speaker_labels=%t)",
		s.id, params.SampleRate, params.SpeakerLabels)
	r.eventLog.LogAsync(s.id, eventlog.EventSessionCreated, map[string]any{
		"sample_rate":    params.SampleRate,
		"speaker_labels": params.SpeakerLabels,
	})
	if r.metrics != nil {
		r.metrics.RecordSessionCreated()
		r.metrics.SetActiveSessions(active)
	}
	if r.recorder != nil {
		recordCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.recorder.RecordSession(recordCtx, s.id, params); err != nil {
			r.logger.Printf("relay: session %s failed to record session: %v", s.id, err)
		}
	}

	return s.id, nil
}

// SendAudio forwards one audio chunk, verbatim and in receive order, to the
// session's backend link. Fire-and-forget: no backend acknowledgment is
// awaited and failed chunks are not buffered for replay.
func (r *Relay) SendAudio(ctx context.Context, id string, audio []byte) error {
	s := r.lookup(id)
	if s == nil {
		return ErrSessionNotFound
	}

	if err := s.client.Send(ctx, audio); err != nil {
		if errors.Is(err, stt.ErrClosed) {
			return ErrConnectorNotReady
		}
		return fmt.Errorf("forward audio: %w", err)
	}

	s.mu.Lock()
	s.chunks++
	s.chunkBytes += int64(len(audio))
	s.lastActive = time.Now().UTC()
	s.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordChunkForwarded(len(audio))
	}
	return nil
}

// Subscribe attaches a sink as the session's single subscriber, replacing
// any sink already attached. The new sink receives a connection
// acknowledgment carrying the session id before any backend event; attach
// delivers it under the session lock so the pump cannot slip an event in
// first.
func (r *Relay) Subscribe(id string, sink Sink) error {
	s := r.lookup(id)
	if s == nil {
		return ErrSessionNotFound
	}

	old := s.attach(sink)
	if old != nil && old != sink {
		// The displaced sink receives nothing further; ending it lets its
		// transport close out instead of idling forever.
		old.End()
		r.eventLog.LogAsync(id, eventlog.EventSubscriberReplaced, nil)
	} else {
		r.eventLog.LogAsync(id, eventlog.EventSubscriberAttached, nil)
	}

	return nil
}

// Unsubscribe releases the session's fan-out slot if sink is still the
// current subscriber. The session itself stays open; only an explicit close
// or backend closure ends it.
func (r *Relay) Unsubscribe(id string, sink Sink) {
	s := r.lookup(id)
	if s == nil {
		return
	}
	if s.detach(sink) {
		r.eventLog.LogAsync(id, eventlog.EventSubscriberDetached, nil)
	}
}

// CloseSession tears down a session: registry entry removed, backend link
// closed, sink ended. Idempotent: closing an unknown or already-closed id
// succeeds silently to simplify client shutdown races.
func (r *Relay) CloseSession(id string) {
	r.closeSession(id, EndReasonClient)
}

func (r *Relay) closeSession(id, reason string) {
	s, active := r.remove(id)
	if s == nil {
		return
	}
	s.terminate()
	r.logger.Printf("relay: session %s closed (%s)", id, reason)
	r.eventLog.LogAsync(id, eventlog.EventSessionClosed, map[string]any{"reason": reason})
	if r.metrics != nil {
		r.metrics.RecordSessionClosed()
		r.metrics.SetActiveSessions(active)
	}
	r.recordSessionEnd(id, reason)
}

func (r *Relay) recordSessionEnd(id, reason string) {
	if r.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.recorder.RecordSessionEnd(ctx, id, reason); err != nil {
		r.logger.Printf("relay: session %s failed to record end: %v", id, err)
	}
}

// pump forwards every backend event, in arrival order, to whichever sink is
// attached at delivery time. Delivery is single-goroutine per session, so
// ordering is inherent. It also handles backend-initiated closure.
func (r *Relay) pump(s *session) {
	defer r.wg.Done()

	turnSeq := 0
	for ev := range s.client.Events() {
		s.touch()
		if r.metrics != nil {
			r.metrics.RecordBackendEvent(string(ev.Type))
		}

		if ev.Type == stt.EventTurn && ev.EndOfTurn && ev.Transcript != "" {
			turnSeq++
			r.recordTurn(s.id, ev, turnSeq)
		}

		sink := s.currentSink()
		if sink == nil {
			// No subscriber attached: the event is dropped. Documented
			// no-op, not an error.
			continue
		}

		if sink.Deliver(ev.Raw) {
			s.mu.Lock()
			s.delivered++
			s.mu.Unlock()
			if r.metrics != nil {
				r.metrics.RecordEventDelivered()
			}
		} else {
			s.mu.Lock()
			s.dropped++
			dropped := s.dropped
			s.mu.Unlock()
			if r.metrics != nil {
				r.metrics.RecordEventDropped()
			}
			if dropped == 1 {
				r.logger.Printf("relay: session %s dropping events for slow subscriber", s.id)
			}
		}
	}

	// Events channel closed: the backend link is gone. Surface the read
	// error if there was one, then make sure the subscriber observes
	// completion rather than a silent stall.
	select {
	case err, ok := <-s.client.Errors():
		if ok && err != nil {
			r.logger.Printf("relay: session %s backend error: %v", s.id, err)
		}
	default:
	}

	if removed, active := r.remove(s.id); removed != nil {
		r.logger.Printf("relay: session %s closed by backend", s.id)
		r.eventLog.LogAsync(s.id, eventlog.EventBackendClosed, nil)
		if r.metrics != nil {
			r.metrics.RecordSessionClosed()
			r.metrics.SetActiveSessions(active)
		}
		r.recordSessionEnd(s.id, EndReasonBackend)
	}
	s.terminate()
}

func (r *Relay) recordTurn(sessionID string, ev stt.Event, seq int) {
	if r.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.recorder.RecordTurn(ctx, sessionID, ev.Transcript, ev.Speaker, ev.Formatted, seq); err != nil {
		r.logger.Printf("relay: session %s failed to record turn: %v", sessionID, err)
	}
}

func (r *Relay) lookup(id string) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

// remove deletes the registry entry and returns it together with the count
// of sessions left, taken inside the critical section so the active-sessions
// gauge never sees a stale count.
func (r *Relay) remove(id string) (*session, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, len(r.sessions)
	}
	delete(r.sessions, id)
	return s, len(r.sessions)
}

// ActiveCount returns the number of registered sessions.
func (r *Relay) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Draining reports whether the relay has begun shutting down.
func (r *Relay) Draining() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.draining
}

// Sessions returns point-in-time descriptors for all active sessions.
func (r *Relay) Sessions() []SessionInfo {
	r.mu.Lock()
	list := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.Unlock()

	infos := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		infos = append(infos, s.info())
	}
	return infos
}

// StartReaper begins the idle-session reaper. No-op when IdleTimeout is zero.
func (r *Relay) StartReaper() {
	if r.cfg.IdleTimeout <= 0 {
		return
	}
	r.reapWG.Add(1)
	go r.reapLoop()
	r.logger.Printf("relay: idle reaper started (timeout=%v interval=%v)", r.cfg.IdleTimeout, r.cfg.ReapInterval)
}

func (r *Relay) reapLoop() {
	defer r.reapWG.Done()

	ticker := time.NewTicker(r.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.reapIdle()
		case <-r.reapStop:
			return
		}
	}
}

// reapIdle closes sessions whose subscriber is gone and that have seen no
// audio or backend event for longer than the idle timeout. A session with a
// live subscriber is never reaped, however quiet the meeting is.
func (r *Relay) reapIdle() {
	cutoff := time.Now().UTC().Add(-r.cfg.IdleTimeout)

	r.mu.Lock()
	var idle []string
	for id, s := range r.sessions {
		s.mu.Lock()
		unattended := s.sink == nil && s.lastActive.Before(cutoff)
		s.mu.Unlock()
		if unattended {
			idle = append(idle, id)
		}
	}
	r.mu.Unlock()

	for _, id := range idle {
		r.logger.Printf("relay: reaping idle session %s", id)
		r.eventLog.LogAsync(id, eventlog.EventSessionReaped, nil)
		if r.metrics != nil {
			r.metrics.RecordSessionReaped()
		}
		r.closeSession(id, EndReasonIdle)
	}
}

// Close drains the relay: new creates are rejected, every session is torn
// down and all pumps are waited for, bounded by ctx.
func (r *Relay) Close(ctx context.Context) error {
	r.mu.Lock()
	r.draining = true
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	r.reapOnce.Do(func() { close(r.reapStop) })
	r.reapWG.Wait()

	for _, id := range ids {
		r.closeSession(id, EndReasonDrain)
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
