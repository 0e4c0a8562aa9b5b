package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lukasbauer/meetrelay/internal/relay"
	"github.com/lukasbauer/meetrelay/internal/stt"
)

type stubClient struct {
	mu     sync.Mutex
	sent   [][]byte
	closed bool

	events chan stt.Event
	errs   chan error
}

func newStubClient() *stubClient {
	return &stubClient{
		events: make(chan stt.Event, 100),
		errs:   make(chan error, 1),
	}
}

func (c *stubClient) Send(_ context.Context, audio []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return stt.ErrClosed
	}
	cp := make([]byte, len(audio))
	copy(cp, audio)
	c.sent = append(c.sent, cp)
	return nil
}

func (c *stubClient) Events() <-chan stt.Event { return c.events }
func (c *stubClient) Errors() <-chan error     { return c.errs }

func (c *stubClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
		close(c.errs)
	}
	return nil
}

func (c *stubClient) sentChunks() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

type testEnv struct {
	router  http.Handler
	relay   *relay.Relay
	clients chan *stubClient
}

func newTestEnv(t *testing.T, cfg RouterConfig) *testEnv {
	t.Helper()
	clients := make(chan *stubClient, 10)
	logger := log.New(io.Discard, "", 0)

	rl := relay.New(relay.Config{
		Connect: func(_ context.Context, _ stt.Params) (stt.Client, error) {
			c := newStubClient()
			clients <- c
			return c, nil
		},
	}, logger, nil, nil, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = rl.Close(ctx)
	})

	if cfg.DefaultSampleRate == 0 {
		cfg.DefaultSampleRate = 16000
	}

	return &testEnv{
		router:  NewRouter(cfg, logger, rl, nil, nil),
		relay:   rl,
		clients: clients,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body []byte, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) createConnection(t *testing.T) (string, *stubClient) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/create-connection", []byte(`{"sample_rate":16000}`), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("create-connection status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Success      bool   `json:"success"`
		ConnectionID string `json:"connectionId"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("create-connection response: %v", err)
	}
	if !resp.Success || resp.ConnectionID == "" {
		t.Fatalf("create-connection response = %s", rec.Body.String())
	}
	return resp.ConnectionID, <-e.clients
}

func TestCreateConnection(t *testing.T) {
	env := newTestEnv(t, RouterConfig{})

	id, _ := env.createConnection(t)
	if id == "" {
		t.Fatal("empty connection id")
	}
	if n := env.relay.ActiveCount(); n != 1 {
		t.Errorf("ActiveCount = %d, want 1", n)
	}
}

func TestCreateConnectionEmptyBody(t *testing.T) {
	env := newTestEnv(t, RouterConfig{})

	rec := env.do(t, http.MethodPost, "/create-connection", nil, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}
}

func TestCreateConnectionBackendDown(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	rl := relay.New(relay.Config{
		Connect: func(_ context.Context, _ stt.Params) (stt.Client, error) {
			return nil, fmt.Errorf("dial: connection refused")
		},
	}, logger, nil, nil, nil)
	router := NewRouter(RouterConfig{DefaultSampleRate: 16000}, logger, rl, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/create-connection", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502; body %s", rec.Code, rec.Body.String())
	}
}

func TestSendAudioBinary(t *testing.T) {
	env := newTestEnv(t, RouterConfig{})
	id, sc := env.createConnection(t)

	chunk := bytes.Repeat([]byte{0xAB}, 3200)
	header := http.Header{"Content-Type": []string{"application/octet-stream"}}
	rec := env.do(t, http.MethodPost, "/send-audio/"+id, chunk, header)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	got := sc.sentChunks()
	if len(got) != 1 || !bytes.Equal(got[0], chunk) {
		t.Errorf("backend did not receive the chunk verbatim")
	}
}

func TestSendAudioBase64(t *testing.T) {
	env := newTestEnv(t, RouterConfig{})
	id, sc := env.createConnection(t)

	chunk := []byte{1, 2, 3, 4, 5}
	body, _ := json.Marshal(map[string]string{
		"audioData": base64.StdEncoding.EncodeToString(chunk),
	})
	rec := env.do(t, http.MethodPost, "/send-audio/"+id, body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	got := sc.sentChunks()
	if len(got) != 1 || !bytes.Equal(got[0], chunk) {
		t.Errorf("decoded audio does not match original bytes")
	}
}

func TestSendAudioBadBase64(t *testing.T) {
	env := newTestEnv(t, RouterConfig{})
	id, _ := env.createConnection(t)

	rec := env.do(t, http.MethodPost, "/send-audio/"+id, []byte(`{"audioData":"not-base64!!!"}`), nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestSendAudioUnknownConnection(t *testing.T) {
	env := newTestEnv(t, RouterConfig{})

	header := http.Header{"Content-Type": []string{"application/octet-stream"}}
	rec := env.do(t, http.MethodPost, "/send-audio/no-such-id", []byte{1}, header)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404; body %s", rec.Code, rec.Body.String())
	}
}

func TestCloseConnectionIdempotent(t *testing.T) {
	env := newTestEnv(t, RouterConfig{})
	id, _ := env.createConnection(t)

	for i := 0; i < 2; i++ {
		rec := env.do(t, http.MethodDelete, "/close-connection/"+id, nil, nil)
		if rec.Code != http.StatusOK {
			t.Errorf("close #%d status = %d, want 200", i+1, rec.Code)
		}
	}
	// Unknown ids also close quietly.
	rec := env.do(t, http.MethodDelete, "/close-connection/never-existed", nil, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("close unknown status = %d, want 200", rec.Code)
	}
}

func TestEventsUnknownConnection(t *testing.T) {
	env := newTestEnv(t, RouterConfig{})

	rec := env.do(t, http.MethodGet, "/events/no-such-id", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

// sseRead pulls the next "data:" payload off the stream.
func sseRead(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("reading event stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		if strings.HasPrefix(line, "data: ") {
			return strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestEventsStream(t *testing.T) {
	env := newTestEnv(t, RouterConfig{})
	id, sc := env.createConnection(t)

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/events/" + id)
	if err != nil {
		t.Fatalf("GET events failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	reader := bufio.NewReader(resp.Body)

	var ack struct {
		Type         string `json:"type"`
		ConnectionID string `json:"connectionId"`
	}
	if err := json.Unmarshal([]byte(sseRead(t, reader)), &ack); err != nil {
		t.Fatalf("ack decode: %v", err)
	}
	if ack.Type != "connected" || ack.ConnectionID != id {
		t.Fatalf("ack = %+v", ack)
	}

	turn := `{"type":"Turn","transcript":"hello there","end_of_turn":true}`
	sc.events <- stt.Event{
		Type:       stt.EventTurn,
		Raw:        json.RawMessage(turn),
		Transcript: "hello there",
		EndOfTurn:  true,
	}

	if got := sseRead(t, reader); got != turn {
		t.Errorf("event = %s, want verbatim %s", got, turn)
	}

	// Closing the session must end the stream.
	env.relay.CloseSession(id)
	if _, err := reader.ReadString('\n'); err != io.EOF {
		// Drain anything the handler flushed before ending.
		for err == nil {
			_, err = reader.ReadString('\n')
		}
		if err != io.EOF {
			t.Errorf("stream did not end cleanly: %v", err)
		}
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, RouterConfig{})
	env.createConnection(t)

	rec := env.do(t, http.MethodGet, "/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp struct {
		Status            string `json:"status"`
		ActiveConnections int    `json:"activeConnections"`
		Draining          bool   `json:"draining"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("health decode: %v", err)
	}
	if resp.Status != "healthy" || resp.ActiveConnections != 1 || resp.Draining {
		t.Errorf("health = %+v", resp)
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, RouterConfig{})

	rec := env.do(t, http.MethodOptions, "/create-connection", nil, nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Allow-Origin = %q", got)
	}
}

func TestAuthDisabledByDefault(t *testing.T) {
	env := newTestEnv(t, RouterConfig{})

	rec := env.do(t, http.MethodPost, "/create-connection", []byte(`{}`), nil)
	if rec.Code != http.StatusOK {
		t.Errorf("open relay rejected request: %d", rec.Code)
	}
}

func TestTokenAuthFlow(t *testing.T) {
	env := newTestEnv(t, RouterConfig{
		ClientAPIKey: "client-key",
		JWTSecret:    "test-secret",
	})

	// Protected endpoint without a token.
	rec := env.do(t, http.MethodPost, "/create-connection", []byte(`{}`), nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", rec.Code)
	}

	// Wrong API key.
	rec = env.do(t, http.MethodPost, "/auth/token", []byte(`{"apiKey":"wrong"}`), nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad key status = %d, want 401", rec.Code)
	}

	// Correct API key issues a token.
	rec = env.do(t, http.MethodPost, "/auth/token", []byte(`{"apiKey":"client-key"}`), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("token status = %d, body %s", rec.Code, rec.Body.String())
	}
	var tokenResp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &tokenResp); err != nil || tokenResp.Token == "" {
		t.Fatalf("token response = %s", rec.Body.String())
	}

	// The token unlocks the protected surface.
	header := http.Header{"Authorization": []string{"Bearer " + tokenResp.Token}}
	rec = env.do(t, http.MethodPost, "/create-connection", []byte(`{}`), header)
	if rec.Code != http.StatusOK {
		t.Errorf("authenticated status = %d, body %s", rec.Code, rec.Body.String())
	}
	<-env.clients

	// Garbage tokens stay out.
	header = http.Header{"Authorization": []string{"Bearer not.a.token"}}
	rec = env.do(t, http.MethodPost, "/create-connection", []byte(`{}`), header)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("garbage token status = %d, want 401", rec.Code)
	}
}

func TestTokenEndpointUnconfigured(t *testing.T) {
	env := newTestEnv(t, RouterConfig{})

	rec := env.do(t, http.MethodPost, "/auth/token", []byte(`{"apiKey":"x"}`), nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestAdminListSessions(t *testing.T) {
	env := newTestEnv(t, RouterConfig{})
	id, _ := env.createConnection(t)

	rec := env.do(t, http.MethodGet, "/admin/sessions", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp struct {
		Count    int                 `json:"count"`
		Sessions []relay.SessionInfo `json:"sessions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 1 || len(resp.Sessions) != 1 || resp.Sessions[0].ID != id {
		t.Errorf("sessions = %+v", resp)
	}
}

func TestAdminTranscriptWithoutStore(t *testing.T) {
	env := newTestEnv(t, RouterConfig{})
	id, _ := env.createConnection(t)

	rec := env.do(t, http.MethodGet, "/admin/sessions/"+id+"/transcript", nil, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}
