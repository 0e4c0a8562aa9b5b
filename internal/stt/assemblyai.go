package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"
)

const assemblyAIWSURL = "wss://streaming.assemblyai.com/v3/ws"

// AssemblyAIClient implements the Client interface using AssemblyAI's
// v3 streaming API.
type AssemblyAIClient struct {
	conn      *websocket.Conn
	events    chan Event
	errors    chan error
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	wg        sync.WaitGroup // Wait for readLoop to finish
	logger    *log.Logger
}

// AssemblyAIConfig holds configuration for the AssemblyAI client.
type AssemblyAIConfig struct {
	APIKey string
	URL    string // Streaming endpoint override; defaults to the AssemblyAI v3 URL
	Params Params
	Logger *log.Logger
}

// assemblyAIMessage is the envelope AssemblyAI sends on the streaming socket.
// Only the fields the relay inspects are decoded; the raw payload is what
// subscribers receive.
type assemblyAIMessage struct {
	Type            string `json:"type"`
	Transcript      string `json:"transcript"`
	EndOfTurn       bool   `json:"end_of_turn"`
	TurnIsFormatted bool   `json:"turn_is_formatted"`
	Speaker         string `json:"speaker"`
}

// terminateMessage asks AssemblyAI to flush and close the stream.
const terminateMessage = `{"type": "Terminate"}`

// NewAssemblyAIClient opens a streaming session with AssemblyAI. The
// connection parameters are encoded in the endpoint query string; a failure
// to dial is a connect-time failure and nothing is left running.
func NewAssemblyAIClient(ctx context.Context, cfg AssemblyAIConfig) (*AssemblyAIClient, error) {
	endpoint := cfg.URL
	if endpoint == "" {
		endpoint = assemblyAIWSURL
	}

	q := url.Values{}
	q.Set("sample_rate", strconv.Itoa(cfg.Params.SampleRate))
	q.Set("format_turns", strconv.FormatBool(cfg.Params.FormatTurns))
	q.Set("punctuate", strconv.FormatBool(cfg.Params.Punctuate))
	q.Set("format_text", strconv.FormatBool(cfg.Params.FormatText))
	q.Set("disfluencies", strconv.FormatBool(cfg.Params.Disfluencies))
	q.Set("speaker_labels", strconv.FormatBool(cfg.Params.SpeakerLabels))
	if cfg.Params.SpeakersExpected > 0 {
		q.Set("speakers_expected", strconv.Itoa(cfg.Params.SpeakersExpected))
	}

	// AssemblyAI expects the raw key in the Authorization header (no Bearer).
	headers := http.Header{}
	headers.Set("Authorization", cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint+"?"+q.Encode(), headers)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to AssemblyAI: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	client := &AssemblyAIClient{
		conn:   conn,
		events: make(chan Event, 100),
		errors: make(chan error, 1),
		done:   make(chan struct{}),
		logger: logger,
	}

	client.wg.Add(1)
	go client.readLoop()

	return client, nil
}

// Send forwards an audio chunk to AssemblyAI as a single binary frame.
func (c *AssemblyAIClient) Send(ctx context.Context, audio []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := c.conn.WriteMessage(websocket.BinaryMessage, audio); err != nil {
		return fmt.Errorf("write audio: %w", err)
	}
	return nil
}

// Events returns the channel for receiving decoded backend messages.
// The channel is closed when the backend link terminates.
func (c *AssemblyAIClient) Events() <-chan Event {
	return c.events
}

// Errors returns the channel carrying the terminal read error, if any.
func (c *AssemblyAIClient) Errors() <-chan error {
	return c.errors
}

// Close terminates the AssemblyAI session. Idempotent.
func (c *AssemblyAIClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		// Ask AssemblyAI to flush and terminate, then drop the socket. The
		// read loop exits on the resulting close/error and owns the channels.
		c.mu.Lock()
		_ = c.conn.WriteMessage(websocket.TextMessage, []byte(terminateMessage))
		c.mu.Unlock()

		err = c.conn.Close()
		c.wg.Wait()
	})
	return err
}

// readLoop reads backend messages and delivers them, in arrival order, to the
// events channel. It owns the events and errors channels: both are closed
// when the loop exits, whether the link ended cleanly or not.
func (c *AssemblyAIClient) readLoop() {
	defer func() {
		close(c.events)
		close(c.errors)
		c.wg.Done()
	}()

	for {
		select {
		case <-c.done:
			return
		default:
		}

		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				// Expected: Close dropped the socket under us.
			default:
				c.errors <- fmt.Errorf("read error: %w", err)
			}
			return
		}

		// An unparseable frame is still forwarded verbatim with an empty
		// Type; subscribers get every frame the backend sent, parsed or not.
		var parsed assemblyAIMessage
		if err := json.Unmarshal(msg, &parsed); err != nil {
			c.logger.Printf("assemblyai: failed to parse message, forwarding raw: %v", err)
			parsed = assemblyAIMessage{}
		}

		raw := make(json.RawMessage, len(msg))
		copy(raw, msg)

		ev := Event{
			Type:       EventType(parsed.Type),
			Raw:        raw,
			Transcript: parsed.Transcript,
			EndOfTurn:  parsed.EndOfTurn,
			Formatted:  parsed.TurnIsFormatted,
			Speaker:    parsed.Speaker,
		}

		select {
		case <-c.done:
			return
		case c.events <- ev:
		}

		// Termination is the last message on the stream; the server closes
		// the socket right after, which ends the loop on the next read.
		if ev.Type == EventTermination {
			return
		}
	}
}
