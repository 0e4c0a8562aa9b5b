package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lukasbauer/meetrelay/internal/relay"
	"github.com/lukasbauer/meetrelay/internal/stt"
)

// maxAudioBody bounds one send-audio request. The extension ships ~100ms
// PCM16 chunks (a few KB); anything near this limit is a misbehaving client.
const maxAudioBody = 4 << 20

// createConnectionRequest mirrors the parameters the extension sends. Bools
// are pointers so "absent" and "false" stay distinguishable; absent fields
// get the original proxy's defaults.
type createConnectionRequest struct {
	SampleRate       int   `json:"sample_rate"`
	Punctuate        *bool `json:"punctuate"`
	FormatText       *bool `json:"format_text"`
	Disfluencies     *bool `json:"disfluencies"`
	SpeakerLabels    *bool `json:"speaker_labels"`
	SpeakersExpected int   `json:"speakers_expected"`
}

func boolOrDefault(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func (r *Router) handleCreateConnection(w http.ResponseWriter, req *http.Request) {
	var body createConnectionRequest
	if req.Body != nil {
		// An empty body means "all defaults", matching the original proxy.
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	params := stt.Params{
		SampleRate:       body.SampleRate,
		Punctuate:        boolOrDefault(body.Punctuate, true),
		FormatText:       boolOrDefault(body.FormatText, true),
		FormatTurns:      true,
		Disfluencies:     boolOrDefault(body.Disfluencies, false),
		SpeakerLabels:    boolOrDefault(body.SpeakerLabels, true),
		SpeakersExpected: body.SpeakersExpected,
	}
	if params.SampleRate == 0 {
		params.SampleRate = r.cfg.DefaultSampleRate
	}

	id, err := r.relay.CreateSession(req.Context(), params)
	if err != nil {
		switch {
		case errors.Is(err, relay.ErrDraining):
			writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		case errors.Is(err, relay.ErrBackendUnavailable):
			r.logger.Printf("create-connection: backend connect failed: %v", err)
			captureError(req, err, "create-connection: backend unavailable")
			writeError(w, http.StatusBadGateway, "failed to create streaming connection")
		default:
			r.logger.Printf("create-connection: %v", err)
			captureError(req, err, "create-connection: unexpected error")
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"connectionId": id,
		"message":      "streaming session established",
	})
}

// sendAudioRequest is the JSON framing for base64 audio. Raw binary bodies
// (application/octet-stream) skip the base64 round-trip entirely.
type sendAudioRequest struct {
	AudioData string `json:"audioData"`
}

func (r *Router) handleSendAudio(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("connectionId")

	audio, err := readAudioBody(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := r.relay.SendAudio(req.Context(), id, audio); err != nil {
		switch {
		case errors.Is(err, relay.ErrSessionNotFound):
			writeError(w, http.StatusNotFound, "connection not found")
		case errors.Is(err, relay.ErrConnectorNotReady):
			writeError(w, http.StatusBadRequest, "connection not ready")
		default:
			r.logger.Printf("send-audio: session %s: %v", id, err)
			captureError(req, err, "send-audio: forward failed")
			writeError(w, http.StatusInternalServerError, "failed to send audio data")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func readAudioBody(req *http.Request) ([]byte, error) {
	body := http.MaxBytesReader(nil, req.Body, maxAudioBody)

	if strings.HasPrefix(req.Header.Get("Content-Type"), "application/octet-stream") {
		audio, err := io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("invalid audio body")
		}
		return audio, nil
	}

	var payload sendAudioRequest
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("invalid request body")
	}
	audio, err := base64.StdEncoding.DecodeString(payload.AudioData)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 audio data")
	}
	return audio, nil
}

func (r *Router) handleEvents(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("connectionId")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sink := newSSESink(r.cfg.SubscriberBuffer)
	if err := r.relay.Subscribe(id, sink); err != nil {
		writeError(w, http.StatusNotFound, "connection not found")
		return
	}
	// Client disconnect releases the fan-out slot but leaves the session
	// open; only explicit close or backend closure ends it.
	defer r.relay.Unsubscribe(id, sink)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-req.Context().Done():
			return
		case <-sink.done:
			// Session over: flush whatever is still queued, then end the
			// stream so the subscriber observes completion.
			for {
				select {
				case payload := <-sink.ch:
					writeSSE(w, flusher, payload)
				default:
					return
				}
			}
		case payload := <-sink.ch:
			writeSSE(w, flusher, payload)
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, payload []byte) {
	fmt.Fprintf(w, "data: %s\n\n", payload)
	flusher.Flush()
}

func (r *Router) handleCloseConnection(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("connectionId")

	// Idempotent by contract: closing an unknown or already-closed session
	// reports success so client shutdown races stay quiet.
	r.relay.CloseSession(id)

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "connection closed",
	})
}

func (r *Router) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "healthy",
		"activeConnections": r.relay.ActiveCount(),
		"draining":          r.relay.Draining(),
		"timestamp":         time.Now().UTC().Format(time.RFC3339),
	})
}

func (r *Router) handleTest(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message":   "relay server is running",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
