package httpapi

import (
	"net/http"
	"sort"
	"strconv"
)

// handleAdminListSessions returns descriptors for all active sessions.
func (r *Router) handleAdminListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := r.relay.Sessions()
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// handleAdminGetTranscript returns a session's recorded turns. Requires the
// transcript store; without a database the relay keeps no history.
func (r *Router) handleAdminGetTranscript(w http.ResponseWriter, req *http.Request) {
	if r.store == nil {
		writeError(w, http.StatusServiceUnavailable, "transcript storage not configured")
		return
	}

	id := req.PathValue("connectionId")

	limit := 0
	if l := req.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	turns, err := r.store.ListTurns(req.Context(), id, limit)
	if err != nil {
		r.logger.Printf("admin: failed to list turns for %s: %v", id, err)
		captureError(req, err, "admin: transcript query failed")
		writeError(w, http.StatusInternalServerError, "failed to load transcript")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"connectionId": id,
		"turns":        turns,
		"count":        len(turns),
	})
}
