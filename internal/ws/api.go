package ws

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/neuro-assistant/backend/internal/auth"
	"github.com/neuro-assistant/backend/internal/store"
)

const maxListLimit = 1000

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	id, err := s.tokens.Validate(bearerToken(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return auth.Identity{}, false
	}
	return id, true
}

// handlePairTokens issues a pairing credential for the caller's device.
func (s *Server) handlePairTokens(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	if s.issuer == nil {
		writeError(w, http.StatusServiceUnavailable, "pairing not available")
		return
	}

	cred, err := s.issuer.Generate(r.Context(), id.Subject)
	if err != nil {
		s.log.Errorw("generating pair token failed", "user", id.Subject, "error", err)
		writeError(w, http.StatusInternalServerError, "could not generate pair token")
		return
	}
	s.log.Infow("pair token issued", "user", id.Subject, "expires_at", cred.ExpiresAt)
	writeJSON(w, http.StatusCreated, cred)
}

// handleEngagements lists the caller's stored records for one video or
// audio track.
func (s *Server) handleEngagements(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	f := store.Filter{
		UserID:  id.Subject,
		VideoID: q.Get("video_id"),
		AudioID: q.Get("audio_id"),
	}
	if (f.VideoID == "") == (f.AudioID == "") {
		writeError(w, http.StatusBadRequest, "exactly one of video_id or audio_id is required")
		return
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxListLimit {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}

	records, err := s.records.List(r.Context(), f)
	if err != nil {
		s.log.Errorw("listing engagements failed", "user", id.Subject, "error", err)
		writeError(w, http.StatusInternalServerError, "could not list engagements")
		return
	}
	writeJSON(w, http.StatusOK, records)
}
