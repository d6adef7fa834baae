package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/calyptra/relay/internal/prompt"
	"github.com/calyptra/relay/internal/store"
	"github.com/calyptra/relay/pkg/wire"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"uptimeSeconds": int64(time.Since(s.startTime).Seconds()),
		"sessions":      s.registry.SessionCount(),
	})
}

type createSessionRequest struct {
	ID    string `json:"id,omitempty"`
	Title string `json:"title,omitempty"`
}

func (s *Service) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	session, err := s.sessions.CreateSession(r.Context(), req.ID, req.Title)
	if err != nil {
		log.Error().Err(err).Str("sessionId", req.ID).Msg("Failed to create session")
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	log.Info().Str("sessionId", session.ID).Msg("Session created")
	writeJSON(w, http.StatusCreated, session)
}

func (s *Service) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	sessions, err := s.sessions.ListSessions(r.Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list sessions")
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Service) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	snap, err := s.sessions.GetSessionSnapshot(r.Context(), sessionID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("Failed to load session")
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}

	writeJSON(w, http.StatusOK, snap)
}

// handleDeleteSession removes the session and tears down everything attached
// to it: live subscriptions are dropped and outstanding prompts released.
func (s *Service) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	err := s.sessions.DeleteSession(r.Context(), sessionID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("Failed to delete session")
		writeError(w, http.StatusInternalServerError, "failed to delete session")
		return
	}

	s.correlator.Abandon(sessionID)
	s.registry.DropSession(sessionID)

	log.Info().Str("sessionId", sessionID).Msg("Session deleted")
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Service) handlePermissionResponse(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var resp wire.PermissionResponse
	if err := json.NewDecoder(r.Body).Decode(&resp); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if resp.RequestID == "" {
		writeError(w, http.StatusBadRequest, "requestId is required")
		return
	}

	ok := s.correlator.Resolve(sessionID, resp.RequestID, prompt.Resolution{
		Decision: resp.Decision,
	})
	if !ok {
		log.Debug().
			Str("sessionId", sessionID).
			Str("requestId", resp.RequestID).
			Msg("Permission response for unknown or already-resolved request")
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": ok})
}

func (s *Service) handleCredentialResponse(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var resp wire.CredentialResponse
	if err := json.NewDecoder(r.Body).Decode(&resp); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if resp.RequestID == "" {
		writeError(w, http.StatusBadRequest, "requestId is required")
		return
	}

	ok := s.correlator.Resolve(sessionID, resp.RequestID, prompt.Resolution{
		Response: resp.Response,
	})
	if !ok {
		log.Debug().
			Str("sessionId", sessionID).
			Str("requestId", resp.RequestID).
			Msg("Credential response for unknown or already-resolved request")
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": ok})
}
