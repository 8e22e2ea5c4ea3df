package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wagechannel/channel-server-go/internal/service"
)

type SessionHandler struct {
	tracker *service.Tracker
}

func NewSessionHandler(tracker *service.Tracker) *SessionHandler {
	return &SessionHandler{tracker: tracker}
}

func (h *SessionHandler) Register(r chi.Router) {
	r.Post("/channels/{channelId}/clock-in", h.ClockIn)
	r.Get("/channels/{channelId}/sessions", h.ListSessions)
	r.Post("/sessions/{sessionId}/clock-out", h.ClockOut)
}

// POST /v1/channels/{channelId}/clock-in
func (h *SessionHandler) ClockIn(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	s, err := h.tracker.ClockIn(r.Context(), actor, chi.URLParam(r, "channelId"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, s)
}

// POST /v1/sessions/{sessionId}/clock-out
func (h *SessionHandler) ClockOut(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	s, err := h.tracker.ClockOut(r.Context(), actor, chi.URLParam(r, "sessionId"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, s)
}

// GET /v1/channels/{channelId}/sessions
func (h *SessionHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	sessions, err := h.tracker.ListSessions(r.Context(), actor, chi.URLParam(r, "channelId"), ParseLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}
