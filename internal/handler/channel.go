package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wagechannel/channel-server-go/internal/service"
)

type ChannelHandler struct {
	channels *service.ChannelService
}

func NewChannelHandler(channels *service.ChannelService) *ChannelHandler {
	return &ChannelHandler{channels: channels}
}

func (h *ChannelHandler) Register(r chi.Router) {
	r.Post("/channels", h.CreateChannel)
	r.Get("/channels", h.ListChannels)
	r.Get("/channels/{channelId}", h.GetChannelStatus)
	r.Post("/channels/{channelId}/confirm", h.ConfirmChannel)
	r.Get("/channels/{channelId}/discrepancies", h.ListDiscrepancies)
}

// POST /v1/channels
func (h *ChannelHandler) CreateChannel(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var in service.CreateChannelInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}

	ch, err := h.channels.CreateChannel(r.Context(), actor, in)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, ch)
}

type confirmChannelRequest struct {
	LedgerChannelID string `json:"ledgerChannelId"`
}

// POST /v1/channels/{channelId}/confirm
func (h *ChannelHandler) ConfirmChannel(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var body confirmChannelRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}

	ch, err := h.channels.ConfirmChannel(r.Context(), actor, chi.URLParam(r, "channelId"), body.LedgerChannelID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ch)
}

// GET /v1/channels
func (h *ChannelHandler) ListChannels(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	channels, err := h.channels.ListChannels(r.Context(), actor)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"channels": channels})
}

// GET /v1/channels/{channelId}
func (h *ChannelHandler) GetChannelStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	status, err := h.channels.GetChannelStatus(r.Context(), actor, chi.URLParam(r, "channelId"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, status)
}

// GET /v1/channels/{channelId}/discrepancies
func (h *ChannelHandler) ListDiscrepancies(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	ds, err := h.channels.ListDiscrepancies(r.Context(), actor, chi.URLParam(r, "channelId"), ParseLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"discrepancies": ds})
}
