package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wagechannel/channel-server-go/internal/service"
)

type ClosureHandler struct {
	negotiator *service.Negotiator
}

func NewClosureHandler(negotiator *service.Negotiator) *ClosureHandler {
	return &ClosureHandler{negotiator: negotiator}
}

func (h *ClosureHandler) Register(r chi.Router) {
	r.Post("/channels/{channelId}/closure", h.RequestClosure)
	r.Get("/channels/{channelId}/closure-requests", h.ListClosureRequests)
	r.Post("/channels/{channelId}/finalize-expired", h.FinalizeExpiredClosure)
	r.Post("/closure-requests/{requestId}/approve", h.ApproveClosure)
	r.Post("/closure-requests/{requestId}/reject", h.RejectClosure)
	r.Post("/closure-requests/{requestId}/cancel", h.CancelClosureRequest)
}

// outcomeStatus is 202 while the sponsor still has to decide or the ledger
// has not confirmed, and 200 once the closure attempt has resolved.
func outcomeStatus(out *service.ClosureOutcome) int {
	if out.Settlement == nil || out.Settlement.Status == service.SettlementPendingVerification {
		return http.StatusAccepted
	}
	return http.StatusOK
}

// POST /v1/channels/{channelId}/closure
func (h *ClosureHandler) RequestClosure(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	out, err := h.negotiator.RequestClosure(r.Context(), actor, chi.URLParam(r, "channelId"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, outcomeStatus(out), out)
}

// POST /v1/channels/{channelId}/finalize-expired
func (h *ClosureHandler) FinalizeExpiredClosure(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	out, err := h.negotiator.FinalizeExpiredClosure(r.Context(), actor, chi.URLParam(r, "channelId"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, outcomeStatus(out), out)
}

// GET /v1/channels/{channelId}/closure-requests
func (h *ClosureHandler) ListClosureRequests(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	reqs, err := h.negotiator.ListClosureRequests(r.Context(), actor, chi.URLParam(r, "channelId"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"closureRequests": reqs})
}

// POST /v1/closure-requests/{requestId}/approve
func (h *ClosureHandler) ApproveClosure(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	out, err := h.negotiator.ApproveClosure(r.Context(), actor, chi.URLParam(r, "requestId"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, outcomeStatus(out), out)
}

// POST /v1/closure-requests/{requestId}/reject
func (h *ClosureHandler) RejectClosure(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	req, err := h.negotiator.RejectClosure(r.Context(), actor, chi.URLParam(r, "requestId"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, req)
}

// POST /v1/closure-requests/{requestId}/cancel
func (h *ClosureHandler) CancelClosureRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	req, err := h.negotiator.CancelClosureRequest(r.Context(), actor, chi.URLParam(r, "requestId"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, req)
}
