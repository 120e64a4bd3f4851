package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"session_billing/internal/billing"
	"session_billing/internal/models"
	"session_billing/internal/utils"
)

// SessionsHandler exposes session activation, ending and history
type SessionsHandler struct {
	engine *billing.Engine
}

// NewSessionsHandler creates a new sessions handler
func NewSessionsHandler(engine *billing.Engine) *SessionsHandler {
	return &SessionsHandler{engine: engine}
}

// EndSessionRequest is the optional body of POST /v1/sessions/{id}/end
type EndSessionRequest struct {
	Reason string `json:"reason"`
}

// SessionLedgerResponse lists the transactions written for a session
type SessionLedgerResponse struct {
	SessionID    string               `json:"session_id"`
	Transactions []models.Transaction `json:"transactions"`
}

// Activate handles POST /v1/sessions/{id}/activate
func (h *SessionsHandler) Activate(w http.ResponseWriter, r *http.Request) {
	status, err := h.engine.ActivateSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, status)
}

// End handles POST /v1/sessions/{id}/end
func (h *SessionsHandler) End(w http.ResponseWriter, r *http.Request) {
	var req EndSessionRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.RespondWithErrorCode(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	status, err := h.engine.EndSession(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		respondError(w, r, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, status)
}

// Get handles GET /v1/sessions/{id}
func (h *SessionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	status, err := h.engine.GetSessionStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, status)
}

// Ledger handles GET /v1/sessions/{id}/transactions
func (h *SessionsHandler) Ledger(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	txs, err := h.engine.GetSessionLedger(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, SessionLedgerResponse{SessionID: id, Transactions: txs})
}
