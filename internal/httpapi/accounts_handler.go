package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"session_billing/internal/billing"
	"session_billing/internal/models"
	"session_billing/internal/utils"
)

// AccountsHandler exposes balances, account history and external deposits
type AccountsHandler struct {
	engine *billing.Engine
}

// NewAccountsHandler creates a new accounts handler
func NewAccountsHandler(engine *billing.Engine) *AccountsHandler {
	return &AccountsHandler{engine: engine}
}

// BalanceResponse is the body of GET /v1/accounts/{id}/balance
type BalanceResponse struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
}

// AccountLedgerResponse lists the transactions of an account
type AccountLedgerResponse struct {
	AccountID    string               `json:"account_id"`
	Transactions []models.Transaction `json:"transactions"`
}

// DepositRequest records money received outside the engine, e.g. by a payment webhook
type DepositRequest struct {
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
}

// Balance handles GET /v1/accounts/{id}/balance
func (h *AccountsHandler) Balance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	balance, err := h.engine.GetBalance(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, BalanceResponse{AccountID: id, Balance: balance})
}

// Ledger handles GET /v1/accounts/{id}/transactions
func (h *AccountsHandler) Ledger(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	txs, err := h.engine.GetAccountLedger(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, AccountLedgerResponse{AccountID: id, Transactions: txs})
}

// Deposit handles POST /v1/accounts/{id}/deposits
func (h *AccountsHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.RespondWithErrorCode(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Reference) == "" {
		utils.RespondWithErrorCode(w, http.StatusBadRequest, "invalid_request", "reference is required")
		return
	}
	if req.Amount <= 0 {
		utils.RespondWithErrorCode(w, http.StatusUnprocessableEntity, "invalid_request", "amount must be positive")
		return
	}

	tx, err := h.engine.RecordExternalDeposit(r.Context(), chi.URLParam(r, "id"), req.Amount, req.Reference)
	if err != nil {
		respondError(w, r, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusCreated, tx)
}
