package httpapi

import (
	"errors"
	"net/http"

	"session_billing/internal/billing"
	"session_billing/internal/ledger"
	"session_billing/internal/logging"
	"session_billing/internal/payments"
	"session_billing/internal/queue"
	"session_billing/internal/rates"
	"session_billing/internal/session"
	"session_billing/internal/utils"
)

var errorLogger = logging.NewLogger("httpapi")

// respondError maps domain errors to status codes. Anything unrecognised is a 500
// and is logged, since its message may not be fit for clients.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		status, code = http.StatusNotFound, "session_not_found"
	case errors.Is(err, ledger.ErrAccountNotFound):
		status, code = http.StatusNotFound, "account_not_found"
	case errors.Is(err, queue.ErrItemNotFound):
		status, code = http.StatusNotFound, "item_not_found"
	case errors.Is(err, session.ErrInvalidTransition), errors.Is(err, session.ErrSessionExists):
		status, code = http.StatusConflict, "invalid_transition"
	case errors.Is(err, billing.ErrInsufficientFunds):
		status, code = http.StatusPaymentRequired, "insufficient_funds"
	case errors.Is(err, rates.ErrRateUnavailable):
		status, code = http.StatusUnprocessableEntity, "rate_unavailable"
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrMissingKey):
		status, code = http.StatusUnprocessableEntity, "invalid_request"
	case errors.Is(err, billing.ErrShuttingDown), errors.Is(err, payments.ErrProcessorUnavailable):
		status, code = http.StatusServiceUnavailable, "unavailable"
	}

	if status == http.StatusInternalServerError {
		errorLogger.WithFields(logging.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).WithError(err).Error("Request failed")
		utils.RespondWithErrorCode(w, status, code, "internal error")
		return
	}
	utils.RespondWithErrorCode(w, status, code, err.Error())
}
