package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"session_billing/internal/billing"
	"session_billing/internal/queue"
	"session_billing/internal/utils"
)

// AdminHandler inspects and retries deferred charges
type AdminHandler struct {
	replay *billing.ReplayWorker
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(replay *billing.ReplayWorker) *AdminHandler {
	return &AdminHandler{replay: replay}
}

// PendingResponse reports the replay backlog
type PendingResponse struct {
	Queued      int                    `json:"queued"`
	DeadLetters []queue.DeadLetterItem `json:"dead_letters"`
}

// Pending handles GET /admin/pending?limit=N
func (h *AdminHandler) Pending(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			utils.RespondWithErrorCode(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	queued, err := h.replay.GetQueueLength(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	items, err := h.replay.GetDeadLetterItems(r.Context(), limit)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if items == nil {
		items = []queue.DeadLetterItem{}
	}
	utils.RespondWithJSON(w, http.StatusOK, PendingResponse{Queued: queued, DeadLetters: items})
}

// Retry handles POST /admin/pending/dead-letters/{id}/retry
func (h *AdminHandler) Retry(w http.ResponseWriter, r *http.Request) {
	if err := h.replay.RetryDeadLetterItem(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
