// Package httpapi exposes the billing engine over HTTP.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	apimw "session_billing/internal/middleware"
	"session_billing/internal/utils"
)

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status         string `json:"status"`
	ActiveSessions int    `json:"active_sessions"`
}

// NewRouter mounts every route on a chi router
func NewRouter(deps *Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondWithJSON(w, http.StatusOK, HealthResponse{
			Status:         "ok",
			ActiveSessions: deps.Engine.ActiveSessions(),
		})
	})
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics.Handler())
	}

	sessions := NewSessionsHandler(deps.Engine)
	accounts := NewAccountsHandler(deps.Engine)
	r.Route("/v1", func(r chi.Router) {
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", sessions.Get)
			r.Post("/activate", sessions.Activate)
			r.Post("/end", sessions.End)
			r.Get("/transactions", sessions.Ledger)
		})
		r.Route("/accounts/{id}", func(r chi.Router) {
			r.Get("/balance", accounts.Balance)
			r.Get("/transactions", accounts.Ledger)
			r.Post("/deposits", accounts.Deposit)
		})
	})

	if deps.Replay != nil {
		admin := NewAdminHandler(deps.Replay)
		r.Route("/admin/pending", func(r chi.Router) {
			if deps.AdminToken != "" {
				r.Use(apimw.AdminToken(deps.AdminToken))
			}
			r.Get("/", admin.Pending)
			r.Post("/dead-letters/{id}/retry", admin.Retry)
		})
	}

	return r
}
