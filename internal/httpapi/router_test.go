package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"session_billing/internal/billing"
	"session_billing/internal/config"
	"session_billing/internal/ledger"
	"session_billing/internal/metrics"
	"session_billing/internal/models"
	"session_billing/internal/queue"
	"session_billing/internal/rates"
	"session_billing/internal/session"
	"session_billing/internal/utils"
)

type testServer struct {
	server   *httptest.Server
	store    *ledger.MemoryStore
	sessions *session.MemoryStore
}

func newTestServer(t *testing.T, opts ...func(*Dependencies)) *testServer {
	t.Helper()

	store := ledger.NewMemoryStore()
	sessions := session.NewMemoryStore()
	pending := queue.NewMemoryQueue(queue.DefaultConfig("test"))
	prom := metrics.NewPrometheus()

	catalog, err := rates.ParseCatalog(`
[default]
chat = 100

[providers.reader-1]
video = 300
`)
	require.NoError(t, err)

	engine, err := billing.NewEngine(config.BillingConfig{
		Interval:         time.Minute,
		ProviderShareBps: 7000,
		ProrateOnEnd:     true,
		RetryBaseDelay:   time.Millisecond,
		RetryMaxDelay:    5 * time.Millisecond,
	}, billing.Deps{
		Store:    store,
		Sessions: sessions,
		Rates:    catalog,
		Metrics:  prom,
		Pending:  pending,
	})
	require.NoError(t, err)

	deps := &Dependencies{
		Engine:  engine,
		Replay:  billing.NewReplayWorker(pending, queue.NewMemoryDeadLetterQueue(), engine, nil),
		Metrics: prom,
	}
	for _, opt := range opts {
		opt(deps)
	}
	srv := httptest.NewServer(NewRouter(deps))
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
	})

	return &testServer{server: srv, store: store, sessions: sessions}
}

func (s *testServer) seed(t *testing.T, balance int64, sessionType models.SessionType) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.store.PutAccount(ctx, &models.Account{ID: "client-1", Balance: balance}))
	require.NoError(t, s.sessions.Create(ctx, &models.Session{
		ID:                "sess-1",
		ClientAccountID:   "client-1",
		ProviderAccountID: "reader-1",
		Type:              sessionType,
	}))
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) (int, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, s.server.URL+path, reader)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func TestRouter_Health(t *testing.T) {
	s := newTestServer(t)

	code, body := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, code)
	health := decode[HealthResponse](t, body)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 0, health.ActiveSessions)
}

func TestRouter_Metrics(t *testing.T) {
	s := newTestServer(t)

	code, body := s.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestRouter_SessionLifecycle(t *testing.T) {
	s := newTestServer(t)
	s.seed(t, 500, models.SessionTypeChat)

	code, body := s.do(t, http.MethodPost, "/v1/sessions/sess-1/activate", nil)
	require.Equal(t, http.StatusOK, code, string(body))
	status := decode[billing.SessionStatus](t, body)
	assert.Equal(t, models.SessionStateActive, status.State)
	assert.Equal(t, int64(100), status.RatePerMinute)

	code, body = s.do(t, http.MethodPost, "/v1/sessions/sess-1/activate", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "invalid_transition", decode[utils.ErrorResponse](t, body).Code)

	code, body = s.do(t, http.MethodGet, "/v1/sessions/sess-1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, models.SessionStateActive, decode[billing.SessionStatus](t, body).State)

	code, body = s.do(t, http.MethodPost, "/v1/sessions/sess-1/end", EndSessionRequest{Reason: "client left"})
	require.Equal(t, http.StatusOK, code, string(body))
	status = decode[billing.SessionStatus](t, body)
	assert.Equal(t, models.SessionStateCompleted, status.State)
	assert.Equal(t, "client left", status.EndReason)

	code, _ = s.do(t, http.MethodPost, "/v1/sessions/sess-1/end", nil)
	assert.Equal(t, http.StatusConflict, code)

	code, body = s.do(t, http.MethodGet, "/v1/sessions/sess-1/transactions", nil)
	require.Equal(t, http.StatusOK, code)
	ledgerResp := decode[SessionLedgerResponse](t, body)
	assert.Equal(t, "sess-1", ledgerResp.SessionID)
	assert.NotEmpty(t, ledgerResp.Transactions, "start balance check is recorded")
}

func TestRouter_ActivateErrors(t *testing.T) {
	t.Run("insufficient funds", func(t *testing.T) {
		s := newTestServer(t)
		s.seed(t, 10, models.SessionTypeChat)

		code, body := s.do(t, http.MethodPost, "/v1/sessions/sess-1/activate", nil)
		assert.Equal(t, http.StatusPaymentRequired, code)
		assert.Equal(t, "insufficient_funds", decode[utils.ErrorResponse](t, body).Code)
	})

	t.Run("rate unavailable", func(t *testing.T) {
		s := newTestServer(t)
		s.seed(t, 500, models.SessionTypePhone)

		code, body := s.do(t, http.MethodPost, "/v1/sessions/sess-1/activate", nil)
		assert.Equal(t, http.StatusUnprocessableEntity, code)
		assert.Equal(t, "rate_unavailable", decode[utils.ErrorResponse](t, body).Code)
	})

	t.Run("unknown session", func(t *testing.T) {
		s := newTestServer(t)

		code, body := s.do(t, http.MethodPost, "/v1/sessions/nope/activate", nil)
		assert.Equal(t, http.StatusNotFound, code)
		assert.Equal(t, "session_not_found", decode[utils.ErrorResponse](t, body).Code)
	})

	t.Run("malformed end body", func(t *testing.T) {
		s := newTestServer(t)
		s.seed(t, 500, models.SessionTypeChat)

		code, _ := s.do(t, http.MethodPost, "/v1/sessions/sess-1/end", map[string]int{"unexpected": 1})
		assert.Equal(t, http.StatusBadRequest, code)
	})
}

func TestRouter_Accounts(t *testing.T) {
	s := newTestServer(t)
	s.seed(t, 500, models.SessionTypeChat)

	code, body := s.do(t, http.MethodGet, "/v1/accounts/client-1/balance", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, BalanceResponse{AccountID: "client-1", Balance: 500}, decode[BalanceResponse](t, body))

	code, _ = s.do(t, http.MethodGet, "/v1/accounts/ghost/balance", nil)
	assert.Equal(t, http.StatusNotFound, code)

	tests := []struct {
		name    string
		account string
		req     interface{}
		want    int
	}{
		{"deposit", "client-1", DepositRequest{Amount: 2500, Reference: "pi_1"}, http.StatusCreated},
		{"redelivered", "client-1", DepositRequest{Amount: 2500, Reference: "pi_1"}, http.StatusCreated},
		{"missing reference", "client-1", DepositRequest{Amount: 2500}, http.StatusBadRequest},
		{"zero amount", "client-1", DepositRequest{Reference: "pi_2"}, http.StatusUnprocessableEntity},
		{"unknown account", "ghost", DepositRequest{Amount: 100, Reference: "pi_3"}, http.StatusNotFound},
		{"unknown field", "client-1", map[string]string{"amount_usd": "1"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := s.do(t, http.MethodPost, "/v1/accounts/"+tt.account+"/deposits", tt.req)
			assert.Equal(t, tt.want, code, string(body))
		})
	}

	code, body = s.do(t, http.MethodGet, "/v1/accounts/client-1/balance", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, int64(3000), decode[BalanceResponse](t, body).Balance)

	code, body = s.do(t, http.MethodGet, "/v1/accounts/client-1/transactions", nil)
	require.Equal(t, http.StatusOK, code)
	history := decode[AccountLedgerResponse](t, body)
	require.Len(t, history.Transactions, 1)
	assert.Equal(t, models.TransactionKindDeposit, history.Transactions[0].Kind)
}

func TestRouter_AdminPending(t *testing.T) {
	s := newTestServer(t)

	code, body := s.do(t, http.MethodGet, "/admin/pending", nil)
	require.Equal(t, http.StatusOK, code)
	pending := decode[PendingResponse](t, body)
	assert.Equal(t, 0, pending.Queued)
	assert.Empty(t, pending.DeadLetters)

	code, _ = s.do(t, http.MethodGet, "/admin/pending?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(t, http.MethodPost, "/admin/pending/dead-letters/missing/retry", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestRouter_AdminRequiresToken(t *testing.T) {
	s := newTestServer(t, func(d *Dependencies) { d.AdminToken = "ops-token" })

	code, body := s.do(t, http.MethodGet, "/admin/pending", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "unauthorized", decode[utils.ErrorResponse](t, body).Code)

	req, err := http.NewRequest(http.MethodGet, s.server.URL+"/admin/pending", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer ops-token")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	code, _ = s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, code, "public routes stay open")
}
