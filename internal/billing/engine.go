// Package billing meters active sessions. Each active session owns a worker that
// charges the client once per interval; the balance store and its ledger are the
// only state shared between sessions.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"session_billing/internal/config"
	"session_billing/internal/ledger"
	"session_billing/internal/logging"
	"session_billing/internal/metrics"
	"session_billing/internal/models"
	"session_billing/internal/notify"
	"session_billing/internal/queue"
	"session_billing/internal/rates"
	"session_billing/internal/registry"
	"session_billing/internal/session"
	"session_billing/internal/utils"
)

// Reloader is told when a client's balance runs low
type Reloader interface {
	Signal(ctx context.Context, account *models.Account) bool
	Wait(ctx context.Context) error
}

// Deps are the collaborators of an Engine. Store, Sessions and Rates are required.
type Deps struct {
	Store    ledger.Store
	Sessions session.Store
	Rates    rates.Resolver
	Reload   Reloader
	Notifier notify.Notifier
	Metrics  metrics.Recorder
	Pending  queue.Queue
	Clock    utils.Clock
}

// SessionStatus is the externally visible view of a session
type SessionStatus struct {
	SessionID         string              `json:"session_id"`
	State             models.SessionState `json:"state"`
	Type              models.SessionType  `json:"type"`
	ClientAccountID   string              `json:"client_account_id"`
	ProviderAccountID string              `json:"provider_account_id"`
	RatePerMinute     int64               `json:"rate_per_minute"`
	TotalCharged      int64               `json:"total_charged"`
	ElapsedSeconds    int64               `json:"elapsed_seconds"`
	BilledSeconds     int64               `json:"billed_seconds"`
	StartTime         *time.Time          `json:"start_time,omitempty"`
	EndTime           *time.Time          `json:"end_time,omitempty"`
	EndReason         string              `json:"end_reason,omitempty"`
}

func statusOf(s *models.Session, now time.Time) *SessionStatus {
	return &SessionStatus{
		SessionID:         s.ID,
		State:             s.State,
		Type:              s.Type,
		ClientAccountID:   s.ClientAccountID,
		ProviderAccountID: s.ProviderAccountID,
		RatePerMinute:     s.RatePerMinute,
		TotalCharged:      s.TotalCharged,
		ElapsedSeconds:    int64(s.ElapsedAt(now) / time.Second),
		BilledSeconds:     int64(s.Accumulated / time.Second),
		StartTime:         s.StartTime,
		EndTime:           s.EndTime,
		EndReason:         s.EndReason,
	}
}

// Engine activates, meters and ends sessions
type Engine struct {
	cfg      config.BillingConfig
	store    ledger.Store
	sessions session.Store
	rates    rates.Resolver
	reload   Reloader
	notifier notify.Notifier
	metrics  metrics.Recorder
	pending  queue.Queue
	clock    utils.Clock
	logger   logging.Logger
	workers  *registry.Registry[*worker]

	// ctx outlives requests; cancelling it aborts in-flight retries on shutdown
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closing bool
	claimed map[string]struct{}
	events  sync.WaitGroup
}

// NewEngine creates an engine. Call Recover to resume sessions left active by a
// previous process.
func NewEngine(cfg config.BillingConfig, deps Deps) (*Engine, error) {
	if deps.Store == nil || deps.Sessions == nil || deps.Rates == nil {
		return nil, errors.New("billing engine requires a store, a session store and a rate resolver")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("billing interval must be positive, got %s", cfg.Interval)
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Noop{}
	}
	if deps.Pending == nil {
		deps.Pending = queue.NewMemoryQueue(queue.DefaultConfig("pending-charges"))
	}
	if deps.Clock == nil {
		deps.Clock = utils.SystemClock{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:      cfg,
		store:    deps.Store,
		sessions: deps.Sessions,
		rates:    deps.Rates,
		reload:   deps.Reload,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		pending:  deps.Pending,
		clock:    deps.Clock,
		logger:   logging.NewLogger("billing"),
		workers:  registry.New[*worker](),
		ctx:      ctx,
		cancel:   cancel,
		claimed:  make(map[string]struct{}),
	}, nil
}

// ActivateSession moves a pending session to active after checking that the client
// can pay for at least one interval, then starts billing it.
func (e *Engine) ActivateSession(ctx context.Context, sessionID string) (*SessionStatus, error) {
	if err := e.claim(sessionID); err != nil {
		return nil, err
	}
	defer e.unclaim(sessionID)

	s, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.State != models.SessionStatePending {
		return nil, fmt.Errorf("%w: session %s is %s", session.ErrInvalidTransition, sessionID, s.State)
	}

	rate, err := e.rates.Resolve(ctx, s.Type, s.ProviderAccountID)
	if err != nil {
		return nil, err
	}
	if err := e.checkStartBalance(ctx, s, rate); err != nil {
		return nil, err
	}

	now := e.clock.Now()
	if err := session.Activate(s, rate, now); err != nil {
		return nil, err
	}
	if err := e.persist(e.ctx, s); err != nil {
		return nil, fmt.Errorf("failed to persist activation of %s: %w", sessionID, err)
	}

	status := statusOf(s, now)
	e.publish(s, now)

	w := newWorker(e, s)
	if err := e.startWorker(w); err != nil {
		if errors.Is(err, ErrShuttingDown) {
			// Still active in the store; Recover resumes it on the next start
			w.logger.Warn("Shutdown began during activation, session left for recovery")
		}
		return nil, err
	}

	e.metrics.Transition(string(models.SessionStateActive))
	e.metrics.SetActiveSessions(e.workers.Len())
	w.logger.WithField("rate_per_minute", rate).Info("Session activated")
	return status, nil
}

// checkStartBalance debits one interval's worth (or the configured minimum) and
// releases it right away. The debit goes through TryDebit so the check is atomic
// against concurrent charges on the same account.
func (e *Engine) checkStartBalance(ctx context.Context, s *models.Session, rate int64) error {
	hold := dueFor(rate, e.cfg.Interval)
	if e.cfg.MinimumStartBalance > hold {
		hold = e.cfg.MinimumStartBalance
	}
	if hold < 1 {
		hold = 1
	}
	key := fmt.Sprintf("%s:hold:%s", s.ID, uuid.NewString())

	res, err := withRetry(e.ctx, e, "hold", func(ctx context.Context) (*ledger.DebitResult, error) {
		return e.store.TryDebit(ctx, ledger.DebitRequest{
			AccountID:      s.ClientAccountID,
			SessionID:      s.ID,
			Amount:         hold,
			IdempotencyKey: key,
			Description:    "start balance check",
		})
	})
	if err != nil {
		if e.ctx.Err() != nil {
			return ErrShuttingDown
		}
		return err
	}
	if !res.Applied {
		if acct := e.account(ctx, s.ClientAccountID); acct != nil && e.reload != nil {
			e.reload.Signal(ctx, acct)
		}
		return fmt.Errorf("%w: balance %d, %d required to start", ErrInsufficientFunds, res.NewBalance, hold)
	}

	_, err = withRetry(e.ctx, e, "release", func(ctx context.Context) (*models.Transaction, error) {
		return e.store.Credit(ctx, ledger.CreditRequest{
			AccountID:      s.ClientAccountID,
			SessionID:      s.ID,
			Kind:           models.TransactionKindRefund,
			Amount:         hold,
			IdempotencyKey: key + ":release",
			Description:    "start balance check released",
		})
	})
	if err != nil {
		e.logger.WithFields(logging.Fields{
			"session_id":      s.ID,
			"idempotency_key": key,
			"amount":          hold,
		}).WithError(err).Error("Failed to release start balance check")
		return fmt.Errorf("failed to release start balance check %s: %w", key, err)
	}
	return nil
}

// EndSession ends a session on behalf of a participant. An active session is charged
// for the partial interval since its last tick; a pending one is cancelled.
func (e *Engine) EndSession(ctx context.Context, sessionID, reason string) (*SessionStatus, error) {
	if reason == "" {
		reason = "ended by participant"
	}
	if w, ok := e.workers.Lookup(sessionID); ok {
		return e.endActive(w, reason)
	}

	if err := e.claim(sessionID); err != nil {
		return nil, err
	}
	defer e.unclaim(sessionID)

	// The worker may have been registered while we waited for the claim
	if w, ok := e.workers.Lookup(sessionID); ok {
		return e.endActive(w, reason)
	}

	s, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	switch s.State {
	case models.SessionStatePending:
		now := e.clock.Now()
		if err := session.End(s, models.SessionStateCancelled, reason, now); err != nil {
			return nil, err
		}
		if err := e.persist(e.ctx, s); err != nil {
			return nil, fmt.Errorf("failed to persist cancellation of %s: %w", sessionID, err)
		}
		e.metrics.Transition(string(s.State))
		e.publish(s, now)
		return statusOf(s, now), nil
	case models.SessionStateActive:
		// Active in the store but not billed by this process, e.g. before Recover
		return e.endActive(newWorker(e, s), reason)
	default:
		return nil, fmt.Errorf("%w: session %s is already %s", session.ErrInvalidTransition, sessionID, s.State)
	}
}

func (e *Engine) endActive(w *worker, reason string) (*SessionStatus, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := w.session
	if s.State != models.SessionStateActive {
		return nil, fmt.Errorf("%w: session %s is already %s", session.ErrInvalidTransition, s.ID, s.State)
	}

	now := e.clock.Now()
	pc, err := e.finalCharge(w, now, reason)
	if err != nil {
		if e.ctx.Err() != nil {
			w.halt()
			e.deferCharge(pc, err)
			return nil, ErrShuttingDown
		}
		return nil, err
	}

	if err := session.ApplyTick(s, pc.tick(), pc.Amount, now); err != nil {
		return nil, err
	}
	if err := e.terminate(w, models.SessionStateCompleted, reason, now); err != nil {
		if e.ctx.Err() != nil {
			e.deferCharge(pc, err)
			return nil, ErrShuttingDown
		}
		return nil, err
	}
	return statusOf(s, now), nil
}

// finalCharge bills the time since the last tick, capped like a tick. When the
// balance cannot cover it the client is charged what is left. The returned charge
// is never nil so the caller can defer it.
func (e *Engine) finalCharge(w *worker, now time.Time, reason string) (*PendingCharge, error) {
	s := w.session
	pc := &PendingCharge{
		SessionID:         s.ID,
		AccountID:         s.ClientAccountID,
		ProviderAccountID: s.ProviderAccountID,
		IdempotencyKey:    finalKey(s.ID),
		IntervalIndex:     s.LastIntervalIndex,
		Description:       "final partial interval",
		EndState:          models.SessionStateCompleted,
		Reason:            reason,
		CreatedAt:         now,
	}
	if !e.cfg.ProrateOnEnd {
		return pc, nil
	}

	elapsed := now.Sub(*s.LastBilledTime)
	if elapsed < 0 {
		e.metrics.Tick(metrics.TickAnomaly)
		w.logger.WithField("elapsed", elapsed).Warn("Clock moved backwards before final charge")
		elapsed = 0
	}
	if limit := e.billableLimit(s); elapsed > limit {
		elapsed = limit
	}
	pc.Elapsed = elapsed
	pc.Amount = chargeFor(s.RatePerMinute, s.Accumulated, elapsed)
	pc.ProviderShare = providerShare(pc.Amount, e.cfg.ProviderShareBps)
	if pc.Amount == 0 {
		return pc, nil
	}

	res, err := withRetry(e.ctx, e, "final_debit", func(ctx context.Context) (*ledger.DebitResult, error) {
		return e.store.TryDebit(ctx, pc.debitRequest())
	})
	if err != nil {
		return pc, err
	}
	if !res.Applied {
		w.logger.WithFields(logging.Fields{
			"owed":      pc.Amount,
			"available": res.NewBalance,
		}).Warn("Balance short of final charge, charging what is left")
		pc.Amount = res.NewBalance
		pc.ProviderShare = providerShare(pc.Amount, e.cfg.ProviderShareBps)
		if pc.Amount <= 0 {
			pc.Amount, pc.ProviderShare = 0, 0
			return pc, nil
		}
		res, err = withRetry(e.ctx, e, "final_debit", func(ctx context.Context) (*ledger.DebitResult, error) {
			return e.store.TryDebit(ctx, pc.debitRequest())
		})
		if err != nil {
			return pc, err
		}
		if !res.Applied {
			pc.Amount, pc.ProviderShare = 0, 0
			return pc, nil
		}
	}
	if res.Duplicate {
		pc.Amount = res.Transaction.Amount
	} else {
		e.metrics.Charged(pc.Amount)
	}
	return pc, nil
}

// terminate moves the worker's session into a terminal state, stops its worker and
// persists it. The caller holds w.mu.
func (e *Engine) terminate(w *worker, to models.SessionState, reason string, now time.Time) error {
	s := w.session
	if err := session.End(s, to, reason, now); err != nil {
		return err
	}
	w.halt()
	e.unregister(s.ID)
	e.metrics.Transition(string(to))

	if err := e.persist(e.ctx, s); err != nil {
		w.logger.WithError(err).Error("Failed to persist session end")
		return fmt.Errorf("failed to persist end of %s: %w", s.ID, err)
	}

	w.logger.WithFields(logging.Fields{
		"state":         to,
		"reason":        reason,
		"total_charged": s.TotalCharged,
	}).Info("Session ended")
	e.publish(s, now)
	return nil
}

// GetSessionStatus returns the state, total charged and elapsed time of a session
func (e *Engine) GetSessionStatus(ctx context.Context, sessionID string) (*SessionStatus, error) {
	if w, ok := e.workers.Lookup(sessionID); ok {
		w.mu.Lock()
		defer w.mu.Unlock()
		return statusOf(w.session, e.clock.Now()), nil
	}
	s, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return statusOf(s, e.clock.Now()), nil
}

// GetSessionLedger returns every ledger entry written for a session
func (e *Engine) GetSessionLedger(ctx context.Context, sessionID string) ([]models.Transaction, error) {
	if _, err := e.sessions.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	return e.store.ListForSession(ctx, sessionID)
}

// GetAccountLedger returns every ledger entry of an account
func (e *Engine) GetAccountLedger(ctx context.Context, accountID string) ([]models.Transaction, error) {
	if _, err := e.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return e.store.ListForAccount(ctx, accountID)
}

// GetBalance returns the current balance of an account
func (e *Engine) GetBalance(ctx context.Context, accountID string) (int64, error) {
	return e.store.GetBalance(ctx, accountID)
}

// RecordExternalDeposit credits a deposit confirmed outside the engine, such as a
// payment webhook. The reference makes redelivery harmless.
func (e *Engine) RecordExternalDeposit(ctx context.Context, accountID string, amount int64, reference string) (*models.Transaction, error) {
	if reference == "" {
		return nil, ledger.ErrMissingKey
	}
	if amount <= 0 {
		return nil, ledger.ErrInvalidAmount
	}
	if _, err := e.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return withRetry(ctx, e, "deposit", func(ctx context.Context) (*models.Transaction, error) {
		return e.store.Credit(ctx, ledger.CreditRequest{
			AccountID:      accountID,
			Kind:           models.TransactionKindDeposit,
			Amount:         amount,
			IdempotencyKey: "deposit:" + reference,
			Description:    "external deposit " + reference,
		})
	})
}

// Tick evaluates a session immediately instead of waiting for its ticker. Sessions
// that are not being billed are ignored.
func (e *Engine) Tick(ctx context.Context, sessionID string) error {
	if e.isClosing() {
		return ErrShuttingDown
	}
	w, ok := e.workers.Lookup(sessionID)
	if !ok {
		return nil
	}
	e.tick(ctx, w)
	return nil
}

// ActiveSessions returns the number of sessions being billed
func (e *Engine) ActiveSessions() int {
	return e.workers.Len()
}

// Recover resumes billing for sessions the store still lists as active. The first
// tick of a resumed session bills at most one interval.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	active, err := e.sessions.ListByState(ctx, models.SessionStateActive)
	if err != nil {
		return 0, fmt.Errorf("failed to list active sessions: %w", err)
	}

	resumed := 0
	for _, s := range active {
		if _, ok := e.workers.Lookup(s.ID); ok {
			continue
		}
		if s.StartTime == nil || s.LastBilledTime == nil || s.RatePerMinute <= 0 {
			e.logger.WithField("session_id", s.ID).Warn("Skipping active session without billing state")
			continue
		}
		if err := e.startWorker(newWorker(e, s)); err != nil {
			if errors.Is(err, ErrShuttingDown) {
				break
			}
			continue
		}
		resumed++
	}

	e.metrics.SetActiveSessions(e.workers.Len())
	e.logger.WithField("count", resumed).Info("Resumed active sessions")
	return resumed, nil
}

// Shutdown stops every worker and waits for in-flight ticks to finish. When ctx
// ends first, the remaining ticks abort and their charges go to the pending queue.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closing {
		e.mu.Unlock()
		return nil
	}
	e.closing = true
	e.mu.Unlock()

	workers := e.workers.Snapshot()
	for _, w := range workers {
		w.halt()
	}

	drained := make(chan struct{})
	go func() {
		for _, w := range workers {
			w.wait()
		}
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		e.logger.Warn("Shutdown deadline reached, deferring in-flight charges")
		e.cancel()
		<-drained
	}
	e.cancel()

	var errs []error
	if e.reload != nil {
		if err := e.reload.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("auto-reloads still running: %w", err))
		}
	}
	if err := waitGroup(ctx, &e.events); err != nil {
		errs = append(errs, fmt.Errorf("session events still publishing: %w", err))
	}

	e.logger.WithField("sessions", len(workers)).Info("Billing engine stopped")
	return errors.Join(errs...)
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// claim serialises activation and cancellation of a session that has no worker
func (e *Engine) claim(sessionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closing {
		return ErrShuttingDown
	}
	if _, busy := e.claimed[sessionID]; busy {
		return fmt.Errorf("%w: session %s is changing state", session.ErrInvalidTransition, sessionID)
	}
	e.claimed[sessionID] = struct{}{}
	return nil
}

func (e *Engine) unclaim(sessionID string) {
	e.mu.Lock()
	delete(e.claimed, sessionID)
	e.mu.Unlock()
}

func (e *Engine) isClosing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closing
}

// startWorker registers and starts w unless shutdown has begun. The closing check
// and Shutdown's snapshot are ordered by e.mu, so every started worker is drained.
func (e *Engine) startWorker(w *worker) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closing {
		return ErrShuttingDown
	}
	if err := e.workers.Register(w); err != nil {
		return err
	}
	w.start(e.clock.NewTicker(e.cfg.Interval))
	return nil
}

func (e *Engine) unregister(sessionID string) {
	if _, err := e.workers.Unregister(sessionID); err == nil {
		e.metrics.SetActiveSessions(e.workers.Len())
	}
}

func (e *Engine) persist(ctx context.Context, s *models.Session) error {
	_, err := withRetry(ctx, e, "session_update", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.sessions.Update(ctx, s)
	})
	return err
}

// account returns the client's settings with defaults applied, or nil when the
// directory cannot be read
func (e *Engine) account(ctx context.Context, accountID string) *models.Account {
	acct, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		e.logger.WithField("account_id", accountID).WithError(err).Debug("Failed to load account settings")
		return nil
	}
	acct.ApplyDefaults()
	return acct
}

// deferCharge parks a charge whose write was cut short so it can be replayed
func (e *Engine) deferCharge(pc *PendingCharge, cause error) {
	log := e.logger.WithFields(logging.Fields{
		"session_id":      pc.SessionID,
		"idempotency_key": pc.IdempotencyKey,
		"amount":          pc.Amount,
	})

	data, err := json.Marshal(pc)
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = e.pending.Enqueue(ctx, data)
		cancel()
	}
	if err != nil {
		log.WithError(err).Error("Failed to defer charge, reconcile manually")
		return
	}
	e.metrics.Tick(metrics.TickDeferred)
	log.WithError(cause).Warn("Charge deferred for replay")
}

// publish sends the event in the background; delivery never blocks billing
func (e *Engine) publish(s *models.Session, now time.Time) {
	if e.notifier == nil {
		return
	}
	event := notify.NewSessionEvent(s, now)

	e.events.Add(1)
	go func() {
		defer e.events.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.notifier.Publish(ctx, event); err != nil {
			e.logger.WithFields(logging.Fields{
				"session_id": event.SessionID,
				"event":      event.Type,
			}).WithError(err).Warn("Failed to publish session event")
		}
	}()
}
