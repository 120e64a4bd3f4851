package billing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"session_billing/internal/ledger"
	"session_billing/internal/logging"
	"session_billing/internal/metrics"
	"session_billing/internal/models"
	"session_billing/internal/session"
	"session_billing/internal/utils"
)

// worker bills one active session. mu serialises its ticks with EndSession, so a
// session is never evaluated twice at once.
type worker struct {
	engine  *Engine
	logger  logging.Logger
	mu      sync.Mutex
	session *models.Session

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	started  bool
}

func newWorker(e *Engine, s *models.Session) *worker {
	return &worker{
		engine: e,
		logger: e.logger.WithFields(logging.Fields{
			"session_id": s.ID,
			"account_id": s.ClientAccountID,
		}),
		session: s,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (w *worker) SessionID() string {
	return w.session.ID
}

func (w *worker) start(ticker utils.Ticker) {
	w.started = true
	go w.run(ticker)
}

func (w *worker) run(ticker utils.Ticker) {
	defer close(w.done)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C():
			// stop may have been closed while the tick was already pending
			select {
			case <-w.stop:
				return
			default:
			}
			w.engine.tick(w.engine.ctx, w)
		}
	}
}

// halt asks the loop to exit after its current tick
func (w *worker) halt() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *worker) wait() {
	if w.started {
		<-w.done
	}
}

// tick charges the time since the last billed tick. A scheduler gap is billed for
// at most one interval.
func (e *Engine) tick(ctx context.Context, w *worker) {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := w.session
	if s.State != models.SessionStateActive {
		return
	}

	now := e.clock.Now()
	elapsed := now.Sub(*s.LastBilledTime)
	if elapsed <= 0 {
		e.metrics.Tick(metrics.TickAnomaly)
		w.logger.WithField("elapsed", elapsed).Warn("Clock anomaly, no time elapsed since last billed tick")
		return
	}
	if limit := e.billableLimit(s); elapsed > limit {
		elapsed = limit
	}

	idx := intervalIndex(*s.StartTime, now, e.cfg.Interval, s.LastIntervalIndex)
	amount := chargeFor(s.RatePerMinute, s.Accumulated, elapsed)
	pc := &PendingCharge{
		SessionID:         s.ID,
		AccountID:         s.ClientAccountID,
		ProviderAccountID: s.ProviderAccountID,
		Amount:            amount,
		ProviderShare:     providerShare(amount, e.cfg.ProviderShareBps),
		IdempotencyKey:    tickKey(s.ID, idx),
		IntervalIndex:     idx,
		Elapsed:           elapsed,
		Description:       fmt.Sprintf("interval %d", idx),
		CreatedAt:         now,
	}

	if amount == 0 {
		// Sub-cent slice; the remainder carries into the next tick
		if err := session.ApplyTick(s, pc.tick(), 0, now); err != nil {
			w.logger.WithError(err).Error("Failed to apply tick")
			return
		}
		e.metrics.Tick(metrics.TickZero)
		e.save(ctx, w, pc)
		return
	}

	res, err := withRetry(ctx, e, "debit", func(ctx context.Context) (*ledger.DebitResult, error) {
		return e.store.TryDebit(ctx, pc.debitRequest())
	})
	if err != nil {
		e.tickFailed(ctx, w, pc, err, now)
		return
	}

	if res.Applied {
		outcome := metrics.TickApplied
		if res.Duplicate {
			outcome = metrics.TickDuplicate
			amount = res.Transaction.Amount
		} else {
			e.metrics.Charged(amount)
		}
		if err := session.ApplyTick(s, pc.tick(), amount, now); err != nil {
			w.logger.WithError(err).Error("Failed to apply tick")
			return
		}
		e.metrics.Tick(outcome)
		w.logger.WithFields(logging.Fields{
			"interval": idx,
			"amount":   amount,
			"balance":  res.NewBalance,
		}).Debug("Interval charged")

		e.save(ctx, w, pc)
		if e.reload != nil {
			if acct := e.account(ctx, s.ClientAccountID); acct != nil && acct.BelowReloadThreshold(res.NewBalance) {
				e.reload.Signal(ctx, acct)
			}
		}
		return
	}

	if e.cfg.ReloadGraceTick && !s.ReloadGraceUsed && e.reload != nil {
		if acct := e.account(ctx, s.ClientAccountID); acct != nil && acct.AutoReloadEnabled {
			e.reload.Signal(ctx, acct)
			s.ReloadGraceUsed = true
			s.UpdatedAt = now
			e.metrics.Tick(metrics.TickGrace)
			w.logger.WithFields(logging.Fields{
				"interval": idx,
				"owed":     amount,
				"balance":  res.NewBalance,
			}).Warn("Insufficient funds, waiting one interval for auto-reload")
			e.save(ctx, w, nil)
			return
		}
	}

	e.metrics.Tick(metrics.TickInsufficient)
	w.logger.WithFields(logging.Fields{
		"interval": idx,
		"owed":     amount,
		"balance":  res.NewBalance,
	}).Warn("Insufficient funds, terminating session")
	if err := e.terminate(w, models.SessionStateTerminatedInsufficientFunds, "insufficient funds", now); err != nil && ctx.Err() != nil {
		e.deferCharge(endMarker(s, models.SessionStateTerminatedInsufficientFunds, "insufficient funds", now), err)
	}
}

// billableLimit caps the time one charge may cover. A grace tick charged
// nothing, so the charge after it may cover two intervals.
func (e *Engine) billableLimit(s *models.Session) time.Duration {
	if s.ReloadGraceUsed {
		return 2 * e.cfg.Interval
	}
	return e.cfg.Interval
}

// tickFailed handles a debit that neither applied nor reported insufficient funds
func (e *Engine) tickFailed(ctx context.Context, w *worker, pc *PendingCharge, err error, now time.Time) {
	if ctx.Err() != nil {
		w.halt()
		e.deferCharge(pc, err)
		return
	}

	e.metrics.Tick(metrics.TickFailed)
	w.logger.WithError(err).Error("Charge failed permanently, cancelling session")
	reason := "billing failed: " + err.Error()
	if terr := e.terminate(w, models.SessionStateCancelled, reason, now); terr != nil && ctx.Err() != nil {
		e.deferCharge(endMarker(w.session, models.SessionStateCancelled, reason, now), terr)
	}
}

// save persists the worker's session. A write cut short by shutdown defers pc, whose
// replay folds the tick back in; any other failure stops billing the session.
func (e *Engine) save(ctx context.Context, w *worker, pc *PendingCharge) {
	err := e.persist(ctx, w.session)
	if err == nil {
		return
	}
	if ctx.Err() != nil {
		w.halt()
		if pc != nil {
			e.deferCharge(pc, err)
		}
		return
	}
	w.logger.WithError(err).Error("Failed to persist session, stopping billing")
	w.halt()
	e.unregister(w.session.ID)
}

// endMarker is a zero-amount pending charge that only carries a terminal state
func endMarker(s *models.Session, to models.SessionState, reason string, now time.Time) *PendingCharge {
	return &PendingCharge{
		SessionID:      s.ID,
		AccountID:      s.ClientAccountID,
		IdempotencyKey: fmt.Sprintf("%s:end", s.ID),
		IntervalIndex:  s.LastIntervalIndex,
		EndState:       to,
		Reason:         reason,
		CreatedAt:      now,
	}
}
