package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"session_billing/internal/logging"
	"session_billing/internal/models"
	"session_billing/internal/queue"
	"session_billing/internal/session"
)

// ReplayWorker applies charges that were deferred when the engine stopped mid-write.
// Each charge keeps its idempotency key, so replaying one that did reach the ledger
// only folds it back into its session.
type ReplayWorker struct {
	queue       queue.Queue
	dlq         queue.DeadLetterQueue
	engine      *Engine
	config      *queue.Config
	logger      logging.Logger
	stopChan    chan struct{}
	stoppedChan chan struct{}
	stopOnce    sync.Once
}

// NewReplayWorker creates a replay worker reading q, which must be the queue the
// engine defers charges to
func NewReplayWorker(q queue.Queue, dlq queue.DeadLetterQueue, engine *Engine, config *queue.Config) *ReplayWorker {
	if config == nil {
		config = queue.DefaultConfig("pending-charges")
	}

	return &ReplayWorker{
		queue:       q,
		dlq:         dlq,
		engine:      engine,
		config:      config,
		logger:      logging.NewLogger("replay"),
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Start starts the worker goroutine
func (w *ReplayWorker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop stops the worker and waits for the current batch
func (w *ReplayWorker) Stop() error {
	w.stopOnce.Do(func() { close(w.stopChan) })
	<-w.stoppedChan
	return nil
}

// Drain replays everything queued right now and returns how many charges were
// applied. It is run once on startup, before active sessions are resumed.
func (w *ReplayWorker) Drain(ctx context.Context) (int, error) {
	applied := 0
	for {
		n, err := w.queue.Length(ctx)
		if err != nil {
			return applied, fmt.Errorf("failed to read pending queue length: %w", err)
		}
		if n == 0 {
			return applied, nil
		}

		items, err := w.queue.DequeueWithTimeout(ctx, w.config.BatchSize, 10*time.Millisecond)
		if err != nil {
			return applied, fmt.Errorf("failed to dequeue pending charges: %w", err)
		}
		if len(items) == 0 {
			return applied, nil
		}
		for _, item := range items {
			if err := w.processItem(ctx, item); err == nil {
				applied++
			}
		}
	}
}

func (w *ReplayWorker) run(ctx context.Context) {
	defer close(w.stoppedChan)

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Replay worker stopping")
			return
		case <-ctx.Done():
			w.logger.Info("Replay worker context cancelled")
			return
		default:
			w.processBatch(ctx)
		}
	}
}

func (w *ReplayWorker) processBatch(ctx context.Context) {
	items, err := w.queue.DequeueWithTimeout(ctx, w.config.BatchSize, w.config.BatchTimeout)
	if err != nil {
		if errors.Is(err, queue.ErrQueueClosed) || ctx.Err() != nil {
			w.sleep(ctx, w.config.RetryBackoff)
			return
		}
		w.logger.WithError(err).Error("Failed to dequeue pending charges")
		w.sleep(ctx, time.Second)
		return
	}
	if len(items) == 0 {
		return
	}

	w.logger.WithField("count", len(items)).Debug("Replaying pending charges")
	for _, item := range items {
		if err := w.processItem(ctx, item); err != nil {
			w.logger.WithError(err).Error("Failed to replay pending charge")
		}
	}
}

// processItem replays one charge with exponential backoff. Charges that cannot be
// decoded or that the balance no longer covers go straight to the dead letter queue.
func (w *ReplayWorker) processItem(ctx context.Context, item []byte) error {
	var pc PendingCharge
	if err := json.Unmarshal(item, &pc); err != nil {
		w.deadLetter(ctx, item, fmt.Errorf("malformed pending charge: %w", err))
		w.engine.metrics.ReplayItem("malformed")
		return err
	}
	log := w.logger.WithFields(logging.Fields{
		"session_id":      pc.SessionID,
		"idempotency_key": pc.IdempotencyKey,
	})

	var lastErr error
	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := w.config.RetryBackoff * time.Duration(1<<uint(attempt-1))
			log.WithFields(logging.Fields{"attempt": attempt, "backoff": backoff}).Debug("Retrying pending charge")
			if !w.sleep(ctx, backoff) {
				break
			}
		}

		err := w.engine.applyPending(ctx, &pc)
		if err == nil {
			w.engine.metrics.ReplayItem("applied")
			log.WithField("amount", pc.Amount).Info("Pending charge replayed")
			return nil
		}
		lastErr = err
		if errors.Is(err, ErrInsufficientFunds) {
			break
		}
		log.WithError(err).WithField("attempt", attempt).Warn("Failed to replay pending charge")
		if attempt == w.config.MaxRetries {
			lastErr = fmt.Errorf("%w after %d attempts: %w", queue.ErrMaxRetriesExceeded, attempt+1, err)
		}
	}

	w.engine.metrics.ReplayItem("dead_lettered")
	w.deadLetter(ctx, item, lastErr)
	return fmt.Errorf("pending charge %s not applied: %w", pc.IdempotencyKey, lastErr)
}

func (w *ReplayWorker) deadLetter(ctx context.Context, item []byte, cause error) {
	if w.dlq == nil {
		w.logger.WithError(cause).Error("Pending charge dropped, no dead letter queue configured")
		return
	}
	if err := w.dlq.Add(context.WithoutCancel(ctx), item, cause); err != nil {
		w.logger.WithError(err).Error("Failed to add to dead letter queue")
		return
	}
	w.logger.WithError(cause).Warn("Pending charge moved to dead letter queue")
}

// sleep waits for d unless the worker stops first
func (w *ReplayWorker) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-w.stopChan:
		return false
	case <-ctx.Done():
		return false
	}
}

// GetQueueLength returns the number of charges waiting for replay
func (w *ReplayWorker) GetQueueLength(ctx context.Context) (int, error) {
	return w.queue.Length(ctx)
}

// GetDeadLetterItems returns charges that could not be replayed
func (w *ReplayWorker) GetDeadLetterItems(ctx context.Context, maxItems int) ([]queue.DeadLetterItem, error) {
	if w.dlq == nil {
		return nil, fmt.Errorf("dead letter queue not configured")
	}
	return w.dlq.List(ctx, maxItems)
}

// RetryDeadLetterItem puts a dead-lettered charge back on the replay queue
func (w *ReplayWorker) RetryDeadLetterItem(ctx context.Context, id string) error {
	if w.dlq == nil {
		return fmt.Errorf("dead letter queue not configured")
	}

	items, err := w.dlq.List(ctx, 0)
	if err != nil {
		return fmt.Errorf("failed to list dead letter items: %w", err)
	}

	for _, dl := range items {
		if dl.ID != id {
			continue
		}
		if err := w.queue.Enqueue(ctx, dl.Payload); err != nil {
			return fmt.Errorf("failed to re-enqueue item: %w", err)
		}
		if err := w.dlq.Remove(ctx, id); err != nil {
			return fmt.Errorf("failed to remove from DLQ: %w", err)
		}
		return nil
	}

	return queue.ErrItemNotFound
}

// applyPending writes a deferred charge and folds it into its session
func (e *Engine) applyPending(ctx context.Context, pc *PendingCharge) error {
	amount := pc.Amount
	if amount > 0 {
		res, err := e.store.TryDebit(ctx, pc.debitRequest())
		if err != nil {
			return err
		}
		if !res.Applied {
			return fmt.Errorf("%w: balance %d, charge %d", ErrInsufficientFunds, res.NewBalance, amount)
		}
		if res.Duplicate {
			amount = res.Transaction.Amount
		} else {
			e.metrics.Charged(amount)
		}
	}

	if w, ok := e.workers.Lookup(pc.SessionID); ok {
		w.mu.Lock()
		defer w.mu.Unlock()
		return e.fold(ctx, w.session, pc, amount, w)
	}

	s, err := e.sessions.Get(ctx, pc.SessionID)
	if errors.Is(err, session.ErrSessionNotFound) {
		e.logger.WithField("session_id", pc.SessionID).Warn("Replayed charge for unknown session")
		return nil
	}
	if err != nil {
		return err
	}
	return e.fold(ctx, s, pc, amount, nil)
}

// fold records a replayed charge on its session unless a later tick already did
func (e *Engine) fold(ctx context.Context, s *models.Session, pc *PendingCharge, amount int64, w *worker) error {
	if s.State != models.SessionStateActive {
		return nil
	}
	if pc.EndState == "" && pc.IntervalIndex <= s.LastIntervalIndex {
		return nil
	}

	now := e.clock.Now()
	if err := session.ApplyTick(s, pc.tick(), amount, now); err != nil {
		return err
	}
	if pc.EndState != "" {
		if err := session.End(s, pc.EndState, pc.Reason, now); err != nil {
			return err
		}
		if w != nil {
			w.halt()
			e.unregister(s.ID)
		}
		e.metrics.Transition(string(pc.EndState))
	}
	if err := e.sessions.Update(ctx, s); err != nil {
		return err
	}
	if pc.EndState != "" {
		e.publish(s, now)
	}
	return nil
}
