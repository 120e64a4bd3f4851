// Package autoreload tops up client balances through the payment processor when a
// tick leaves them at or below the account's reload threshold.
package autoreload

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"

	"session_billing/internal/ledger"
	"session_billing/internal/logging"
	"session_billing/internal/metrics"
	"session_billing/internal/models"
	"session_billing/internal/payments"
	"session_billing/internal/utils"
)

// Config holds reload dispatch settings
type Config struct {
	Currency       string
	RequestTimeout time.Duration
}

// Trigger dispatches at most one reload per account at a time
type Trigger struct {
	processor payments.Processor
	store     ledger.BalanceStore
	config    Config
	metrics   metrics.Recorder
	logger    logging.Logger
	credit    failsafe.Executor[*models.Transaction]

	mu       sync.Mutex
	inFlight map[string]struct{}
	wg       sync.WaitGroup
}

// NewTrigger creates a reload trigger
func NewTrigger(processor payments.Processor, store ledger.BalanceStore, config Config, rec metrics.Recorder) *Trigger {
	if rec == nil {
		rec = metrics.Noop{}
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}

	// The processor already took the money, so the credit gets a few attempts
	creditRetry := retrypolicy.NewBuilder[*models.Transaction]().
		WithBackoff(50*time.Millisecond, 2*time.Second).
		WithMaxRetries(5).
		HandleIf(func(_ *models.Transaction, err error) bool {
			return utils.IsRecoverableError(err, ledger.PermanentErrors...)
		}).
		Build()

	return &Trigger{
		processor: processor,
		store:     store,
		config:    config,
		metrics:   rec,
		logger:    logging.NewLogger("autoreload"),
		credit:    failsafe.With[*models.Transaction](creditRetry),
		inFlight:  make(map[string]struct{}),
	}
}

// Signal starts a reload for the account unless one is already running. It never
// blocks on the processor and reports whether a request was dispatched.
func (t *Trigger) Signal(ctx context.Context, account *models.Account) bool {
	if account == nil || !account.AutoReloadEnabled {
		return false
	}

	acct := *account
	acct.ApplyDefaults()

	t.mu.Lock()
	if _, busy := t.inFlight[acct.ID]; busy {
		t.mu.Unlock()
		t.metrics.ReloadRequest("suppressed")
		return false
	}
	t.inFlight[acct.ID] = struct{}{}
	t.wg.Add(1)
	t.mu.Unlock()

	// The reload outlives the tick that asked for it
	bg := context.WithoutCancel(ctx)
	go t.reload(bg, acct)
	return true
}

// InFlight reports whether a reload is pending for the account
func (t *Trigger) InFlight(accountID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.inFlight[accountID]
	return ok
}

// Wait blocks until every dispatched reload has resolved or ctx ends
func (t *Trigger) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Trigger) reload(ctx context.Context, acct models.Account) {
	defer t.wg.Done()
	defer func() {
		t.mu.Lock()
		delete(t.inFlight, acct.ID)
		t.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, t.config.RequestTimeout)
	defer cancel()

	key := fmt.Sprintf("reload:%s:%s", acct.ID, uuid.NewString())
	logger := t.logger.WithFields(logging.Fields{
		"account_id": acct.ID,
		"amount":     acct.AutoReloadAmount,
		"key":        key,
	})

	res, err := t.processor.RequestDeposit(ctx, payments.DepositRequest{
		AccountID:       acct.ID,
		CustomerID:      acct.PaymentCustomerID,
		PaymentMethodID: acct.PaymentMethodID,
		Amount:          acct.AutoReloadAmount,
		Currency:        t.config.Currency,
		IdempotencyKey:  key,
	})
	if err != nil {
		t.metrics.ReloadRequest("failed")
		logger.WithError(err).Warn("Auto-reload request failed")
		return
	}
	if !res.Accepted {
		t.metrics.ReloadRequest("declined")
		logger.WithField("reason", res.Reason).Info("Auto-reload declined")
		return
	}

	tx, err := t.credit.WithContext(ctx).Get(func() (*models.Transaction, error) {
		return t.store.Credit(ctx, ledger.CreditRequest{
			AccountID:      acct.ID,
			Kind:           models.TransactionKindDeposit,
			Amount:         acct.AutoReloadAmount,
			IdempotencyKey: key,
			Description:    "auto-reload " + res.Reference,
		})
	})
	if err != nil {
		t.metrics.ReloadRequest("credit_failed")
		logger.WithError(err).WithField("reference", res.Reference).Error("Auto-reload accepted but credit failed")
		return
	}

	t.metrics.ReloadRequest("accepted")
	logger.WithFields(logging.Fields{
		"reference":     res.Reference,
		"balance_after": tx.BalanceAfter,
	}).Info("Auto-reload credited")
}
