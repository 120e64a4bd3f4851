package billing

import (
	"fmt"
	"time"

	"session_billing/internal/ledger"
	"session_billing/internal/models"
)

// dueFor returns floor(rate * d / 1m) without overflowing for long sessions
func dueFor(ratePerMinute int64, d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	whole := int64(d / time.Minute)
	rest := int64(d % time.Minute)
	return ratePerMinute*whole + ratePerMinute*rest/int64(time.Minute)
}

// chargeFor prices elapsed on top of what was already billed. Rounding is applied to
// the running total, so sub-cent remainders carry into the next tick.
func chargeFor(ratePerMinute int64, accumulated, elapsed time.Duration) int64 {
	return dueFor(ratePerMinute, accumulated+elapsed) - dueFor(ratePerMinute, accumulated)
}

// intervalIndex numbers the interval a tick closes. Two distinct ticks never share
// an index, even when the scheduler runs late or early.
func intervalIndex(start, now time.Time, interval time.Duration, last int64) int64 {
	idx := int64(now.Sub(start) / interval)
	if idx <= last {
		idx = last + 1
	}
	return idx
}

// providerShare is the payee's cut in basis points, rounded down
func providerShare(amount, bps int64) int64 {
	return amount * bps / 10000
}

func tickKey(sessionID string, idx int64) string {
	return fmt.Sprintf("%s:%d", sessionID, idx)
}

func finalKey(sessionID string) string {
	return sessionID + ":final"
}

// PendingCharge is a session debit whose ledger write did not complete before the
// engine stopped. It is replayed with the same idempotency key on the next start.
type PendingCharge struct {
	SessionID         string              `json:"session_id"`
	AccountID         string              `json:"account_id"`
	ProviderAccountID string              `json:"provider_account_id,omitempty"`
	Amount            int64               `json:"amount"`
	ProviderShare     int64               `json:"provider_share"`
	IdempotencyKey    string              `json:"idempotency_key"`
	IntervalIndex     int64               `json:"interval_index"`
	Elapsed           time.Duration       `json:"elapsed_ns"`
	Description       string              `json:"description,omitempty"`
	EndState          models.SessionState `json:"end_state,omitempty"`
	Reason            string              `json:"reason,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
}

func (p PendingCharge) tick() models.BillingTick {
	return models.BillingTick{SessionID: p.SessionID, IntervalIndex: p.IntervalIndex, Elapsed: p.Elapsed}
}

func (p PendingCharge) debitRequest() ledger.DebitRequest {
	req := ledger.DebitRequest{
		AccountID:      p.AccountID,
		SessionID:      p.SessionID,
		Amount:         p.Amount,
		IdempotencyKey: p.IdempotencyKey,
		Description:    p.Description,
	}
	if p.ProviderShare > 0 && p.ProviderAccountID != "" {
		req.Payee = &ledger.Payee{
			AccountID:      p.ProviderAccountID,
			Amount:         p.ProviderShare,
			IdempotencyKey: p.IdempotencyKey + ":payout",
			Description:    "provider share of " + p.IdempotencyKey,
		}
	}
	return req
}
