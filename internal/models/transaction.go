package models

import "time"

// TransactionKind classifies a ledger entry
type TransactionKind string

const (
	TransactionKindCharge  TransactionKind = "charge"
	TransactionKindDeposit TransactionKind = "deposit"
	TransactionKindRefund  TransactionKind = "refund"
	TransactionKindPayout  TransactionKind = "payout"
)

// IsCredit reports whether the kind adds to the account balance
func (k TransactionKind) IsCredit() bool {
	return k != TransactionKindCharge
}

// Transaction is an immutable ledger entry. IdempotencyKey is unique across the ledger.
type Transaction struct {
	ID             string          `db:"id" json:"id"`
	AccountID      string          `db:"account_id" json:"account_id"`
	SessionID      string          `db:"session_id" json:"session_id,omitempty"`
	Kind           TransactionKind `db:"kind" json:"kind"`
	Amount         int64           `db:"amount" json:"amount"`
	BalanceAfter   int64           `db:"balance_after" json:"balance_after"`
	IdempotencyKey string          `db:"idempotency_key" json:"idempotency_key"`
	Description    string          `db:"description" json:"description,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
}

// BillingTick is one scheduled evaluation of an active session
type BillingTick struct {
	SessionID     string
	IntervalIndex int64
	Elapsed       time.Duration
}
