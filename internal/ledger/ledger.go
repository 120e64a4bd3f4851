// Package ledger defines the balance store and transaction ledger contracts and
// provides in-memory and Redis implementations. The Postgres implementation lives
// in internal/storage.
//
// Every balance mutation is applied together with its ledger entry in one atomic
// unit, keyed by an idempotency key: replaying a key returns the stored
// transaction and changes nothing.
package ledger

import (
	"context"
	"errors"

	"session_billing/internal/models"
)

var (
	// ErrAccountNotFound is returned when debiting or reading an unknown account
	ErrAccountNotFound = errors.New("account not found")

	// ErrInvalidAmount is returned for zero or negative amounts
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrMissingKey is returned when a mutation has no idempotency key
	ErrMissingKey = errors.New("idempotency key is required")
)

// Payee receives part of a charge inside the same atomic unit as the debit
type Payee struct {
	AccountID      string
	Amount         int64
	IdempotencyKey string
	Description    string
}

// DebitRequest asks to take Amount from AccountID if and only if the balance covers it
type DebitRequest struct {
	AccountID      string
	SessionID      string
	Amount         int64
	IdempotencyKey string
	Description    string
	Payee          *Payee
}

// DebitResult reports the outcome of TryDebit. Applied is false only when funds were
// insufficient; in that case NewBalance is the untouched balance.
type DebitResult struct {
	Applied     bool
	Duplicate   bool
	NewBalance  int64
	Transaction *models.Transaction
}

// CreditRequest adds Amount to AccountID
type CreditRequest struct {
	AccountID      string
	SessionID      string
	Kind           models.TransactionKind
	Amount         int64
	IdempotencyKey string
	Description    string
}

// BalanceStore is the authoritative per-account balance
type BalanceStore interface {
	GetBalance(ctx context.Context, accountID string) (int64, error)
	TryDebit(ctx context.Context, req DebitRequest) (*DebitResult, error)
	Credit(ctx context.Context, req CreditRequest) (*models.Transaction, error)
}

// Ledger is the append-only transaction log
type Ledger interface {
	Append(ctx context.Context, tx *models.Transaction) (*models.Transaction, error)
	ListForSession(ctx context.Context, sessionID string) ([]models.Transaction, error)
	ListForAccount(ctx context.Context, accountID string) ([]models.Transaction, error)
}

// AccountDirectory exposes account settings owned by the account service
type AccountDirectory interface {
	GetAccount(ctx context.Context, accountID string) (*models.Account, error)
}

// Store is everything the billing engine needs from a backend
type Store interface {
	BalanceStore
	Ledger
	AccountDirectory
}

// Validate checks a debit request before it reaches a backend
func (r DebitRequest) Validate() error {
	if r.Amount <= 0 {
		return ErrInvalidAmount
	}
	if r.IdempotencyKey == "" {
		return ErrMissingKey
	}
	if r.Payee != nil {
		if r.Payee.Amount < 0 || r.Payee.Amount > r.Amount {
			return ErrInvalidAmount
		}
		if r.Payee.IdempotencyKey == "" {
			return ErrMissingKey
		}
	}
	return nil
}

// Validate checks a credit request before it reaches a backend
func (r CreditRequest) Validate() error {
	if r.Amount <= 0 {
		return ErrInvalidAmount
	}
	if r.IdempotencyKey == "" {
		return ErrMissingKey
	}
	if r.Kind == models.TransactionKindCharge {
		return errors.New("credit cannot record a charge")
	}
	return nil
}

// PermanentErrors lists errors that retrying cannot fix
var PermanentErrors = []error{ErrAccountNotFound, ErrInvalidAmount, ErrMissingKey}
