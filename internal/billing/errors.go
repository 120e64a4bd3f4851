package billing

import (
	"errors"

	"session_billing/internal/ledger"
	"session_billing/internal/session"
)

var (
	// ErrInsufficientFunds is returned when activation cannot hold one interval's charge
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrShuttingDown is returned for work that arrives or is cut short during shutdown
	ErrShuttingDown = errors.New("billing engine is shutting down")
)

// permanentErrors are not retried by the store retry policy
var permanentErrors = append([]error{
	session.ErrSessionNotFound,
	session.ErrSessionExists,
	session.ErrInvalidTransition,
	ErrInsufficientFunds,
}, ledger.PermanentErrors...)
