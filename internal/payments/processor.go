// Package payments requests deposits from the external payment processor for
// auto-reload. Declines are results, not errors; errors mean the processor could
// not be reached or did not answer.
package payments

import (
	"context"
	"errors"
)

// ErrProcessorUnavailable is returned when the processor cannot take requests
var ErrProcessorUnavailable = errors.New("payment processor unavailable")

// DepositRequest asks the processor to move Amount from the client's saved method
type DepositRequest struct {
	AccountID       string
	CustomerID      string
	PaymentMethodID string
	Amount          int64
	Currency        string
	IdempotencyKey  string
}

// DepositResult is the processor's decision
type DepositResult struct {
	Accepted  bool
	Reference string
	Reason    string
}

// Processor is the payment collaborator used by auto-reload
type Processor interface {
	RequestDeposit(ctx context.Context, req DepositRequest) (*DepositResult, error)
}

// NoopProcessor declines every request. Used when no processor is configured.
type NoopProcessor struct{}

// NewNoopProcessor creates a processor that never moves money
func NewNoopProcessor() *NoopProcessor {
	return &NoopProcessor{}
}

// RequestDeposit always declines
func (p *NoopProcessor) RequestDeposit(ctx context.Context, req DepositRequest) (*DepositResult, error) {
	return &DepositResult{Accepted: false, Reason: "no payment processor configured"}, nil
}
