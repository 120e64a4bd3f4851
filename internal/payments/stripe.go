package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"

	"session_billing/internal/logging"
)

// StripeProcessor charges the client's saved card with an off-session PaymentIntent
type StripeProcessor struct {
	currency     string
	createIntent func(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	logger       logging.Logger
}

// NewStripeProcessor sets the global API key and returns a processor
func NewStripeProcessor(secretKey, currency string) *StripeProcessor {
	// Set the global API key for the stripe-go library
	stripe.Key = secretKey

	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}

	return &StripeProcessor{
		currency:     currency,
		createIntent: paymentintent.New,
		logger:       logging.NewLogger("stripe"),
	}
}

// RequestDeposit creates and confirms a PaymentIntent for the reload amount
func (p *StripeProcessor) RequestDeposit(ctx context.Context, req DepositRequest) (*DepositResult, error) {
	if req.CustomerID == "" || req.PaymentMethodID == "" {
		return &DepositResult{Accepted: false, Reason: "account has no saved payment method"}, nil
	}

	currency := req.Currency
	if currency == "" {
		currency = p.currency
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(currency),
		Customer:      stripe.String(req.CustomerID),
		PaymentMethod: stripe.String(req.PaymentMethodID),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata("account_id", req.AccountID)
	params.AddMetadata("purpose", "auto_reload")

	intent, err := p.createIntent(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeCard {
			p.logger.WithFields(logging.Fields{
				"account_id": req.AccountID,
				"code":       stripeErr.Code,
			}).Info("Auto-reload card declined")
			return &DepositResult{Accepted: false, Reason: stripeErr.Msg}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrProcessorUnavailable, err)
	}

	if intent.Status != stripe.PaymentIntentStatusSucceeded {
		return &DepositResult{
			Accepted:  false,
			Reference: intent.ID,
			Reason:    fmt.Sprintf("payment intent %s", intent.Status),
		}, nil
	}

	p.logger.WithFields(logging.Fields{
		"account_id":     req.AccountID,
		"payment_intent": intent.ID,
		"amount":         req.Amount,
	}).Info("Auto-reload payment succeeded")

	return &DepositResult{Accepted: true, Reference: intent.ID}, nil
}
