package payments

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStripe(fn func(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)) *StripeProcessor {
	p := NewStripeProcessor("sk_test_123", "usd")
	p.createIntent = fn
	return p
}

func TestStripeProcessor_Succeeded(t *testing.T) {
	var got *stripe.PaymentIntentParams
	p := newTestStripe(func(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
		got = params
		return &stripe.PaymentIntent{ID: "pi_123", Status: stripe.PaymentIntentStatusSucceeded}, nil
	})

	res, err := p.RequestDeposit(context.Background(), DepositRequest{
		AccountID:       "client-1",
		CustomerID:      "cus_1",
		PaymentMethodID: "pm_1",
		Amount:          2500,
		IdempotencyKey:  "reload:client-1:abc",
	})
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, "pi_123", res.Reference)

	require.NotNil(t, got)
	assert.Equal(t, int64(2500), *got.Amount)
	assert.Equal(t, "usd", *got.Currency)
	assert.True(t, *got.OffSession)
	assert.True(t, *got.Confirm)
	assert.Equal(t, "reload:client-1:abc", *got.IdempotencyKey)
	assert.Equal(t, "client-1", got.Metadata["account_id"])
}

func TestStripeProcessor_Outcomes(t *testing.T) {
	tests := []struct {
		name         string
		intent       *stripe.PaymentIntent
		err          error
		wantAccepted bool
		wantErr      error
	}{
		{
			name: "card declined",
			err:  &stripe.Error{Type: stripe.ErrorTypeCard, Msg: "Your card was declined."},
		},
		{
			name:    "api unavailable",
			err:     &stripe.Error{Type: stripe.ErrorTypeAPI, Msg: "boom"},
			wantErr: ErrProcessorUnavailable,
		},
		{
			name:    "network error",
			err:     errors.New("dial tcp: connection refused"),
			wantErr: ErrProcessorUnavailable,
		},
		{
			name:   "requires action",
			intent: &stripe.PaymentIntent{ID: "pi_2", Status: stripe.PaymentIntentStatusRequiresAction},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestStripe(func(*stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
				return tt.intent, tt.err
			})

			res, err := p.RequestDeposit(context.Background(), DepositRequest{
				AccountID: "a", CustomerID: "cus", PaymentMethodID: "pm", Amount: 100, IdempotencyKey: "k",
			})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantAccepted, res.Accepted)
			assert.NotEmpty(t, res.Reason)
		})
	}
}

func TestStripeProcessor_NoPaymentMethod(t *testing.T) {
	called := false
	p := newTestStripe(func(*stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
		called = true
		return nil, nil
	})

	res, err := p.RequestDeposit(context.Background(), DepositRequest{AccountID: "a", Amount: 100, IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.False(t, called)
}

func TestNoopProcessor(t *testing.T) {
	res, err := NewNoopProcessor().RequestDeposit(context.Background(), DepositRequest{Amount: 1})
	require.NoError(t, err)
	assert.False(t, res.Accepted)
}

type failingProcessor struct {
	calls atomic.Int32
	err   error
}

func (f *failingProcessor) RequestDeposit(ctx context.Context, req DepositRequest) (*DepositResult, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &DepositResult{Accepted: false, Reason: "declined"}, nil
}

func TestBreakerProcessor_OpensAfterFailures(t *testing.T) {
	next := &failingProcessor{err: errors.New("timeout")}
	p := NewBreakerProcessor(next, BreakerConfig{FailureRatio: 1, MinRequests: 2, Delay: time.Minute})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := p.RequestDeposit(ctx, DepositRequest{Amount: 1})
		require.Error(t, err)
	}
	assert.Equal(t, "open", p.State())

	_, err := p.RequestDeposit(ctx, DepositRequest{Amount: 1})
	assert.ErrorIs(t, err, ErrProcessorUnavailable)
	assert.Equal(t, int32(2), next.calls.Load())
}

func TestBreakerProcessor_DeclinesDoNotTrip(t *testing.T) {
	next := &failingProcessor{}
	p := NewBreakerProcessor(next, BreakerConfig{FailureRatio: 1, MinRequests: 2, Delay: time.Minute})

	for i := 0; i < 5; i++ {
		res, err := p.RequestDeposit(context.Background(), DepositRequest{Amount: 1})
		require.NoError(t, err)
		assert.False(t, res.Accepted)
	}
	assert.Equal(t, "closed", p.State())
	assert.Equal(t, int32(5), next.calls.Load())
}
