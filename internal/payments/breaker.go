package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"

	"session_billing/internal/logging"
)

// BreakerConfig configures the circuit breaker in front of a processor
type BreakerConfig struct {
	FailureRatio float64
	MinRequests  int
	Delay        time.Duration
	Timeout      time.Duration
}

// BreakerProcessor stops calling a failing processor for a while so that a
// processor outage does not pile up reload requests
type BreakerProcessor struct {
	next    Processor
	cb      circuitbreaker.CircuitBreaker[*DepositResult]
	timeout time.Duration
	logger  logging.Logger
}

// NewBreakerProcessor wraps next with a count-based circuit breaker
func NewBreakerProcessor(next Processor, cfg BreakerConfig) *BreakerProcessor {
	if cfg.FailureRatio <= 0 {
		cfg.FailureRatio = 0.5
	}
	if cfg.MinRequests <= 0 {
		cfg.MinRequests = 10
	}
	if cfg.Delay <= 0 {
		cfg.Delay = 30 * time.Second
	}

	failureThreshold := uint(float64(cfg.MinRequests) * cfg.FailureRatio)
	if failureThreshold < 1 {
		failureThreshold = 1
	}

	logger := logging.NewLogger("payments")

	cb := circuitbreaker.NewBuilder[*DepositResult]().
		WithFailureThresholdRatio(failureThreshold, uint(cfg.MinRequests)).
		WithDelay(cfg.Delay).
		WithSuccessThreshold(1).
		HandleIf(func(_ *DepositResult, err error) bool {
			// Declines come back as results; only transport failures count
			return err != nil && !errors.Is(err, context.Canceled)
		}).
		OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			logger.WithFields(logging.Fields{
				"from_state": stateName(event.OldState),
				"to_state":   stateName(event.NewState),
			}).Warn("payment processor circuit breaker state change")
		}).
		Build()

	return &BreakerProcessor{
		next:    next,
		cb:      cb,
		timeout: cfg.Timeout,
		logger:  logger,
	}
}

// RequestDeposit forwards to the wrapped processor unless the breaker is open
func (p *BreakerProcessor) RequestDeposit(ctx context.Context, req DepositRequest) (*DepositResult, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	res, err := failsafe.With(p.cb).WithContext(ctx).Get(func() (*DepositResult, error) {
		return p.next.RequestDeposit(ctx, req)
	})
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return nil, fmt.Errorf("%w: circuit breaker open", ErrProcessorUnavailable)
		}
		return nil, err
	}
	return res, nil
}

// State returns the breaker state for health reporting
func (p *BreakerProcessor) State() string {
	return stateName(p.cb.State())
}

func stateName(state circuitbreaker.State) string {
	switch state {
	case circuitbreaker.OpenState:
		return "open"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	default:
		return "closed"
	}
}
