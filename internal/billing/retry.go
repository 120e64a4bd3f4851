package billing

import (
	"context"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"session_billing/internal/logging"
	"session_billing/internal/utils"
)

// withRetry runs fn until it succeeds, fails permanently, or ctx ends. Every attempt
// reuses the caller's idempotency key, so a retried write is applied at most once.
func withRetry[T any](ctx context.Context, e *Engine, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	base, maxDelay := e.cfg.RetryBaseDelay, e.cfg.RetryMaxDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if maxDelay <= base {
		maxDelay = base * 2
	}

	policy := retrypolicy.NewBuilder[T]().
		WithBackoff(base, maxDelay).
		WithMaxRetries(-1).
		WithJitterFactor(0.1).
		HandleIf(func(_ T, err error) bool {
			return utils.IsRecoverableError(err, permanentErrors...)
		}).
		Build()

	attempt := 0
	return failsafe.With[T](policy).WithContext(ctx).Get(func() (T, error) {
		attempt++
		if err := ctx.Err(); err != nil {
			var zero T
			return zero, err
		}
		if attempt > 1 {
			e.metrics.StoreRetry(op)
		}
		res, err := fn(ctx)
		if err != nil && utils.IsRecoverableError(err, permanentErrors...) {
			e.logger.WithFields(logging.Fields{
				"op":      op,
				"attempt": attempt,
			}).WithError(err).Warn("Store operation failed, retrying")
		}
		return res, err
	})
}
