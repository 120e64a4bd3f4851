// Package rates resolves the per-minute price of a session at activation.
package rates

import (
	"context"
	"errors"
	"fmt"

	"session_billing/internal/models"
)

// ErrRateUnavailable is returned when a provider has no usable rate for a session type
var ErrRateUnavailable = errors.New("rate unavailable")

// Resolver maps (session type, provider) to a positive per-minute rate in cents
type Resolver interface {
	Resolve(ctx context.Context, sessionType models.SessionType, providerID string) (int64, error)
}

// ResolverFunc adapts a function to Resolver
type ResolverFunc func(ctx context.Context, sessionType models.SessionType, providerID string) (int64, error)

// Resolve calls f
func (f ResolverFunc) Resolve(ctx context.Context, sessionType models.SessionType, providerID string) (int64, error) {
	return f(ctx, sessionType, providerID)
}

// Chain tries resolvers in order, moving on only when one reports ErrRateUnavailable
type Chain []Resolver

// Resolve returns the first rate found
func (c Chain) Resolve(ctx context.Context, sessionType models.SessionType, providerID string) (int64, error) {
	for _, r := range c {
		rate, err := r.Resolve(ctx, sessionType, providerID)
		if err == nil {
			return rate, nil
		}
		if !errors.Is(err, ErrRateUnavailable) {
			return 0, err
		}
	}
	return 0, unavailable(sessionType, providerID)
}

func unavailable(sessionType models.SessionType, providerID string) error {
	return fmt.Errorf("%w: provider %s has no %s rate", ErrRateUnavailable, providerID, sessionType)
}
