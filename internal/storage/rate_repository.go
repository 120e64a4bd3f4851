package storage

import (
	"context"
	"database/sql"
	"fmt"

	"session_billing/internal/models"
	"session_billing/internal/rates"
)

// RateRepository resolves published provider rates from the provider_rates table
type RateRepository struct {
	db *DB
}

// NewRateRepository creates a new rate repository
func NewRateRepository(db *DB) *RateRepository {
	return &RateRepository{db: db}
}

// Resolve implements rates.Resolver
func (r *RateRepository) Resolve(ctx context.Context, sessionType models.SessionType, providerID string) (int64, error) {
	var rate int64
	query := `SELECT rate_per_minute FROM provider_rates WHERE provider_id = $1 AND session_type = $2`

	err := r.db.conn.GetContext(ctx, &rate, query, providerID, sessionType)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, fmt.Errorf("%w: provider %s has no %s rate", rates.ErrRateUnavailable, providerID, sessionType)
		}
		return 0, fmt.Errorf("failed to get rate: %w", err)
	}
	if rate <= 0 {
		return 0, fmt.Errorf("%w: provider %s %s rate is %d", rates.ErrRateUnavailable, providerID, sessionType, rate)
	}
	return rate, nil
}

// Upsert publishes or changes a provider's rate
func (r *RateRepository) Upsert(ctx context.Context, providerID string, sessionType models.SessionType, ratePerMinute int64) error {
	query := `
		INSERT INTO provider_rates (provider_id, session_type, rate_per_minute)
		VALUES ($1, $2, $3)
		ON CONFLICT (provider_id, session_type) DO UPDATE SET
			rate_per_minute = EXCLUDED.rate_per_minute,
			updated_at = NOW()
	`
	if _, err := r.db.conn.ExecContext(ctx, query, providerID, sessionType, ratePerMinute); err != nil {
		return fmt.Errorf("failed to upsert rate: %w", err)
	}
	return nil
}
