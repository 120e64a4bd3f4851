package storage

import (
	"context"
	"database/sql"
	"fmt"

	"session_billing/internal/models"
	"session_billing/internal/session"
)

// SessionRepository implements session.Store on Postgres
type SessionRepository struct {
	db *DB
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(db *DB) *SessionRepository {
	return &SessionRepository{db: db}
}

const sessionColumns = `id, client_account_id, provider_account_id, session_type, rate_per_minute, state,
		       start_time, last_billed_time, accumulated_ns, total_charged, last_interval_index,
		       reload_grace_used, end_time, end_reason, created_at, updated_at`

// Create inserts a pending session
func (r *SessionRepository) Create(ctx context.Context, s *models.Session) error {
	state := s.State
	if state == "" {
		state = models.SessionStatePending
	}

	query := `
		INSERT INTO sessions (id, client_account_id, provider_account_id, session_type, state)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := r.db.conn.ExecContext(ctx, query, s.ID, s.ClientAccountID, s.ProviderAccountID, s.Type, state)
	if err != nil {
		if isUniqueViolation(err) {
			return session.ErrSessionExists
		}
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// Get retrieves a session by ID
func (r *SessionRepository) Get(ctx context.Context, id string) (*models.Session, error) {
	var s models.Session
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`

	err := r.db.conn.GetContext(ctx, &s, query, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, session.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &s, nil
}

// Update writes every mutable column
func (r *SessionRepository) Update(ctx context.Context, s *models.Session) error {
	query := `
		UPDATE sessions SET
			rate_per_minute = $2,
			state = $3,
			start_time = $4,
			last_billed_time = $5,
			accumulated_ns = $6,
			total_charged = $7,
			last_interval_index = $8,
			reload_grace_used = $9,
			end_time = $10,
			end_reason = $11,
			updated_at = NOW()
		WHERE id = $1
	`
	res, err := r.db.conn.ExecContext(ctx, query,
		s.ID, s.RatePerMinute, s.State, s.StartTime, s.LastBilledTime, int64(s.Accumulated),
		s.TotalCharged, s.LastIntervalIndex, s.ReloadGraceUsed, s.EndTime, s.EndReason,
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return session.ErrSessionNotFound
	}
	return nil
}

// ListByState returns sessions in a state ordered by creation
func (r *SessionRepository) ListByState(ctx context.Context, state models.SessionState) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE state = $1 ORDER BY created_at`

	var sessions []*models.Session
	if err := r.db.conn.SelectContext(ctx, &sessions, query, state); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}
