package storage

import (
	"context"
	"database/sql"
	"fmt"

	"session_billing/internal/ledger"
	"session_billing/internal/models"
)

const accountColumns = `id, balance, auto_reload_enabled, auto_reload_amount, auto_reload_threshold,
		       payment_customer_id, payment_method_id, created_at, updated_at`

// GetAccount retrieves an account by ID
func (r *LedgerRepository) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	var account models.Account
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`

	err := r.db.conn.GetContext(ctx, &account, query, accountID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ledger.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	return &account, nil
}

// GetBalance reads the committed balance
func (r *LedgerRepository) GetBalance(ctx context.Context, accountID string) (int64, error) {
	var balance int64
	err := r.db.conn.GetContext(ctx, &balance, `SELECT balance FROM accounts WHERE id = $1`, accountID)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, ledger.ErrAccountNotFound
		}
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}

// PutAccount inserts an account or replaces its settings and balance
func (r *LedgerRepository) PutAccount(ctx context.Context, a *models.Account) error {
	query := `
		INSERT INTO accounts (id, balance, auto_reload_enabled, auto_reload_amount, auto_reload_threshold,
		                      payment_customer_id, payment_method_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			balance = EXCLUDED.balance,
			auto_reload_enabled = EXCLUDED.auto_reload_enabled,
			auto_reload_amount = EXCLUDED.auto_reload_amount,
			auto_reload_threshold = EXCLUDED.auto_reload_threshold,
			payment_customer_id = EXCLUDED.payment_customer_id,
			payment_method_id = EXCLUDED.payment_method_id,
			updated_at = NOW()
	`
	_, err := r.db.conn.ExecContext(ctx, query,
		a.ID, a.Balance, a.AutoReloadEnabled, a.AutoReloadAmount, a.AutoReloadThreshold,
		a.PaymentCustomerID, a.PaymentMethodID,
	)
	if err != nil {
		return fmt.Errorf("failed to store account: %w", err)
	}
	return nil
}
