package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"session_billing/internal/ledger"
	"session_billing/internal/models"
)

// LedgerRepository implements ledger.Store on Postgres. Each mutation runs in one SQL
// transaction that locks the account row, changes the balance and inserts the ledger
// row; the unique index on idempotency_key turns replays into reads.
type LedgerRepository struct {
	db *DB
}

// NewLedgerRepository creates a new ledger repository
func NewLedgerRepository(db *DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

const transactionColumns = `id, account_id, session_id, kind, amount, balance_after,
		       idempotency_key, description, created_at`

// TryDebit takes the amount if the locked balance covers it
func (r *LedgerRepository) TryDebit(ctx context.Context, req ledger.DebitRequest) (*ledger.DebitResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if existing, err := findByKey(ctx, tx, req.IdempotencyKey); err != nil {
		return nil, err
	} else if existing != nil {
		return &ledger.DebitResult{Applied: true, Duplicate: true, NewBalance: existing.BalanceAfter, Transaction: existing}, nil
	}

	var balance int64
	err = tx.GetContext(ctx, &balance, `SELECT balance FROM accounts WHERE id = $1 FOR UPDATE`, req.AccountID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ledger.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to lock account: %w", err)
	}

	if balance < req.Amount {
		return &ledger.DebitResult{Applied: false, NewBalance: balance}, nil
	}

	err = tx.GetContext(ctx, &balance,
		`UPDATE accounts SET balance = balance - $1, updated_at = NOW() WHERE id = $2 RETURNING balance`,
		req.Amount, req.AccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to debit account: %w", err)
	}

	charge := &models.Transaction{
		ID:             uuid.NewString(),
		AccountID:      req.AccountID,
		SessionID:      req.SessionID,
		Kind:           models.TransactionKindCharge,
		Amount:         req.Amount,
		BalanceAfter:   balance,
		IdempotencyKey: req.IdempotencyKey,
		Description:    req.Description,
	}
	inserted, err := insertTransaction(ctx, tx, charge)
	if err != nil {
		return nil, err
	}
	if !inserted {
		// Lost the race on the key: undo our debit and report the winner's record
		tx.Rollback()
		existing, err := r.getByKey(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		return &ledger.DebitResult{Applied: true, Duplicate: true, NewBalance: existing.BalanceAfter, Transaction: existing}, nil
	}

	if p := req.Payee; p != nil && p.Amount > 0 {
		payout := &models.Transaction{
			ID:             uuid.NewString(),
			AccountID:      p.AccountID,
			SessionID:      req.SessionID,
			Kind:           models.TransactionKindPayout,
			Amount:         p.Amount,
			IdempotencyKey: p.IdempotencyKey,
			Description:    p.Description,
		}
		if err := applyCredit(ctx, tx, payout); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit debit: %w", err)
	}

	return &ledger.DebitResult{Applied: true, NewBalance: balance, Transaction: charge}, nil
}

// Credit adds the amount, creating the account row when needed
func (r *LedgerRepository) Credit(ctx context.Context, req ledger.CreditRequest) (*models.Transaction, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if existing, err := findByKey(ctx, tx, req.IdempotencyKey); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	credit := &models.Transaction{
		ID:             uuid.NewString(),
		AccountID:      req.AccountID,
		SessionID:      req.SessionID,
		Kind:           req.Kind,
		Amount:         req.Amount,
		IdempotencyKey: req.IdempotencyKey,
		Description:    req.Description,
	}
	if err := applyCredit(ctx, tx, credit); err != nil {
		if err == ErrConcurrentUpdate {
			tx.Rollback()
			return r.getByKey(ctx, req.IdempotencyKey)
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit credit: %w", err)
	}
	return credit, nil
}

// Append inserts a ledger row without any balance effect
func (r *LedgerRepository) Append(ctx context.Context, t *models.Transaction) (*models.Transaction, error) {
	if t.IdempotencyKey == "" {
		return nil, ledger.ErrMissingKey
	}

	in := *t
	if in.ID == "" {
		in.ID = uuid.NewString()
	}

	query := `
		INSERT INTO transactions (id, account_id, session_id, kind, amount, balance_after, idempotency_key, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING created_at
	`
	err := r.db.conn.GetContext(ctx, &in.CreatedAt, query,
		in.ID, in.AccountID, in.SessionID, in.Kind, in.Amount, in.BalanceAfter, in.IdempotencyKey, in.Description)
	if err == sql.ErrNoRows {
		return r.getByKey(ctx, in.IdempotencyKey)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to append transaction: %w", err)
	}
	return &in, nil
}

// ListForSession returns the session's transactions ordered by creation
func (r *LedgerRepository) ListForSession(ctx context.Context, sessionID string) ([]models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE session_id = $1 ORDER BY created_at, id`

	txs := []models.Transaction{}
	if err := r.db.conn.SelectContext(ctx, &txs, query, sessionID); err != nil {
		return nil, fmt.Errorf("failed to list session transactions: %w", err)
	}
	return txs, nil
}

// ListForAccount returns the account's transactions ordered by creation
func (r *LedgerRepository) ListForAccount(ctx context.Context, accountID string) ([]models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE account_id = $1 ORDER BY created_at, id`

	txs := []models.Transaction{}
	if err := r.db.conn.SelectContext(ctx, &txs, query, accountID); err != nil {
		return nil, fmt.Errorf("failed to list account transactions: %w", err)
	}
	return txs, nil
}

func (r *LedgerRepository) getByKey(ctx context.Context, key string) (*models.Transaction, error) {
	var t models.Transaction
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE idempotency_key = $1`
	if err := r.db.conn.GetContext(ctx, &t, query, key); err != nil {
		return nil, fmt.Errorf("failed to get transaction %s: %w", key, err)
	}
	return &t, nil
}

func findByKey(ctx context.Context, tx *sqlx.Tx, key string) (*models.Transaction, error) {
	var t models.Transaction
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE idempotency_key = $1`
	err := tx.GetContext(ctx, &t, query, key)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
	}
	return &t, nil
}

// insertTransaction reports false when the idempotency key already exists
func insertTransaction(ctx context.Context, tx *sqlx.Tx, t *models.Transaction) (bool, error) {
	query := `
		INSERT INTO transactions (id, account_id, session_id, kind, amount, balance_after, idempotency_key, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING created_at
	`
	err := tx.GetContext(ctx, &t.CreatedAt, query,
		t.ID, t.AccountID, t.SessionID, t.Kind, t.Amount, t.BalanceAfter, t.IdempotencyKey, t.Description)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to insert transaction: %w", err)
	}
	return true, nil
}

// applyCredit upserts the account, adds t.Amount and records t with the new balance
func applyCredit(ctx context.Context, tx *sqlx.Tx, t *models.Transaction) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO accounts (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, t.AccountID)
	if err != nil {
		return fmt.Errorf("failed to ensure account: %w", err)
	}

	err = tx.GetContext(ctx, &t.BalanceAfter,
		`UPDATE accounts SET balance = balance + $1, updated_at = NOW() WHERE id = $2 RETURNING balance`,
		t.Amount, t.AccountID)
	if err != nil {
		return fmt.Errorf("failed to credit account: %w", err)
	}

	inserted, err := insertTransaction(ctx, tx, t)
	if err != nil {
		return err
	}
	if !inserted {
		return ErrConcurrentUpdate
	}
	return nil
}
