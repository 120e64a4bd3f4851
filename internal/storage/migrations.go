package storage

import (
	"context"
	"fmt"
)

// schema is applied in order; every statement is idempotent
var schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id                    TEXT PRIMARY KEY,
		balance               BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
		auto_reload_enabled   BOOLEAN NOT NULL DEFAULT FALSE,
		auto_reload_amount    BIGINT NOT NULL DEFAULT 2500,
		auto_reload_threshold BIGINT NOT NULL DEFAULT 500,
		payment_customer_id   TEXT NOT NULL DEFAULT '',
		payment_method_id     TEXT NOT NULL DEFAULT '',
		created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id              TEXT PRIMARY KEY,
		account_id      TEXT NOT NULL REFERENCES accounts(id),
		session_id      TEXT NOT NULL DEFAULT '',
		kind            TEXT NOT NULL CHECK (kind IN ('charge', 'deposit', 'refund', 'payout')),
		amount          BIGINT NOT NULL CHECK (amount > 0),
		balance_after   BIGINT NOT NULL,
		idempotency_key TEXT NOT NULL,
		description     TEXT NOT NULL DEFAULT '',
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS transactions_idempotency_key_idx ON transactions (idempotency_key)`,
	`CREATE INDEX IF NOT EXISTS transactions_account_idx ON transactions (account_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS transactions_session_idx ON transactions (session_id, created_at) WHERE session_id <> ''`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id                  TEXT PRIMARY KEY,
		client_account_id   TEXT NOT NULL,
		provider_account_id TEXT NOT NULL,
		session_type        TEXT NOT NULL,
		rate_per_minute     BIGINT NOT NULL DEFAULT 0,
		state               TEXT NOT NULL DEFAULT 'pending',
		start_time          TIMESTAMPTZ,
		last_billed_time    TIMESTAMPTZ,
		accumulated_ns      BIGINT NOT NULL DEFAULT 0,
		total_charged       BIGINT NOT NULL DEFAULT 0,
		last_interval_index BIGINT NOT NULL DEFAULT 0,
		reload_grace_used   BOOLEAN NOT NULL DEFAULT FALSE,
		end_time            TIMESTAMPTZ,
		end_reason          TEXT NOT NULL DEFAULT '',
		created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS sessions_state_idx ON sessions (state)`,
	`CREATE TABLE IF NOT EXISTS provider_rates (
		provider_id     TEXT NOT NULL,
		session_type    TEXT NOT NULL,
		rate_per_minute BIGINT NOT NULL,
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (provider_id, session_type)
	)`,
}

// Migrate creates the tables and indexes the repositories rely on
func (db *DB) Migrate(ctx context.Context) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration: %w", err)
	}
	defer tx.Rollback()

	for i, stmt := range schema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration step %d failed: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	return nil
}
