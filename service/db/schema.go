package db

import (
	"context"
	"fmt"
)

// schema is applied by Migrate. Every statement is idempotent so Migrate can
// run on each start.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS ledger_transactions (
		signature              TEXT PRIMARY KEY,
		block_time             TIMESTAMPTZ NOT NULL,
		transaction_type       TEXT NOT NULL CHECK (transaction_type IN ('Transfer', 'Swap', 'MultiSwap')),
		from_wallet            TEXT,
		to_wallet              TEXT,
		tracked_asset_amount   NUMERIC NOT NULL DEFAULT 0 CHECK (tracked_asset_amount >= 0),
		reference_asset_amount NUMERIC NOT NULL DEFAULT 0 CHECK (reference_asset_amount >= 0),
		other_asset_amount     NUMERIC NOT NULL DEFAULT 0 CHECK (other_asset_amount >= 0),
		other_asset_mint       TEXT,
		protocols              TEXT[] NOT NULL DEFAULT '{}',
		referral_fee_amount    NUMERIC NOT NULL DEFAULT 0 CHECK (referral_fee_amount >= 0),
		referral_fee_account   TEXT,
		intermediate_hops      JSONB NOT NULL DEFAULT '[]',
		fee                    NUMERIC NOT NULL DEFAULT 0,
		success                BOOLEAN NOT NULL,
		raw_payload            TEXT NOT NULL,
		created_at             TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at             TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_transactions_block_time ON ledger_transactions (block_time DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_transactions_type_time ON ledger_transactions (transaction_type, block_time DESC)`,
}

// Migrate creates the ledger schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement %d: %w", i, err)
		}
	}
	return nil
}
