package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/brojonat/tokenledger/service/ledger"
	"github.com/brojonat/tokenledger/service/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a signature has no stored record.
var ErrNotFound = errors.New("transaction not found")

const recordColumns = `signature, block_time, transaction_type, from_wallet, to_wallet,
	tracked_asset_amount, reference_asset_amount, other_asset_amount, other_asset_mint,
	protocols, referral_fee_amount, referral_fee_account, intermediate_hops, fee,
	success, raw_payload, created_at, updated_at`

// Store persists ledger records in Postgres. The pool is owned by the caller.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewStore creates a Store using the given connection pool.
// If metrics is nil, no metrics will be recorded.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics) *Store {
	return &Store{
		pool:    pool,
		metrics: m,
	}
}

// StoredRecord is a ledger record with its bookkeeping timestamps.
type StoredRecord struct {
	ledger.Record
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UpsertTransaction writes rec keyed by signature, replacing any previous row
// in a single statement. inserted reports whether the row is new.
func (s *Store) UpsertTransaction(ctx context.Context, rec *ledger.Record) (inserted bool, err error) {
	defer s.observe("upsert_transaction", time.Now(), &err)

	hops := rec.Hops
	if hops == nil {
		hops = []ledger.Hop{}
	}
	hopsJSON, err := json.Marshal(hops)
	if err != nil {
		return false, fmt.Errorf("failed to encode hops: %w", err)
	}
	protocols := rec.Protocols
	if protocols == nil {
		protocols = []string{}
	}

	err = s.pool.QueryRow(ctx, `
		INSERT INTO ledger_transactions (
			signature, block_time, transaction_type, from_wallet, to_wallet,
			tracked_asset_amount, reference_asset_amount, other_asset_amount, other_asset_mint,
			protocols, referral_fee_amount, referral_fee_account, intermediate_hops, fee,
			success, raw_payload
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (signature) DO UPDATE SET
			block_time             = EXCLUDED.block_time,
			transaction_type       = EXCLUDED.transaction_type,
			from_wallet            = EXCLUDED.from_wallet,
			to_wallet              = EXCLUDED.to_wallet,
			tracked_asset_amount   = EXCLUDED.tracked_asset_amount,
			reference_asset_amount = EXCLUDED.reference_asset_amount,
			other_asset_amount     = EXCLUDED.other_asset_amount,
			other_asset_mint       = EXCLUDED.other_asset_mint,
			protocols              = EXCLUDED.protocols,
			referral_fee_amount    = EXCLUDED.referral_fee_amount,
			referral_fee_account   = EXCLUDED.referral_fee_account,
			intermediate_hops      = EXCLUDED.intermediate_hops,
			fee                    = EXCLUDED.fee,
			success                = EXCLUDED.success,
			raw_payload            = EXCLUDED.raw_payload,
			updated_at             = NOW()
		RETURNING (xmax = 0) AS inserted`,
		rec.Signature,
		rec.Timestamp.UTC(),
		string(rec.Type),
		rec.FromWallet,
		rec.ToWallet,
		rec.TrackedAmount,
		rec.ReferenceAmount,
		rec.OtherAmount,
		rec.OtherMint,
		protocols,
		rec.ReferralFeeAmount,
		rec.ReferralFeeAccount,
		hopsJSON,
		rec.Fee,
		rec.Success,
		string(rec.RawPayload),
	).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("failed to upsert transaction %s: %w", rec.Signature, err)
	}
	return inserted, nil
}

// TransactionExists reports whether signature has a stored record.
func (s *Store) TransactionExists(ctx context.Context, signature string) (exists bool, err error) {
	defer s.observe("transaction_exists", time.Now(), &err)

	err = s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM ledger_transactions WHERE signature = $1)`,
		signature,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check transaction %s: %w", signature, err)
	}
	return exists, nil
}

// FilterExistingSignatures returns the subset of signatures that are already
// stored.
func (s *Store) FilterExistingSignatures(ctx context.Context, signatures []string) (existing []string, err error) {
	defer s.observe("filter_existing_signatures", time.Now(), &err)

	if len(signatures) == 0 {
		return []string{}, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT signature FROM ledger_transactions WHERE signature = ANY($1)`,
		signatures,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query existing signatures: %w", err)
	}
	existing, err = pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to read existing signatures: %w", err)
	}
	return existing, nil
}

// GetTransaction loads one record. It returns ErrNotFound when absent.
func (s *Store) GetTransaction(ctx context.Context, signature string) (rec *StoredRecord, err error) {
	defer s.observe("get_transaction", time.Now(), &err)

	row := s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM ledger_transactions WHERE signature = $1`,
		signature,
	)
	rec, err = scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction %s: %w", signature, err)
	}
	return rec, nil
}

// ListTransactionsParams filters and pages ListTransactions.
type ListTransactionsParams struct {
	Type   *ledger.Type
	Since  *time.Time
	Until  *time.Time
	Limit  int32
	Offset int32
}

func (p ListTransactionsParams) where() (string, []any) {
	var clauses []string
	var args []any
	if p.Type != nil {
		args = append(args, string(*p.Type))
		clauses = append(clauses, fmt.Sprintf("transaction_type = $%d", len(args)))
	}
	if p.Since != nil {
		args = append(args, p.Since.UTC())
		clauses = append(clauses, fmt.Sprintf("block_time >= $%d", len(args)))
	}
	if p.Until != nil {
		args = append(args, p.Until.UTC())
		clauses = append(clauses, fmt.Sprintf("block_time < $%d", len(args)))
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// ListTransactions returns records newest first.
func (s *Store) ListTransactions(ctx context.Context, params ListTransactionsParams) (recs []*StoredRecord, err error) {
	defer s.observe("list_transactions", time.Now(), &err)

	limit := params.Limit
	if limit <= 0 {
		limit = 100
	}
	where, args := params.where()
	args = append(args, limit, max(params.Offset, 0))
	query := `SELECT ` + recordColumns + ` FROM ledger_transactions` + where +
		fmt.Sprintf(` ORDER BY block_time DESC, signature LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	recs = []*StoredRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return recs, nil
}

// CountTransactions counts records matching the type and time filters.
// Limit and Offset are ignored.
func (s *Store) CountTransactions(ctx context.Context, params ListTransactionsParams) (count int64, err error) {
	defer s.observe("count_transactions", time.Now(), &err)

	where, args := params.where()
	err = s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM ledger_transactions`+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	return count, nil
}

func scanRecord(row pgx.Row) (*StoredRecord, error) {
	var (
		rec      StoredRecord
		txType   string
		hopsJSON []byte
		raw      string
	)
	err := row.Scan(
		&rec.Signature,
		&rec.Timestamp,
		&txType,
		&rec.FromWallet,
		&rec.ToWallet,
		&rec.TrackedAmount,
		&rec.ReferenceAmount,
		&rec.OtherAmount,
		&rec.OtherMint,
		&rec.Protocols,
		&rec.ReferralFeeAmount,
		&rec.ReferralFeeAccount,
		&hopsJSON,
		&rec.Fee,
		&rec.Success,
		&raw,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Type = ledger.Type(txType)
	rec.Timestamp = rec.Timestamp.UTC()
	rec.RawPayload = json.RawMessage(raw)
	if err := json.Unmarshal(hopsJSON, &rec.Hops); err != nil {
		return nil, fmt.Errorf("failed to decode hops for %s: %w", rec.Signature, err)
	}
	return &rec, nil
}

func (s *Store) observe(op string, start time.Time, err *error) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordDBQuery(op, time.Since(start).Seconds(), *err)
}
