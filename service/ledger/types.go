package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Type is the classification of a normalized transaction.
type Type string

const (
	TypeTransfer  Type = "Transfer"
	TypeSwap      Type = "Swap"
	TypeMultiSwap Type = "MultiSwap"
)

// ParseType accepts the canonical names and returns an error for anything else.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case TypeTransfer, TypeSwap, TypeMultiSwap:
		return Type(s), nil
	}
	return "", fmt.Errorf("unknown transaction type %q", s)
}

// HopDirection says whether a hop fed into or came out of an inner swap.
type HopDirection string

const (
	HopInput  HopDirection = "input"
	HopOutput HopDirection = "output"
)

// Hop is one leg of a routed swap. Informational only; hops never change the
// classification or the aggregate amounts.
type Hop struct {
	Direction HopDirection    `json:"direction"`
	Amount    decimal.Decimal `json:"amount"`
	Mint      string          `json:"mint"`
}

// RawTransaction is one parsed transaction exactly as the indexer returned it.
// Signature is extracted loosely so a malformed payload still has an identity
// when it is reported.
type RawTransaction struct {
	Signature string          `json:"signature"`
	Payload   json.RawMessage `json:"payload"`
}

// NewRawTransaction wraps a payload and pulls out its signature if it can.
func NewRawTransaction(payload []byte) RawTransaction {
	var head struct {
		Signature string `json:"signature"`
	}
	_ = json.Unmarshal(payload, &head)
	return RawTransaction{
		Signature: head.Signature,
		Payload:   json.RawMessage(payload),
	}
}

// Record is the normalized, persisted form of a transaction. Amounts are
// non-negative sums and are zero when nothing of that kind moved.
type Record struct {
	Signature          string          `json:"signature"`
	Timestamp          time.Time       `json:"timestamp"`
	Type               Type            `json:"transaction_type"`
	FromWallet         *string         `json:"from_wallet,omitempty"`
	ToWallet           *string         `json:"to_wallet,omitempty"`
	TrackedAmount      decimal.Decimal `json:"tracked_asset_amount"`
	ReferenceAmount    decimal.Decimal `json:"reference_asset_amount"`
	OtherAmount        decimal.Decimal `json:"other_asset_amount"`
	OtherMint          *string         `json:"other_asset_mint,omitempty"`
	Protocols          []string        `json:"protocols"`
	ReferralFeeAmount  decimal.Decimal `json:"referral_fee_amount"`
	ReferralFeeAccount *string         `json:"referral_fee_account,omitempty"`
	Hops               []Hop           `json:"intermediate_hops"`
	Fee                decimal.Decimal `json:"fee"`
	Success            bool            `json:"success"`
	RawPayload         json.RawMessage `json:"raw_payload,omitempty"`
}

// NormalizationError is returned for a single transaction that could not be
// normalized. It never aborts the rest of a batch.
type NormalizationError struct {
	Signature string
	Err       error
}

func (e *NormalizationError) Error() string {
	if e.Signature == "" {
		return fmt.Sprintf("normalize transaction: %v", e.Err)
	}
	return fmt.Sprintf("normalize transaction %s: %v", e.Signature, e.Err)
}

func (e *NormalizationError) Unwrap() error {
	return e.Err
}
