package nats

import (
	"strings"
	"time"

	"github.com/brojonat/tokenledger/service/ledger"
	"github.com/shopspring/decimal"
)

// LedgerEvent announces that a ledger record was written. It is published on
// "ledger.{type}" with the type lowercased, e.g. "ledger.swap".
type LedgerEvent struct {
	Signature string      `json:"signature"`
	Type      ledger.Type `json:"transaction_type"`
	Timestamp time.Time   `json:"timestamp"`

	FromWallet *string `json:"from_wallet,omitempty"`
	ToWallet   *string `json:"to_wallet,omitempty"`

	TrackedAmount     decimal.Decimal `json:"tracked_asset_amount"`
	ReferenceAmount   decimal.Decimal `json:"reference_asset_amount"`
	OtherAmount       decimal.Decimal `json:"other_asset_amount"`
	OtherMint         *string         `json:"other_asset_mint,omitempty"`
	ReferralFeeAmount decimal.Decimal `json:"referral_fee_amount"`
	Protocols         []string        `json:"protocols"`
	Fee               decimal.Decimal `json:"fee"`
	Success           bool            `json:"success"`

	// Inserted is false when the write replaced an existing row.
	Inserted    bool      `json:"inserted"`
	PublishedAt time.Time `json:"published_at"`
}

// Subject returns the subject the event is published on.
func (e *LedgerEvent) Subject() string {
	return SubjectForType(e.Type)
}

// SubjectForType returns the subject events of type t are published on.
func SubjectForType(t ledger.Type) string {
	return SubjectPrefix + strings.ToLower(string(t))
}

// FromRecord builds the event for a freshly written record. The raw payload
// is left out; consumers that need it read the record back.
func FromRecord(rec *ledger.Record, inserted bool) *LedgerEvent {
	return &LedgerEvent{
		Signature:         rec.Signature,
		Type:              rec.Type,
		Timestamp:         rec.Timestamp,
		FromWallet:        rec.FromWallet,
		ToWallet:          rec.ToWallet,
		TrackedAmount:     rec.TrackedAmount,
		ReferenceAmount:   rec.ReferenceAmount,
		OtherAmount:       rec.OtherAmount,
		OtherMint:         rec.OtherMint,
		ReferralFeeAmount: rec.ReferralFeeAmount,
		Protocols:         rec.Protocols,
		Fee:               rec.Fee,
		Success:           rec.Success,
		Inserted:          inserted,
		PublishedAt:       time.Now().UTC(),
	}
}
