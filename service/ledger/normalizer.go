package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Lamports per SOL. Fees are reported in lamports.
const feeExponent = -9

// wire types for the indexer's enhanced transaction shape. Only the fields
// the ledger needs are decoded.
type wireTransaction struct {
	Signature        string          `json:"signature"`
	Timestamp        *json.Number    `json:"timestamp"`
	Fee              decimal.Decimal `json:"fee"`
	FeePayer         string          `json:"feePayer"`
	TransactionError json.RawMessage `json:"transactionError"`
	Err              json.RawMessage `json:"err"`
	TokenTransfers   []wireTransfer  `json:"tokenTransfers"`
	Events           *wireEvents     `json:"events"`
}

type wireTransfer struct {
	FromUserAccount string          `json:"fromUserAccount"`
	ToUserAccount   string          `json:"toUserAccount"`
	TokenAmount     decimal.Decimal `json:"tokenAmount"`
	Mint            string          `json:"mint"`
}

type wireEvents struct {
	Swap *struct {
		InnerSwaps []struct {
			TokenInputs  []wireTransfer `json:"tokenInputs"`
			TokenOutputs []wireTransfer `json:"tokenOutputs"`
		} `json:"innerSwaps"`
	} `json:"swap"`
}

// Normalizer turns raw indexer payloads into ledger records. It holds no
// state besides its options and is safe for concurrent use.
type Normalizer struct {
	opts Options
}

// NewNormalizer creates a normalizer. Zero-valued mint options fall back to
// the defaults.
func NewNormalizer(opts Options) *Normalizer {
	defaults := DefaultOptions()
	if opts.TrackedMint == "" {
		opts.TrackedMint = defaults.TrackedMint
	}
	if opts.ReferenceMint == "" {
		opts.ReferenceMint = defaults.ReferenceMint
	}
	if opts.TimestampUnit == "" {
		opts.TimestampUnit = TimestampSeconds
	}
	return &Normalizer{opts: opts}
}

// Normalize converts one raw transaction. It performs no I/O. Every failure is
// returned as a *NormalizationError.
func (n *Normalizer) Normalize(raw RawTransaction) (*Record, error) {
	fail := func(err error) (*Record, error) {
		return nil, &NormalizationError{Signature: raw.Signature, Err: err}
	}

	var tx wireTransaction
	if err := json.Unmarshal(raw.Payload, &tx); err != nil {
		return fail(fmt.Errorf("decode payload: %w", err))
	}
	if tx.Signature == "" {
		return fail(errors.New("missing signature"))
	}
	if raw.Signature != "" && raw.Signature != tx.Signature {
		return fail(fmt.Errorf("payload signature %s does not match %s", tx.Signature, raw.Signature))
	}
	raw.Signature = tx.Signature

	var tracked, reference, other []wireTransfer
	for i, t := range tx.TokenTransfers {
		if t.TokenAmount.IsNegative() {
			return fail(fmt.Errorf("token transfer %d: negative amount %s", i, t.TokenAmount))
		}
		switch t.Mint {
		case n.opts.TrackedMint:
			tracked = append(tracked, t)
		case n.opts.ReferenceMint:
			reference = append(reference, t)
		default:
			other = append(other, t)
		}
	}
	if tx.Fee.IsNegative() {
		return fail(fmt.Errorf("negative fee %s", tx.Fee))
	}

	ts, err := n.timestamp(tx.Timestamp)
	if err != nil {
		return fail(err)
	}

	hops, err := intermediateHops(tx.Events)
	if err != nil {
		return fail(err)
	}

	rec := &Record{
		Signature:       tx.Signature,
		Timestamp:       ts,
		Type:            classify(tracked, reference, other),
		TrackedAmount:   sum(tracked),
		ReferenceAmount: sum(reference),
		OtherAmount:     sum(other),
		Protocols:       n.protocols(tx.TokenTransfers, raw.Payload),
		Hops:            hops,
		Fee:             tx.Fee.Shift(feeExponent),
		Success:         isNull(tx.TransactionError) && isNull(tx.Err),
		RawPayload:      raw.Payload,
	}

	// The first non-tracked, non-reference mint names the "other" bucket even
	// when later transfers in that bucket use a different mint.
	for _, t := range other {
		if t.Mint != "" {
			rec.OtherMint = stringPtr(t.Mint)
			break
		}
	}

	if tx.FeePayer != "" {
		rec.FromWallet = stringPtr(tx.FeePayer)
	} else if len(tracked) > 0 && tracked[0].FromUserAccount != "" {
		rec.FromWallet = stringPtr(tracked[0].FromUserAccount)
	}
	if len(tracked) > 0 && tracked[len(tracked)-1].ToUserAccount != "" {
		rec.ToWallet = stringPtr(tracked[len(tracked)-1].ToUserAccount)
	}

	rec.ReferralFeeAmount = decimal.Zero
	if n.opts.ReferralVault != nil {
		for _, t := range other {
			if n.opts.ReferralVault.MatchString(t.ToUserAccount) {
				rec.ReferralFeeAmount = rec.ReferralFeeAmount.Add(t.TokenAmount)
				rec.ReferralFeeAccount = stringPtr(t.ToUserAccount)
			}
		}
	}

	return rec, nil
}

// NormalizeAll normalizes raws on at most workers goroutines. Records come
// back in input order; failed transactions are left out of records and
// reported in errs.
func (n *Normalizer) NormalizeAll(ctx context.Context, raws []RawTransaction, workers int) ([]*Record, []*NormalizationError) {
	if workers < 1 {
		workers = 1
	}

	results := make([]*Record, len(raws))
	failures := make([]*NormalizationError, len(raws))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range raws {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rec, err := n.Normalize(raws[i])
			if err != nil {
				var nerr *NormalizationError
				if !errors.As(err, &nerr) {
					nerr = &NormalizationError{Signature: raws[i].Signature, Err: err}
				}
				failures[i] = nerr
				return nil
			}
			results[i] = rec
			return nil
		})
	}
	// Only cancellation fails the group. Whatever it left unprocessed is
	// reported with the cancellation error.
	if err := g.Wait(); err != nil {
		for i := range raws {
			if results[i] == nil && failures[i] == nil {
				failures[i] = &NormalizationError{Signature: raws[i].Signature, Err: err}
			}
		}
	}

	records := make([]*Record, 0, len(raws))
	var errs []*NormalizationError
	for i := range raws {
		if failures[i] != nil {
			errs = append(errs, failures[i])
			continue
		}
		records = append(records, results[i])
	}
	return records, errs
}

func (n *Normalizer) timestamp(v *json.Number) (time.Time, error) {
	if v == nil || *v == "" {
		return time.Unix(0, 0).UTC(), nil
	}
	secs, err := v.Int64()
	if err != nil {
		f, ferr := v.Float64()
		if ferr != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", v.String(), err)
		}
		if math.IsNaN(f) || math.Abs(f) >= math.MaxInt64 {
			return time.Time{}, fmt.Errorf("timestamp out of range: %s", v.String())
		}
		secs = int64(f)
	}
	if secs < 0 {
		return time.Time{}, fmt.Errorf("negative timestamp %d", secs)
	}
	if n.opts.TimestampUnit == TimestampMilliseconds {
		secs /= 1000
	}
	return time.Unix(secs, 0).UTC(), nil
}

func (n *Normalizer) protocols(transfers []wireTransfer, payload []byte) []string {
	found := make(map[string]struct{})
	for _, p := range n.opts.Protocols {
		if p.Pattern == nil {
			continue
		}
		matched := false
		for _, t := range transfers {
			if t.ToUserAccount != "" && p.Pattern.MatchString(t.ToUserAccount) {
				matched = true
				break
			}
		}
		if !matched && n.opts.RawTextFallback {
			matched = p.Pattern.Match(payload)
		}
		if matched {
			found[p.Name] = struct{}{}
		}
	}

	out := make([]string, 0, len(found))
	for name := range found {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func classify(tracked, reference, other []wireTransfer) Type {
	switch {
	case len(tracked) > 0 && (len(reference) > 0 || len(other) > 0):
		return TypeSwap
	case len(tracked) > 1 || len(reference) > 1:
		return TypeMultiSwap
	default:
		return TypeTransfer
	}
}

func intermediateHops(events *wireEvents) ([]Hop, error) {
	hops := []Hop{}
	if events == nil || events.Swap == nil {
		return hops, nil
	}
	for i, inner := range events.Swap.InnerSwaps {
		for _, in := range inner.TokenInputs {
			if in.TokenAmount.IsNegative() {
				return nil, fmt.Errorf("inner swap %d: negative input amount %s", i, in.TokenAmount)
			}
			hops = append(hops, Hop{Direction: HopInput, Amount: in.TokenAmount, Mint: in.Mint})
		}
		for _, out := range inner.TokenOutputs {
			if out.TokenAmount.IsNegative() {
				return nil, fmt.Errorf("inner swap %d: negative output amount %s", i, out.TokenAmount)
			}
			hops = append(hops, Hop{Direction: HopOutput, Amount: out.TokenAmount, Mint: out.Mint})
		}
	}
	return hops, nil
}

func sum(transfers []wireTransfer) decimal.Decimal {
	total := decimal.Zero
	for _, t := range transfers {
		total = total.Add(t.TokenAmount)
	}
	return total
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func stringPtr(s string) *string {
	return &s
}
