package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/brojonat/tokenledger/service/helius"
	"github.com/brojonat/tokenledger/service/ledger"
	"github.com/brojonat/tokenledger/service/nats"
	"github.com/brojonat/tokenledger/service/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockSignatureSource struct {
	mock.Mock
}

func (m *MockSignatureSource) FetchSignatures(ctx context.Context, address string, target int) ([]string, error) {
	args := m.Called(ctx, address, target)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

type MockDetailSource struct {
	mock.Mock
}

func (m *MockDetailSource) FetchDetails(ctx context.Context, signatures []string) (*helius.DetailResult, error) {
	args := m.Called(ctx, signatures)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*helius.DetailResult), args.Error(1)
}

func (m *MockDetailSource) FetchAddressHistory(ctx context.Context, address string, limit int) ([]ledger.RawTransaction, error) {
	args := m.Called(ctx, address, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]ledger.RawTransaction), args.Error(1)
}

// memStore is an in-memory Store keyed by signature.
type memStore struct {
	rows      map[string]*ledger.Record
	failFor   map[string]error
	upserts   int
	filterErr error
}

func newMemStore() *memStore {
	return &memStore{rows: map[string]*ledger.Record{}, failFor: map[string]error{}}
}

func (s *memStore) UpsertTransaction(ctx context.Context, rec *ledger.Record) (bool, error) {
	s.upserts++
	if err := s.failFor[rec.Signature]; err != nil {
		return false, err
	}
	_, existed := s.rows[rec.Signature]
	s.rows[rec.Signature] = rec
	return !existed, nil
}

func (s *memStore) FilterExistingSignatures(ctx context.Context, signatures []string) ([]string, error) {
	if s.filterErr != nil {
		return nil, s.filterErr
	}
	var out []string
	for _, sig := range signatures {
		if _, ok := s.rows[sig]; ok {
			out = append(out, sig)
		}
	}
	return out, nil
}

func rawFor(t *testing.T, sig string, transfers ...map[string]any) ledger.RawTransaction {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"signature":      sig,
		"fee":            5000,
		"feePayer":       "A",
		"timestamp":      1700000000,
		"tokenTransfers": transfers,
	})
	require.NoError(t, err)
	return ledger.NewRawTransaction(payload)
}

func tballTransfer(amount float64) map[string]any {
	return map[string]any{
		"fromUserAccount": "A",
		"toUserAccount":   "B",
		"mint":            ledger.DefaultTrackedMint,
		"tokenAmount":     amount,
	}
}

func newTestIngester(sigs SignatureSource, details *MockDetailSource, store Store, pub nats.Publisher, opts Options) *Ingester {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewIngester(sigs, details, details, store, ledger.NewNormalizer(ledger.DefaultOptions()), pub, opts, nil, logger)
}

func TestRun_HappyPath(t *testing.T) {
	ctx := context.Background()
	sigs := []string{"s1", "s2", "s3"}

	sigSource := new(MockSignatureSource)
	sigSource.On("FetchSignatures", mock.Anything, "ADDR", 3).Return(sigs, nil)

	details := new(MockDetailSource)
	details.On("FetchDetails", mock.Anything, sigs).Return(&helius.DetailResult{
		Transactions: []ledger.RawTransaction{
			rawFor(t, "s1", tballTransfer(1)),
			rawFor(t, "s2", tballTransfer(2)),
			rawFor(t, "s3", tballTransfer(3)),
		},
	}, nil)

	store := newMemStore()
	pub := nats.NewMockPublisher()
	in := newTestIngester(sigSource, details, store, pub, Options{Workers: 2})

	report, err := in.Run(ctx, RunParams{Address: "ADDR", Target: 3})
	require.NoError(t, err)

	assert.Equal(t, 3, report.Requested)
	assert.Equal(t, 3, report.Inserted)
	assert.Equal(t, 0, report.Updated)
	assert.Equal(t, 0, report.Dropped())
	assert.Len(t, store.rows, 3)
	assert.Len(t, pub.Events(), 3)
	assert.Len(t, pub.EventsForSubject("ledger.transfer"), 3)

	sigSource.AssertExpectations(t)
	details.AssertExpectations(t)
}

func TestRun_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	sigs := []string{"s1", "s2"}

	sigSource := new(MockSignatureSource)
	sigSource.On("FetchSignatures", mock.Anything, "ADDR", 2).Return(sigs, nil)

	details := new(MockDetailSource)
	details.On("FetchDetails", mock.Anything, sigs).Return(&helius.DetailResult{
		Transactions: []ledger.RawTransaction{
			rawFor(t, "s1", tballTransfer(1)),
			rawFor(t, "s2", tballTransfer(2)),
		},
	}, nil)

	store := newMemStore()
	in := newTestIngester(sigSource, details, store, nil, Options{})

	first, err := in.Run(ctx, RunParams{Address: "ADDR", Target: 2})
	require.NoError(t, err)
	snapshot := map[string]string{}
	for sig, rec := range store.rows {
		snapshot[sig] = rec.TrackedAmount.String() + string(rec.Type)
	}

	second, err := in.Run(ctx, RunParams{Address: "ADDR", Target: 2})
	require.NoError(t, err)

	assert.Equal(t, 2, first.Inserted)
	assert.Equal(t, 0, second.Inserted)
	assert.Equal(t, 2, second.Updated)
	require.Len(t, store.rows, 2)
	for sig, rec := range store.rows {
		assert.Equal(t, snapshot[sig], rec.TrackedAmount.String()+string(rec.Type))
	}
}

func TestRun_SkipExisting(t *testing.T) {
	ctx := context.Background()

	sigSource := new(MockSignatureSource)
	sigSource.On("FetchSignatures", mock.Anything, "ADDR", 3).Return([]string{"s1", "s2", "s3"}, nil)

	details := new(MockDetailSource)
	details.On("FetchDetails", mock.Anything, []string{"s1", "s3"}).Return(&helius.DetailResult{
		Transactions: []ledger.RawTransaction{
			rawFor(t, "s1", tballTransfer(1)),
			rawFor(t, "s3", tballTransfer(3)),
		},
	}, nil)

	store := newMemStore()
	store.rows["s2"] = &ledger.Record{Signature: "s2"}
	in := newTestIngester(sigSource, details, store, nil, Options{SkipExisting: true})

	report, err := in.Run(ctx, RunParams{Address: "ADDR", Target: 3})
	require.NoError(t, err)

	assert.Equal(t, 3, report.Requested)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 2, report.Inserted)
	details.AssertExpectations(t)
}

func TestRun_SkipExistingFilterFailureFallsBack(t *testing.T) {
	ctx := context.Background()
	sigs := []string{"s1"}

	sigSource := new(MockSignatureSource)
	sigSource.On("FetchSignatures", mock.Anything, "ADDR", 1).Return(sigs, nil)

	details := new(MockDetailSource)
	details.On("FetchDetails", mock.Anything, sigs).Return(&helius.DetailResult{
		Transactions: []ledger.RawTransaction{rawFor(t, "s1", tballTransfer(1))},
	}, nil)

	store := newMemStore()
	store.filterErr = errors.New("db down")
	in := newTestIngester(sigSource, details, store, nil, Options{SkipExisting: true})

	report, err := in.Run(ctx, RunParams{Address: "ADDR", Target: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Inserted)
}

func TestRun_NothingDroppedSilently(t *testing.T) {
	ctx := context.Background()
	sigs := []string{"ok", "bad-json", "missing", "write-fails"}

	sigSource := new(MockSignatureSource)
	sigSource.On("FetchSignatures", mock.Anything, "ADDR", 4).Return(sigs, nil)

	details := new(MockDetailSource)
	details.On("FetchDetails", mock.Anything, sigs).Return(&helius.DetailResult{
		Transactions: []ledger.RawTransaction{
			rawFor(t, "ok", tballTransfer(1)),
			ledger.NewRawTransaction([]byte(`{"signature": "bad-json", "fee": "lots"}`)),
			rawFor(t, "write-fails", tballTransfer(1)),
		},
		Missing: []string{"missing"},
	}, nil)

	store := newMemStore()
	store.failFor["write-fails"] = errors.New("constraint violation")
	in := newTestIngester(sigSource, details, store, nil, Options{Workers: 3})

	report, err := in.Run(ctx, RunParams{Address: "ADDR", Target: 4})
	require.Error(t, err)

	assert.Equal(t, 1, report.Inserted)
	assert.Equal(t, []string{"missing"}, report.Missing)
	require.Len(t, report.NormalizationErrors, 1)
	assert.Equal(t, "bad-json", report.NormalizationErrors[0].Signature)
	require.Len(t, report.WriteErrors, 1)
	assert.Equal(t, "write-fails", report.WriteErrors[0].Signature)
	assert.Equal(t, report.Requested, report.Written()+report.Dropped())
}

func TestRun_BatchFailureKeepsEarlierBatches(t *testing.T) {
	ctx := context.Background()
	sigs := []string{"s1", "s2", "s3", "s4"}

	sigSource := new(MockSignatureSource)
	sigSource.On("FetchSignatures", mock.Anything, "ADDR", 4).Return(sigs, nil)

	batchErr := &helius.BatchError{Index: 1, Signatures: []string{"s3", "s4"}, Err: retry.ErrRetriesExhausted}
	details := new(MockDetailSource)
	details.On("FetchDetails", mock.Anything, sigs).Return(&helius.DetailResult{
		Transactions: []ledger.RawTransaction{
			rawFor(t, "s1", tballTransfer(1)),
			rawFor(t, "s2", tballTransfer(2)),
		},
	}, batchErr)

	store := newMemStore()
	in := newTestIngester(sigSource, details, store, nil, Options{})

	report, err := in.Run(ctx, RunParams{Address: "ADDR", Target: 4})
	require.Error(t, err)

	var be *helius.BatchError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 1, be.Index)
	assert.Equal(t, 2, report.Inserted)
	assert.Len(t, store.rows, 2)
}

func TestRun_PartialSignatures(t *testing.T) {
	ctx := context.Background()

	sigSource := new(MockSignatureSource)
	sigSource.On("FetchSignatures", mock.Anything, "ADDR", 10).
		Return([]string{"s1"}, fmt.Errorf("page 2: %w", retry.ErrSourceUnavailable))

	details := new(MockDetailSource)
	details.On("FetchDetails", mock.Anything, []string{"s1"}).Return(&helius.DetailResult{
		Transactions: []ledger.RawTransaction{rawFor(t, "s1", tballTransfer(1))},
	}, nil)

	store := newMemStore()
	in := newTestIngester(sigSource, details, store, nil, Options{})

	report, err := in.Run(ctx, RunParams{Address: "ADDR", Target: 10})
	require.Error(t, err)
	assert.ErrorIs(t, err, retry.ErrSourceUnavailable)
	assert.Equal(t, 1, report.Inserted)
}

func TestRun_History(t *testing.T) {
	ctx := context.Background()

	details := new(MockDetailSource)
	details.On("FetchAddressHistory", mock.Anything, "ADDR", 2).Return([]ledger.RawTransaction{
		rawFor(t, "h1", tballTransfer(1)),
		rawFor(t, "h2", tballTransfer(1), map[string]any{"mint": ledger.DefaultReferenceMint, "tokenAmount": 1}),
	}, nil)

	store := newMemStore()
	pub := nats.NewMockPublisher()
	in := newTestIngester(nil, details, store, pub, Options{})

	report, err := in.Run(ctx, RunParams{Address: "ADDR", Target: 2, UseHistory: true})
	require.NoError(t, err)

	assert.Equal(t, 2, report.Inserted)
	assert.Equal(t, ledger.TypeSwap, store.rows["h2"].Type)
	assert.Len(t, pub.EventsForSubject("ledger.swap"), 1)
	details.AssertNotCalled(t, "FetchDetails", mock.Anything, mock.Anything)
}

func TestFilterKnown(t *testing.T) {
	store := newMemStore()
	store.rows["b"] = &ledger.Record{}
	store.rows["d"] = &ledger.Record{}
	in := newTestIngester(nil, new(MockDetailSource), store, nil, Options{})

	fresh, err := in.FilterKnown(context.Background(), []string{"a", "b", "c", "d"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, fresh)
}

func TestPublishFailureDoesNotFailRun(t *testing.T) {
	ctx := context.Background()
	sigs := []string{"s1"}

	sigSource := new(MockSignatureSource)
	sigSource.On("FetchSignatures", mock.Anything, "ADDR", 1).Return(sigs, nil)
	details := new(MockDetailSource)
	details.On("FetchDetails", mock.Anything, sigs).Return(&helius.DetailResult{
		Transactions: []ledger.RawTransaction{rawFor(t, "s1", tballTransfer(1))},
	}, nil)

	pub := nats.NewMockPublisher()
	pub.SetPublishError(errors.New("nats unavailable"))
	in := newTestIngester(sigSource, details, newMemStore(), pub, Options{})

	report, err := in.Run(ctx, RunParams{Address: "ADDR", Target: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Inserted)
}

func TestReport_MarshalJSON(t *testing.T) {
	report := &Report{
		Address:             "ADDR",
		Requested:           2,
		Inserted:            1,
		NormalizationErrors: []*ledger.NormalizationError{{Signature: "x", Err: errors.New("bad amount")}},
		FetchErr:            errors.New("batch 1 failed"),
	}

	data, err := json.Marshal(report)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "batch 1 failed", decoded["fetch_error"])
	assert.Equal(t, []any{}, decoded["missing"])
	errs := decoded["normalization_errors"].([]any)
	require.Len(t, errs, 1)
	assert.Equal(t, "x", errs[0].(map[string]any)["signature"])
	assert.Contains(t, report.Summary(), "inserted=1")
}
