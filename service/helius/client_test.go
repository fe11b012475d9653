package helius

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/brojonat/tokenledger/service/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeIndexer answers batch requests by echoing a minimal transaction for
// every signature it knows about.
type fakeIndexer struct {
	mu       sync.Mutex
	known    map[string]bool
	statuses []int // served in order before normal responses
	batches  [][]string
	apiKeys  []string
}

func (f *fakeIndexer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.apiKeys = append(f.apiKeys, r.URL.Query().Get("api-key"))

	if len(f.statuses) > 0 {
		status := f.statuses[0]
		f.statuses = f.statuses[1:]
		if status != http.StatusOK {
			http.Error(w, http.StatusText(status), status)
			return
		}
	}

	var body struct {
		Transactions []string `json:"transactions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.batches = append(f.batches, body.Transactions)

	out := make([]any, 0, len(body.Transactions))
	for _, sig := range body.Transactions {
		if !f.known[sig] {
			out = append(out, nil)
			continue
		}
		out = append(out, map[string]any{"signature": sig, "fee": 5000})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func signatures(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("sig-%02d", i)
	}
	return out
}

func knownSet(sigs []string) map[string]bool {
	out := make(map[string]bool, len(sigs))
	for _, s := range sigs {
		out[s] = true
	}
	return out
}

func newTestClient(t *testing.T, handler http.Handler, batchSize int) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewClient(
		Config{BaseURL: srv.URL, APIKey: "test-key", BatchSize: batchSize},
		srv.Client(),
		retry.NewPolicy(3, 0),
		nil,
		logger,
	)
}

func TestFetchDetails_Batches(t *testing.T) {
	sigs := signatures(12)
	indexer := &fakeIndexer{known: knownSet(sigs)}
	c := newTestClient(t, indexer, 5)

	result, err := c.FetchDetails(context.Background(), sigs)
	require.NoError(t, err)
	require.NoError(t, result.Err())

	require.Len(t, result.Transactions, 12)
	for i, raw := range result.Transactions {
		assert.Equal(t, sigs[i], raw.Signature)
	}

	require.Len(t, indexer.batches, 3)
	assert.Equal(t, sigs[0:5], indexer.batches[0])
	assert.Equal(t, sigs[5:10], indexer.batches[1])
	assert.Equal(t, sigs[10:12], indexer.batches[2])
	assert.Equal(t, []string{"test-key", "test-key", "test-key"}, indexer.apiKeys)
}

func TestFetchDetails_ReportsMissing(t *testing.T) {
	sigs := signatures(4)
	indexer := &fakeIndexer{known: knownSet([]string{sigs[0], sigs[2]})}
	c := newTestClient(t, indexer, 5)

	result, err := c.FetchDetails(context.Background(), sigs)
	require.NoError(t, err)

	assert.Len(t, result.Transactions, 2)
	assert.Equal(t, []string{sigs[1], sigs[3]}, result.Missing)
	assert.ErrorIs(t, result.Err(), ErrPartialBatch)
}

func TestFetchDetails_RetriesRateLimit(t *testing.T) {
	sigs := signatures(3)
	indexer := &fakeIndexer{
		known:    knownSet(sigs),
		statuses: []int{http.StatusTooManyRequests, http.StatusTooManyRequests},
	}
	c := newTestClient(t, indexer, 5)

	result, err := c.FetchDetails(context.Background(), sigs)
	require.NoError(t, err)
	assert.Len(t, result.Transactions, 3)
	assert.Len(t, indexer.apiKeys, 3)
}

func TestFetchDetails_FailedBatchKeepsEarlierBatches(t *testing.T) {
	sigs := signatures(10)
	indexer := &fakeIndexer{
		known:    knownSet(sigs),
		statuses: []int{http.StatusOK, http.StatusInternalServerError},
	}
	c := newTestClient(t, indexer, 5)

	result, err := c.FetchDetails(context.Background(), sigs)
	require.Error(t, err)

	var batchErr *BatchError
	require.ErrorAs(t, err, &batchErr)
	assert.Equal(t, 1, batchErr.Index)
	assert.Equal(t, sigs[5:10], batchErr.Signatures)
	assert.ErrorIs(t, err, retry.ErrSourceUnavailable)

	// A 500 is not retried.
	assert.Len(t, indexer.apiKeys, 2)
	require.Len(t, result.Transactions, 5)
	assert.Equal(t, sigs[0], result.Transactions[0].Signature)
}

func TestFetchDetails_RateLimitExhausted(t *testing.T) {
	sigs := signatures(2)
	indexer := &fakeIndexer{
		known: knownSet(sigs),
		statuses: []int{
			http.StatusTooManyRequests,
			http.StatusTooManyRequests,
			http.StatusTooManyRequests,
		},
	}
	c := newTestClient(t, indexer, 5)

	result, err := c.FetchDetails(context.Background(), sigs)
	require.Error(t, err)
	assert.ErrorIs(t, err, retry.ErrRetriesExhausted)
	assert.Empty(t, result.Transactions)
	assert.Len(t, indexer.apiKeys, 3)
}

func TestFetchDetails_MalformedResponse(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"not": "an array"}`))
	})
	c := newTestClient(t, handler, 5)

	_, err := c.FetchDetails(context.Background(), signatures(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, retry.ErrSourceUnavailable)
}

func TestFetchDetails_Empty(t *testing.T) {
	indexer := &fakeIndexer{}
	c := newTestClient(t, indexer, 5)

	result, err := c.FetchDetails(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, result.Transactions)
	assert.Empty(t, indexer.batches)
}

func TestFetchAddressHistory(t *testing.T) {
	var befores []string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v0/addresses/ADDR/transactions", r.URL.Path)
		before := r.URL.Query().Get("before")
		befores = append(befores, before)

		var page []map[string]any
		switch before {
		case "":
			page = []map[string]any{{"signature": "s1"}, {"signature": "s2"}}
		case "s2":
			page = []map[string]any{{"signature": "s3"}}
		}
		_ = json.NewEncoder(w).Encode(page)
	})
	c := newTestClient(t, handler, 5)

	txs, err := c.FetchAddressHistory(context.Background(), "ADDR", 10)
	require.NoError(t, err)

	require.Len(t, txs, 3)
	assert.Equal(t, "s1", txs[0].Signature)
	assert.Equal(t, "s3", txs[2].Signature)
	assert.Equal(t, []string{"", "s2", "s3"}, befores)
}

func TestFetchAddressHistory_Limit(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		_ = json.NewEncoder(w).Encode([]map[string]any{{"signature": "s1"}, {"signature": "s2"}})
	})
	c := newTestClient(t, handler, 5)

	txs, err := c.FetchAddressHistory(context.Background(), "ADDR", 2)
	require.NoError(t, err)
	assert.Len(t, txs, 2)
}
