package helius

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/tokenledger/service/ledger"
	"github.com/brojonat/tokenledger/service/metrics"
	"github.com/brojonat/tokenledger/service/retry"
)

const (
	DefaultBaseURL   = "https://api.helius.xyz"
	DefaultBatchSize = 5

	// The indexer rejects batch and history requests larger than this.
	maxRequestSize = 100
)

// ErrPartialBatch marks a response that left out some requested signatures.
var ErrPartialBatch = errors.New("partial batch")

// BatchError reports the batch that stopped a detail fetch.
type BatchError struct {
	Index      int
	Signatures []string
	Err        error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch %d (%d signatures): %v", e.Index, len(e.Signatures), e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

// Config configures the indexer client.
type Config struct {
	BaseURL   string
	APIKey    string
	BatchSize int
}

// Client talks to the Helius enhanced transactions API.
type Client struct {
	baseURL    string
	apiKey     string
	batchSize  int
	httpClient *http.Client
	policy     *retry.Policy
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewClient creates an indexer client. httpClient should carry a timeout.
// If metrics is nil, no metrics will be recorded.
func NewClient(cfg Config, httpClient *http.Client, policy *retry.Policy, m *metrics.Metrics, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchSize > maxRequestSize {
		cfg.BatchSize = maxRequestSize
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		batchSize:  cfg.BatchSize,
		httpClient: httpClient,
		policy:     policy,
		metrics:    m,
		logger:     logger,
	}
}

// DetailResult is what came back from a detail fetch.
type DetailResult struct {
	Transactions []ledger.RawTransaction
	// Missing lists requested signatures the indexer did not return.
	Missing []string
}

// Err returns an ErrPartialBatch error when any signature is missing.
func (r *DetailResult) Err() error {
	if len(r.Missing) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %d signatures missing", ErrPartialBatch, len(r.Missing))
}

// FetchDetails fetches parsed transactions in contiguous batches of at most
// the configured batch size. Each batch goes through the retry policy. When a
// batch fails the fetch stops: the result holds everything from earlier
// batches and the error is a *BatchError.
func (c *Client) FetchDetails(ctx context.Context, signatures []string) (*DetailResult, error) {
	result := &DetailResult{
		Transactions: make([]ledger.RawTransaction, 0, len(signatures)),
	}

	for start, index := 0, 0; start < len(signatures); start, index = start+c.batchSize, index+1 {
		end := min(start+c.batchSize, len(signatures))
		batch := signatures[start:end]

		var items []json.RawMessage
		err := c.policy.Do(ctx, func(ctx context.Context) error {
			var err error
			items, err = c.postBatch(ctx, batch)
			return err
		})
		if err != nil {
			c.logger.ErrorContext(ctx, "batch detail fetch failed",
				"batch", index,
				"size", len(batch),
				"error", err,
			)
			return result, &BatchError{Index: index, Signatures: batch, Err: err}
		}

		byID := make(map[string]ledger.RawTransaction, len(items))
		for _, item := range items {
			if isNull(item) {
				continue
			}
			raw := ledger.NewRawTransaction(item)
			if raw.Signature == "" {
				c.logger.WarnContext(ctx, "indexer returned transaction without signature", "batch", index)
				continue
			}
			byID[raw.Signature] = raw
		}

		for _, sig := range batch {
			raw, ok := byID[sig]
			if !ok {
				result.Missing = append(result.Missing, sig)
				continue
			}
			result.Transactions = append(result.Transactions, raw)
		}

		c.logger.DebugContext(ctx, "fetched transaction batch",
			"batch", index,
			"requested", len(batch),
			"returned", len(byID),
		)
	}

	if len(result.Missing) > 0 {
		c.logger.WarnContext(ctx, "indexer omitted requested transactions",
			"missing", len(result.Missing),
			"requested", len(signatures),
		)
	}
	return result, nil
}

// FetchAddressHistory returns up to limit of the most recent parsed
// transactions that touch address, newest first.
func (c *Client) FetchAddressHistory(ctx context.Context, address string, limit int) ([]ledger.RawTransaction, error) {
	out := make([]ledger.RawTransaction, 0, max(limit, 0))
	before := ""

	for len(out) < limit {
		pageLimit := min(maxRequestSize, limit-len(out))

		var items []json.RawMessage
		err := c.policy.Do(ctx, func(ctx context.Context) error {
			var err error
			items, err = c.getHistory(ctx, address, before, pageLimit)
			return err
		})
		if err != nil {
			return out, fmt.Errorf("fetch address history for %s: %w", address, err)
		}
		if len(items) == 0 {
			break
		}

		last := ""
		for _, item := range items {
			if isNull(item) {
				continue
			}
			raw := ledger.NewRawTransaction(item)
			out = append(out, raw)
			last = raw.Signature
			if len(out) == limit {
				break
			}
		}
		if last == "" || last == before {
			break
		}
		before = last
	}

	return out, nil
}

func (c *Client) postBatch(ctx context.Context, signatures []string) ([]json.RawMessage, error) {
	body, err := json.Marshal(map[string][]string{"transactions": signatures})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := c.baseURL + "/v0/transactions?" + url.Values{"api-key": {c.apiKey}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, "transactions")
}

func (c *Client) getHistory(ctx context.Context, address, before string, limit int) ([]json.RawMessage, error) {
	q := url.Values{
		"api-key": {c.apiKey},
		"limit":   {strconv.Itoa(limit)},
	}
	if before != "" {
		q.Set("before", before)
	}
	endpoint := c.baseURL + "/v0/addresses/" + url.PathEscape(address) + "/transactions?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(req, "address_transactions")
}

// do executes req and decodes a JSON array response. 429 maps to
// retry.ErrRateLimited; every other failure maps to retry.ErrSourceUnavailable.
func (c *Client) do(req *http.Request, op string) ([]json.RawMessage, error) {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	status := "success"
	defer func() {
		if c.metrics != nil {
			c.metrics.RecordIndexerCall(op, status, time.Since(start).Seconds())
		}
	}()

	if err != nil {
		status = "error"
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", retry.ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		status = "rate_limited"
		if c.metrics != nil {
			c.metrics.RecordRateLimitHit("helius")
		}
		c.logger.WarnContext(req.Context(), "indexer rate limited request", "op", op)
		return nil, fmt.Errorf("%w: %s", retry.ErrRateLimited, resp.Status)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		status = "error"
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", retry.ErrSourceUnavailable, resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var items []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		status = "error"
		return nil, fmt.Errorf("%w: decode response: %v", retry.ErrSourceUnavailable, err)
	}
	return items, nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
