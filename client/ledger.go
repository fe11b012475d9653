package client

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
	"time"

	"github.com/brojonat/tokenledger/service/ledger"
)

// ErrNotFound is returned when the server has no record for a signature.
var ErrNotFound = errors.New("transaction not found")

// Transaction is a ledger record as served by the API.
type Transaction struct {
	ledger.Record
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TransactionPage is one page of a transaction listing.
type TransactionPage struct {
	Transactions []*Transaction `json:"transactions"`
	Count        int            `json:"count"`
	Total        int64          `json:"total"`
	Limit        int            `json:"limit"`
	Offset       int            `json:"offset"`
}

// ListOptions filters a transaction listing. Zero values are omitted.
type ListOptions struct {
	Type       ledger.Type
	Since      time.Time
	Until      time.Time
	Limit      int
	Offset     int
	IncludeRaw bool
}

func (o ListOptions) query() url.Values {
	q := url.Values{}
	if o.Type != "" {
		q.Set("type", string(o.Type))
	}
	if !o.Since.IsZero() {
		q.Set("since", o.Since.UTC().Format(time.RFC3339))
	}
	if !o.Until.IsZero() {
		q.Set("until", o.Until.UTC().Format(time.RFC3339))
	}
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Offset > 0 {
		q.Set("offset", strconv.Itoa(o.Offset))
	}
	if o.IncludeRaw {
		q.Set("include_raw", "true")
	}
	return q
}

// ScheduleOptions overrides the server's ingestion defaults for a schedule.
// Nil fields keep the server default.
type ScheduleOptions struct {
	Interval     time.Duration
	Target       *int
	UseHistory   *bool
	SkipExisting *bool
}

// Client is the HTTP client for the tokenledger read API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new ledger API client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

// GetTransaction fetches one record by signature, raw payload included.
func (c *Client) GetTransaction(ctx context.Context, signature string) (*Transaction, error) {
	u := fmt.Sprintf("%s/api/v1/transactions/%s", c.baseURL, url.PathEscape(signature))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, signature)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var txn Transaction
	if err := json.NewDecoder(resp.Body).Decode(&txn); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &txn, nil
}

// ListTransactions fetches one page of records, newest first.
func (c *Client) ListTransactions(ctx context.Context, opts ListOptions) (*TransactionPage, error) {
	u := c.baseURL + "/api/v1/transactions"
	if q := opts.query().Encode(); q != "" {
		u += "?" + q
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var page TransactionPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	c.logger.Debug("transactions listed", "count", page.Count, "total", page.Total)
	return &page, nil
}

// Schedule asks the server to ingest an address on a recurring schedule.
func (c *Client) Schedule(ctx context.Context, address string, opts ScheduleOptions) error {
	reqBody := map[string]interface{}{}
	if opts.Interval > 0 {
		reqBody["interval"] = opts.Interval.String()
	}
	if opts.Target != nil {
		reqBody["target"] = *opts.Target
	}
	if opts.UseHistory != nil {
		reqBody["use_history"] = *opts.UseHistory
	}
	if opts.SkipExisting != nil {
		reqBody["skip_existing"] = *opts.SkipExisting
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	u := fmt.Sprintf("%s/api/v1/schedules/%s", c.baseURL, url.PathEscape(address))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}

	c.logger.Debug("schedule upserted", "address", address, "interval", opts.Interval)
	return nil
}

// Unschedule stops recurring ingestion for an address.
func (c *Client) Unschedule(ctx context.Context, address string) error {
	u := fmt.Sprintf("%s/api/v1/schedules/%s", c.baseURL, url.PathEscape(address))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return c.parseErrorResponse(resp)
	}

	c.logger.Debug("schedule deleted", "address", address)
	return nil
}

// parseErrorResponse extracts the error message from a JSON error body.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}

	return fmt.Errorf("request failed: %s", errResp.Error)
}
