package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/tokenledger/service/helius"
	"github.com/brojonat/tokenledger/service/metrics"
	"github.com/brojonat/tokenledger/service/pipeline"
	"github.com/brojonat/tokenledger/service/retry"
	solanago "github.com/gagliardetto/solana-go"
	temporalsdk "go.temporal.io/sdk/temporal"
)

// IngestInput contains the input parameters for one scheduled ingestion.
type IngestInput struct {
	Address      string `json:"address"`
	Target       int    `json:"target"`
	UseHistory   bool   `json:"use_history"`
	SkipExisting bool   `json:"skip_existing"`
}

// IngestResult contains the result of an ingestion workflow.
type IngestResult struct {
	Address      string        `json:"address"`
	RunTime      time.Time     `json:"run_time"`
	Collected    int           `json:"collected"`
	CollectError string        `json:"collect_error,omitempty"`
	Summary      IngestSummary `json:"summary"`
	Error        *string       `json:"error,omitempty"`
}

// CollectSignaturesInput contains parameters for the CollectSignatures activity.
type CollectSignaturesInput struct {
	Address string `json:"address"`
	Target  int    `json:"target"`
}

// CollectSignaturesResult contains the signatures collected for an address.
// Error is set when pagination stopped early; Signatures then holds what was
// collected before it did.
type CollectSignaturesResult struct {
	Signatures []string `json:"signatures"`
	Error      string   `json:"error,omitempty"`
}

// FilterKnownSignaturesInput contains parameters for the FilterKnownSignatures activity.
type FilterKnownSignaturesInput struct {
	Signatures []string `json:"signatures"`
}

// FilterKnownSignaturesResult contains the signatures with no stored record.
type FilterKnownSignaturesResult struct {
	Signatures []string `json:"signatures"`
	Skipped    int      `json:"skipped"`
}

// IngestSignaturesInput contains parameters for the IngestSignatures activity.
type IngestSignaturesInput struct {
	Address    string   `json:"address"`
	Signatures []string `json:"signatures"`
}

// IngestHistoryInput contains parameters for the IngestHistory activity.
type IngestHistoryInput struct {
	Address string `json:"address"`
	Limit   int    `json:"limit"`
}

// Failure names a signature that did not become a stored record.
type Failure struct {
	Signature string `json:"signature"`
	Stage     string `json:"stage"`
	Error     string `json:"error"`
}

// IngestSummary is the serializable form of a pipeline report.
type IngestSummary struct {
	Requested  int       `json:"requested"`
	Skipped    int       `json:"skipped"`
	Fetched    int       `json:"fetched"`
	Inserted   int       `json:"inserted"`
	Updated    int       `json:"updated"`
	Missing    []string  `json:"missing,omitempty"`
	Failures   []Failure `json:"failures,omitempty"`
	FetchError string    `json:"fetch_error,omitempty"`
}

// Clean reports whether every requested signature was stored.
func (s IngestSummary) Clean() bool {
	return s.FetchError == "" && len(s.Missing) == 0 && len(s.Failures) == 0
}

func summarize(r *pipeline.Report) IngestSummary {
	s := IngestSummary{
		Requested: r.Requested,
		Skipped:   r.Skipped,
		Fetched:   r.Fetched,
		Inserted:  r.Inserted,
		Updated:   r.Updated,
		Missing:   r.Missing,
	}
	for _, e := range r.NormalizationErrors {
		s.Failures = append(s.Failures, Failure{Signature: e.Signature, Stage: "normalize", Error: e.Err.Error()})
	}
	for _, e := range r.WriteErrors {
		s.Failures = append(s.Failures, Failure{Signature: e.Signature, Stage: "store", Error: e.Err.Error()})
	}
	if r.FetchErr != nil {
		s.FetchError = r.FetchErr.Error()
	}
	return s
}

// Ingester is the pipeline surface the activities drive.
// *pipeline.Ingester implements it.
type Ingester interface {
	CollectSignatures(ctx context.Context, address string, target int) ([]string, error)
	FilterKnown(ctx context.Context, signatures []string) ([]string, error)
	IngestSignatures(ctx context.Context, address string, signatures []string) *pipeline.Report
	IngestHistory(ctx context.Context, address string, limit int) *pipeline.Report
}

// Activities holds the dependencies needed by Temporal activities.
type Activities struct {
	ingester Ingester
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// If metrics is nil, no metrics will be recorded.
func NewActivities(ingester Ingester, m *metrics.Metrics, logger *slog.Logger) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		ingester: ingester,
		metrics:  m,
		logger:   logger,
	}
}

func (a *Activities) observe(activity string) func() {
	return metrics.Timer(time.Now(), func(d float64) {
		if a.metrics != nil {
			a.metrics.RecordActivityDuration(activity, d)
		}
	})
}

func validateAddress(address string) error {
	if _, err := solanago.PublicKeyFromBase58(address); err != nil {
		return temporalsdk.NewNonRetryableApplicationError(
			fmt.Sprintf("invalid address %q", address), "InvalidAddress", err)
	}
	return nil
}

// upstreamError wraps an ingestion failure. Upstream failures have already
// been through the shared retry policy, so they are non-retryable and
// Temporal does not rerun the whole pass on top of it.
func upstreamError(msg string, err error) error {
	var batchErr *helius.BatchError
	if errors.Is(err, retry.ErrRetriesExhausted) ||
		errors.Is(err, retry.ErrSourceUnavailable) ||
		errors.As(err, &batchErr) {
		return temporalsdk.NewNonRetryableApplicationError(
			fmt.Sprintf("%s: %v", msg, err), "UpstreamFailure", err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// CollectSignatures paginates signatures for an address. A pagination
// failure with nothing collected fails the activity; a partial collection is
// returned with its error recorded instead.
func (a *Activities) CollectSignatures(ctx context.Context, input CollectSignaturesInput) (*CollectSignaturesResult, error) {
	defer a.observe("CollectSignatures")()

	if err := validateAddress(input.Address); err != nil {
		return nil, err
	}

	sigs, err := a.ingester.CollectSignatures(ctx, input.Address, input.Target)
	if err != nil && len(sigs) == 0 {
		a.logger.ErrorContext(ctx, "failed to collect signatures",
			"address", input.Address,
			"error", err,
		)
		return nil, upstreamError("failed to collect signatures", err)
	}

	result := &CollectSignaturesResult{Signatures: sigs}
	if err != nil {
		result.Error = err.Error()
		a.logger.WarnContext(ctx, "signature collection stopped early",
			"address", input.Address,
			"collected", len(sigs),
			"error", err,
		)
	}

	a.logger.InfoContext(ctx, "collected signatures",
		"address", input.Address,
		"count", len(sigs),
		"target", input.Target,
	)
	return result, nil
}

// FilterKnownSignatures drops signatures that already have a stored record.
func (a *Activities) FilterKnownSignatures(ctx context.Context, input FilterKnownSignaturesInput) (*FilterKnownSignaturesResult, error) {
	defer a.observe("FilterKnownSignatures")()

	fresh, err := a.ingester.FilterKnown(ctx, input.Signatures)
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to filter known signatures", "error", err)
		return nil, err
	}

	result := &FilterKnownSignaturesResult{
		Signatures: fresh,
		Skipped:    len(input.Signatures) - len(fresh),
	}
	a.logger.DebugContext(ctx, "filtered known signatures",
		"input", len(input.Signatures),
		"skipped", result.Skipped,
	)
	return result, nil
}

// IngestSignatures fetches, normalizes and stores the given signatures.
// Per-signature failures are part of the summary and do not fail the
// activity; re-running it would only repeat the same upserts.
func (a *Activities) IngestSignatures(ctx context.Context, input IngestSignaturesInput) (*IngestSummary, error) {
	defer a.observe("IngestSignatures")()

	report := a.ingester.IngestSignatures(ctx, input.Address, input.Signatures)
	summary := summarize(report)

	a.logger.InfoContext(ctx, "ingested signatures",
		"address", input.Address,
		"summary", report.Summary(),
	)
	return &summary, nil
}

// IngestHistory stores the most recent transactions for an address from the
// indexer's address history. It fails only when nothing could be fetched.
func (a *Activities) IngestHistory(ctx context.Context, input IngestHistoryInput) (*IngestSummary, error) {
	defer a.observe("IngestHistory")()

	if err := validateAddress(input.Address); err != nil {
		return nil, err
	}

	report := a.ingester.IngestHistory(ctx, input.Address, input.Limit)
	if report.FetchErr != nil && report.Fetched == 0 {
		a.logger.ErrorContext(ctx, "failed to fetch address history",
			"address", input.Address,
			"error", report.FetchErr,
		)
		return nil, upstreamError("failed to fetch address history", report.FetchErr)
	}

	summary := summarize(report)
	a.logger.InfoContext(ctx, "ingested address history",
		"address", input.Address,
		"summary", report.Summary(),
	)
	return &summary, nil
}
