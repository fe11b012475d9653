package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/tokenledger/service/helius"
	"github.com/brojonat/tokenledger/service/ledger"
	"github.com/brojonat/tokenledger/service/metrics"
	"github.com/brojonat/tokenledger/service/nats"
)

// SignatureSource lists signatures for an address, newest first.
type SignatureSource interface {
	FetchSignatures(ctx context.Context, address string, target int) ([]string, error)
}

// DetailSource fetches parsed transactions for signatures.
type DetailSource interface {
	FetchDetails(ctx context.Context, signatures []string) (*helius.DetailResult, error)
}

// HistorySource fetches the most recent parsed transactions for an address.
type HistorySource interface {
	FetchAddressHistory(ctx context.Context, address string, limit int) ([]ledger.RawTransaction, error)
}

// Store is the persistence the pipeline writes to.
type Store interface {
	UpsertTransaction(ctx context.Context, rec *ledger.Record) (bool, error)
	FilterExistingSignatures(ctx context.Context, signatures []string) ([]string, error)
}

// WriteError reports a record that normalized but could not be stored.
type WriteError struct {
	Signature string
	Err       error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Signature, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// Options tunes an Ingester.
type Options struct {
	// Workers bounds concurrent normalization.
	Workers int
	// SkipExisting drops already stored signatures before fetching details.
	SkipExisting bool
}

// Ingester runs signatures through fetch, normalize and store.
type Ingester struct {
	signatures SignatureSource
	details    DetailSource
	history    HistorySource
	store      Store
	normalizer *ledger.Normalizer
	publisher  nats.Publisher
	opts       Options
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewIngester creates an Ingester. signatures, history and publisher may be
// nil; a nil publisher disables events.
func NewIngester(
	signatures SignatureSource,
	details DetailSource,
	history HistorySource,
	store Store,
	normalizer *ledger.Normalizer,
	publisher nats.Publisher,
	opts Options,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Ingester {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Ingester{
		signatures: signatures,
		details:    details,
		history:    history,
		store:      store,
		normalizer: normalizer,
		publisher:  publisher,
		opts:       opts,
		metrics:    m,
		logger:     logger,
	}
}

// CollectSignatures gathers up to target signatures for address. On failure
// the signatures collected so far are returned with the error.
func (in *Ingester) CollectSignatures(ctx context.Context, address string, target int) ([]string, error) {
	if in.signatures == nil {
		return nil, errors.New("no signature source configured")
	}
	sigs, err := in.signatures.FetchSignatures(ctx, address, target)
	if in.metrics != nil {
		in.metrics.RecordSignaturesCollected(address, len(sigs))
	}
	return sigs, err
}

// FilterKnown drops signatures that already have a stored record and returns
// the rest in their original order.
func (in *Ingester) FilterKnown(ctx context.Context, signatures []string) ([]string, error) {
	existing, err := in.store.FilterExistingSignatures(ctx, signatures)
	if err != nil {
		return nil, fmt.Errorf("failed to filter known signatures: %w", err)
	}
	if len(existing) == 0 {
		return signatures, nil
	}

	known := make(map[string]struct{}, len(existing))
	for _, sig := range existing {
		known[sig] = struct{}{}
	}
	out := make([]string, 0, len(signatures)-len(existing))
	for _, sig := range signatures {
		if _, ok := known[sig]; !ok {
			out = append(out, sig)
		}
	}
	return out, nil
}

// IngestSignatures fetches, normalizes and stores signatures. A failed detail
// batch is recorded in the report; everything fetched before it is still
// stored.
func (in *Ingester) IngestSignatures(ctx context.Context, address string, signatures []string) *Report {
	report := &Report{Address: address, Requested: len(signatures)}
	if len(signatures) == 0 {
		return report
	}

	result, err := in.details.FetchDetails(ctx, signatures)
	if err != nil {
		report.FetchErr = err
	}
	if result != nil {
		report.Missing = result.Missing
		in.ingestRaw(ctx, report, result.Transactions)
	}
	if in.metrics != nil {
		in.metrics.RecordTransactionsFetched(address, report.Fetched, len(report.Missing))
	}
	return report
}

// IngestHistory stores the most recent limit transactions for address using
// the history source instead of signature pagination.
func (in *Ingester) IngestHistory(ctx context.Context, address string, limit int) *Report {
	report := &Report{Address: address, Requested: limit}
	if in.history == nil {
		report.FetchErr = errors.New("no history source configured")
		return report
	}

	raws, err := in.history.FetchAddressHistory(ctx, address, limit)
	if err != nil {
		report.FetchErr = err
	}
	in.ingestRaw(ctx, report, raws)
	if in.metrics != nil {
		in.metrics.RecordTransactionsFetched(address, report.Fetched, 0)
	}
	return report
}

// IngestRaw normalizes and stores transactions the caller already has.
func (in *Ingester) IngestRaw(ctx context.Context, raws []ledger.RawTransaction) *Report {
	report := &Report{Requested: len(raws)}
	in.ingestRaw(ctx, report, raws)
	return report
}

func (in *Ingester) ingestRaw(ctx context.Context, report *Report, raws []ledger.RawTransaction) {
	report.Fetched += len(raws)

	records, failures := in.normalizer.NormalizeAll(ctx, raws, in.opts.Workers)
	report.NormalizationErrors = append(report.NormalizationErrors, failures...)
	for _, nerr := range failures {
		in.logger.WarnContext(ctx, "failed to normalize transaction",
			"signature", nerr.Signature,
			"error", nerr.Err,
		)
		if in.metrics != nil {
			in.metrics.RecordNormalized("error", "")
		}
	}

	events := make([]*nats.LedgerEvent, 0, len(records))
	for _, rec := range records {
		if in.metrics != nil {
			in.metrics.RecordNormalized("success", string(rec.Type))
		}

		inserted, err := in.store.UpsertTransaction(ctx, rec)
		if err != nil {
			report.WriteErrors = append(report.WriteErrors, &WriteError{Signature: rec.Signature, Err: err})
			in.logger.ErrorContext(ctx, "failed to store transaction",
				"signature", rec.Signature,
				"error", err,
			)
			if in.metrics != nil {
				in.metrics.RecordRecordWritten("error")
			}
			continue
		}

		outcome := "updated"
		if inserted {
			report.Inserted++
			outcome = "inserted"
		} else {
			report.Updated++
		}
		if in.metrics != nil {
			in.metrics.RecordRecordWritten(outcome)
		}
		report.Signatures = append(report.Signatures, rec.Signature)
		events = append(events, nats.FromRecord(rec, inserted))
	}

	if in.publisher != nil && len(events) > 0 {
		if err := in.publisher.PublishRecordBatch(ctx, events); err != nil {
			in.logger.WarnContext(ctx, "failed to publish ledger events",
				"count", len(events),
				"error", err,
			)
		}
	}
}

// RunParams selects what Run ingests.
type RunParams struct {
	Address string
	Target  int
	// UseHistory reads the indexer's address history instead of paginating
	// signatures over RPC.
	UseHistory bool
}

// Run performs one full ingestion pass and returns its report. The error is
// the report's Err, so callers that only need success or failure can check it
// directly.
func (in *Ingester) Run(ctx context.Context, params RunParams) (*Report, error) {
	start := time.Now()
	in.logger.InfoContext(ctx, "starting ingestion run",
		"address", params.Address,
		"target", params.Target,
		"history", params.UseHistory,
	)

	var report *Report
	if params.UseHistory {
		report = in.IngestHistory(ctx, params.Address, params.Target)
	} else {
		report = in.runSignatures(ctx, params)
	}

	status := "success"
	if report.Err() != nil {
		status = "partial"
	}
	if in.metrics != nil {
		in.metrics.RecordIngestRun(params.Address, status, time.Since(start).Seconds())
	}

	in.logger.InfoContext(ctx, "ingestion run complete",
		"address", params.Address,
		"duration", time.Since(start),
		"requested", report.Requested,
		"skipped", report.Skipped,
		"fetched", report.Fetched,
		"inserted", report.Inserted,
		"updated", report.Updated,
		"missing", len(report.Missing),
		"normalization_errors", len(report.NormalizationErrors),
		"write_errors", len(report.WriteErrors),
		"fetch_error", report.FetchErr,
	)
	return report, report.Err()
}

func (in *Ingester) runSignatures(ctx context.Context, params RunParams) *Report {
	sigs, collectErr := in.CollectSignatures(ctx, params.Address, params.Target)
	collected := len(sigs)

	skipped := 0
	if in.opts.SkipExisting && len(sigs) > 0 {
		fresh, err := in.FilterKnown(ctx, sigs)
		if err != nil {
			// Without the filter every signature is re-ingested, which the
			// upsert tolerates.
			in.logger.WarnContext(ctx, "known signature filter failed", "error", err)
		} else {
			skipped = len(sigs) - len(fresh)
			sigs = fresh
			if in.metrics != nil && skipped > 0 {
				in.metrics.RecordSignaturesSkipped(params.Address, "already_stored", skipped)
			}
		}
	}

	report := in.IngestSignatures(ctx, params.Address, sigs)
	report.Requested = collected
	report.Skipped = skipped
	if collectErr != nil {
		report.FetchErr = errors.Join(collectErr, report.FetchErr)
	}
	return report
}
