package temporal

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/log"
	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

// IngestWorkflowName is the registered name schedules start.
const IngestWorkflowName = "IngestWorkflow"

// IngestWorkflow runs one ingestion pass for a tracked address. It is
// triggered by a Temporal schedule at the configured interval.
//
// Signature sources run CollectSignatures, optionally FilterKnownSignatures,
// then IngestSignatures. The history source runs IngestHistory alone.
func IngestWorkflow(ctx workflow.Context, input IngestInput) (*IngestResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("IngestWorkflow started", "address", input.Address, "history", input.UseHistory)

	result := &IngestResult{
		Address: input.Address,
		RunTime: workflow.Now(ctx),
	}

	// Pagination waits out rate limits inside the activity, so the timeout
	// has to cover several retry delays. Upstream failures come back
	// non-retryable; the policy here only covers worker loss and timeouts.
	activityOptions := workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Minute,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    10 * time.Second,
			BackoffCoefficient: 1.0,
			MaximumAttempts:    2,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, activityOptions)

	if input.UseHistory {
		var summary *IngestSummary
		err := workflow.ExecuteActivity(ctx, a.IngestHistory, IngestHistoryInput{
			Address: input.Address,
			Limit:   input.Target,
		}).Get(ctx, &summary)
		if err != nil {
			errMsg := fmt.Sprintf("failed to ingest address history: %v", err)
			result.Error = &errMsg
			return result, fmt.Errorf("failed to ingest address history: %w", err)
		}
		result.Collected = summary.Fetched
		result.Summary = *summary
		logCompletion(logger, result)
		return result, nil
	}

	// Step 1: collect signatures
	var collected *CollectSignaturesResult
	err := workflow.ExecuteActivity(ctx, a.CollectSignatures, CollectSignaturesInput{
		Address: input.Address,
		Target:  input.Target,
	}).Get(ctx, &collected)
	if err != nil {
		errMsg := fmt.Sprintf("failed to collect signatures: %v", err)
		result.Error = &errMsg
		return result, fmt.Errorf("failed to collect signatures: %w", err)
	}
	result.Collected = len(collected.Signatures)
	result.CollectError = collected.Error

	if len(collected.Signatures) == 0 {
		logger.Info("no signatures found", "address", input.Address)
		return result, nil
	}

	// Step 2: drop signatures that are already stored
	signatures := collected.Signatures
	skipped := 0
	if input.SkipExisting {
		var filtered *FilterKnownSignaturesResult
		err = workflow.ExecuteActivity(ctx, a.FilterKnownSignatures, FilterKnownSignaturesInput{
			Signatures: signatures,
		}).Get(ctx, &filtered)
		if err != nil {
			// Upserts tolerate re-ingestion, so keep going with everything.
			logger.Warn("failed to filter known signatures", "address", input.Address, "error", err)
		} else {
			signatures = filtered.Signatures
			skipped = filtered.Skipped
		}
	}

	if len(signatures) == 0 {
		result.Summary = IngestSummary{Requested: result.Collected, Skipped: skipped}
		logger.Info("all signatures already stored", "address", input.Address, "skipped", skipped)
		return result, nil
	}

	// Step 3: fetch, normalize and store
	var summary *IngestSummary
	err = workflow.ExecuteActivity(ctx, a.IngestSignatures, IngestSignaturesInput{
		Address:    input.Address,
		Signatures: signatures,
	}).Get(ctx, &summary)
	if err != nil {
		errMsg := fmt.Sprintf("failed to ingest signatures: %v", err)
		result.Error = &errMsg
		return result, fmt.Errorf("failed to ingest signatures: %w", err)
	}

	summary.Requested = result.Collected
	summary.Skipped = skipped
	result.Summary = *summary
	logCompletion(logger, result)
	return result, nil
}

func logCompletion(logger log.Logger, result *IngestResult) {
	logger.Info("IngestWorkflow completed",
		"address", result.Address,
		"collected", result.Collected,
		"fetched", result.Summary.Fetched,
		"inserted", result.Summary.Inserted,
		"updated", result.Summary.Updated,
		"missing", len(result.Summary.Missing),
		"failures", len(result.Summary.Failures),
		"clean", result.Summary.Clean() && result.CollectError == "",
	)
}
