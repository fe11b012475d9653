package temporal

import (
	"context"
	"time"
)

// Scheduler manages Temporal schedules for tracked addresses.
// Each address gets its own schedule that triggers the IngestWorkflow.
type Scheduler interface {
	// UpsertIngestSchedule creates the schedule for input.Address, or updates
	// its interval and arguments when it already exists.
	UpsertIngestSchedule(ctx context.Context, input IngestInput, interval time.Duration) error

	// DeleteIngestSchedule deletes the schedule for an address.
	// This stops the address from being ingested.
	DeleteIngestSchedule(ctx context.Context, address string) error
}

// ScheduleIDPrefix starts the ID of every ingestion schedule.
const ScheduleIDPrefix = "ingest-"

// scheduleID returns the Temporal schedule ID for a tracked address.
func scheduleID(address string) string {
	return ScheduleIDPrefix + address
}

// workflowID returns the workflow ID used for runs of an address.
func workflowID(address string) string {
	return "ingest-workflow-" + address
}
