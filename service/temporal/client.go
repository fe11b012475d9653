package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/tokenledger/service/config"
	"go.temporal.io/sdk/client"
)

// Client is a production implementation of Scheduler that talks to Temporal.
type Client struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
}

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	return &Client{
		client:    c,
		taskQueue: taskQueue,
		logger:    logger,
	}, nil
}

// InputFromConfig returns the workflow input for the configured tracked
// address.
func InputFromConfig(cfg *config.Config) IngestInput {
	return IngestInput{
		Address:      cfg.TrackedAddress,
		Target:       cfg.FetchTarget,
		UseHistory:   cfg.Source == config.SourceHistory,
		SkipExisting: cfg.SkipExisting,
	}
}

func (c *Client) workflowAction(input IngestInput) *client.ScheduleWorkflowAction {
	return &client.ScheduleWorkflowAction{
		ID:        workflowID(input.Address),
		Workflow:  IngestWorkflowName,
		TaskQueue: c.taskQueue,
		Args:      []interface{}{input},
	}
}

// UpsertIngestSchedule creates or updates the ingestion schedule for an
// address. An existing schedule gets the new interval and arguments.
func (c *Client) UpsertIngestSchedule(ctx context.Context, input IngestInput, interval time.Duration) error {
	id := scheduleID(input.Address)

	c.logger.Debug("upserting ingest schedule",
		"address", input.Address,
		"schedule_id", id,
		"interval", interval,
	)

	handle := c.client.ScheduleClient().GetHandle(ctx, id)
	if _, err := handle.Describe(ctx); err != nil {
		c.logger.Debug("schedule not found, creating new one",
			"schedule_id", id,
			"error", err,
		)
		_, err = c.client.ScheduleClient().Create(ctx, client.ScheduleOptions{
			ID: id,
			Spec: client.ScheduleSpec{
				Intervals: []client.ScheduleIntervalSpec{{Every: interval}},
			},
			Action: c.workflowAction(input),
			Memo: map[string]interface{}{
				"address":    input.Address,
				"target":     input.Target,
				"created_by": "tokenledger",
			},
		})
		if err != nil {
			c.logger.Error("failed to create schedule",
				"address", input.Address,
				"schedule_id", id,
				"error", err,
			)
			return fmt.Errorf("failed to create schedule %q: %w", id, err)
		}
		c.logger.Info("ingest schedule created",
			"address", input.Address,
			"schedule_id", id,
			"interval", interval,
		)
		return nil
	}

	err := handle.Update(ctx, client.ScheduleUpdateOptions{
		DoUpdate: func(in client.ScheduleUpdateInput) (*client.ScheduleUpdate, error) {
			in.Description.Schedule.Spec.Intervals = []client.ScheduleIntervalSpec{
				{Every: interval},
			}
			in.Description.Schedule.Action = c.workflowAction(input)
			return &client.ScheduleUpdate{
				Schedule: &in.Description.Schedule,
			}, nil
		},
	})
	if err != nil {
		c.logger.Error("failed to update schedule",
			"address", input.Address,
			"schedule_id", id,
			"error", err,
		)
		return fmt.Errorf("failed to update schedule %q: %w", id, err)
	}

	c.logger.Info("ingest schedule updated",
		"address", input.Address,
		"schedule_id", id,
		"interval", interval,
	)
	return nil
}

// DeleteIngestSchedule deletes the ingestion schedule for an address.
func (c *Client) DeleteIngestSchedule(ctx context.Context, address string) error {
	id := scheduleID(address)

	handle := c.client.ScheduleClient().GetHandle(ctx, id)
	if err := handle.Delete(ctx); err != nil {
		c.logger.Error("failed to delete schedule",
			"address", address,
			"schedule_id", id,
			"error", err,
		)
		return fmt.Errorf("failed to delete schedule %q: %w", id, err)
	}

	c.logger.Info("ingest schedule deleted",
		"address", address,
		"schedule_id", id,
	)
	return nil
}

// RunIngest starts one IngestWorkflow outside the schedule and waits for it
// to finish.
func (c *Client) RunIngest(ctx context.Context, input IngestInput) (*IngestResult, error) {
	run, err := c.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        fmt.Sprintf("%s-manual-%d", workflowID(input.Address), time.Now().Unix()),
		TaskQueue: c.taskQueue,
	}, IngestWorkflowName, input)
	if err != nil {
		return nil, fmt.Errorf("failed to start workflow: %w", err)
	}

	c.logger.Info("started ingest workflow",
		"address", input.Address,
		"workflow_id", run.GetID(),
		"run_id", run.GetRunID(),
	)

	var result IngestResult
	if err := run.Get(ctx, &result); err != nil {
		return nil, fmt.Errorf("workflow %s failed: %w", run.GetID(), err)
	}
	return &result, nil
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
