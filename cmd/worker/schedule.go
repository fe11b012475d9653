package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/brojonat/tokenledger/service/config"
	"github.com/brojonat/tokenledger/service/temporal"
)

// syncSchedule makes the tracked address's schedule match configuration so a
// redeploy with a new interval or target takes effect without manual steps.
func syncSchedule(ctx context.Context, s temporal.Scheduler, cfg *config.Config, logger *slog.Logger) error {
	if !cfg.ScheduleOnStart {
		logger.Info("schedule sync disabled", "address", cfg.TrackedAddress)
		return nil
	}

	input := temporal.InputFromConfig(cfg)
	if err := s.UpsertIngestSchedule(ctx, input, cfg.IngestInterval); err != nil {
		return fmt.Errorf("upsert schedule for %s: %w", input.Address, err)
	}

	logger.Info("ingest schedule synced",
		"address", input.Address,
		"interval", cfg.IngestInterval,
		"target", input.Target,
		"history", input.UseHistory,
	)
	return nil
}
