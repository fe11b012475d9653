package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/tokenledger/service/config"
	"github.com/brojonat/tokenledger/service/temporal"
)

const (
	minIngestInterval = time.Minute
	maxIngestInterval = 24 * time.Hour
	maxScheduleTarget = 10000
)

type scheduleRequest struct {
	Interval     string `json:"interval"`
	Target       *int   `json:"target"`
	UseHistory   *bool  `json:"use_history"`
	SkipExisting *bool  `json:"skip_existing"`
}

type scheduleResponse struct {
	temporal.IngestInput
	Interval string `json:"interval"`
}

// handleUpsertSchedule returns a handler that creates or updates the
// ingestion schedule for an address. Omitted fields fall back to the
// configured defaults.
// PUT /api/v1/schedules/{address}
func handleUpsertSchedule(scheduler temporal.Scheduler, cfg *config.Config, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.PathValue("address")
		if err := validateAddress(address); err != nil {
			logger.Debug("invalid address", "address", address, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req scheduleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				writeError(w, "request body too large", http.StatusBadRequest)
				return
			}
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}

		input := temporal.InputFromConfig(cfg)
		input.Address = address
		interval := cfg.IngestInterval

		if req.Interval != "" {
			d, err := time.ParseDuration(req.Interval)
			if err != nil {
				writeError(w, "invalid interval: must be a duration like 15m", http.StatusBadRequest)
				return
			}
			interval = d
		}
		if err := validateIngestInterval(interval); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		if req.Target != nil {
			if *req.Target < 1 || *req.Target > maxScheduleTarget {
				writeError(w, errorf("target must be between 1 and %d", maxScheduleTarget).Error(), http.StatusBadRequest)
				return
			}
			input.Target = *req.Target
		}
		if req.UseHistory != nil {
			input.UseHistory = *req.UseHistory
		}
		if req.SkipExisting != nil {
			input.SkipExisting = *req.SkipExisting
		}

		if err := scheduler.UpsertIngestSchedule(r.Context(), input, interval); err != nil {
			logger.Error("failed to upsert schedule", "address", address, "error", err)
			writeError(w, "failed to create schedule", http.StatusInternalServerError)
			return
		}

		logger.Info("ingest schedule upserted",
			"address", address,
			"interval", interval,
			"target", input.Target,
			"history", input.UseHistory,
		)
		writeJSON(w, scheduleResponse{IngestInput: input, Interval: interval.String()}, http.StatusOK)
	})
}

// handleDeleteSchedule returns a handler that stops ingestion for an address.
// DELETE /api/v1/schedules/{address}
func handleDeleteSchedule(scheduler temporal.Scheduler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.PathValue("address")
		if err := validateAddress(address); err != nil {
			logger.Debug("invalid address", "address", address, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		if err := scheduler.DeleteIngestSchedule(r.Context(), address); err != nil {
			logger.Error("failed to delete schedule", "address", address, "error", err)
			writeError(w, "failed to delete schedule", http.StatusInternalServerError)
			return
		}

		logger.Info("ingest schedule deleted", "address", address)
		w.WriteHeader(http.StatusNoContent)
	})
}

// validateIngestInterval validates a schedule interval for reasonable bounds.
func validateIngestInterval(interval time.Duration) error {
	if interval < minIngestInterval {
		return errorf("interval must be at least %v", minIngestInterval)
	}
	if interval > maxIngestInterval {
		return errorf("interval cannot exceed %v", maxIngestInterval)
	}
	return nil
}
