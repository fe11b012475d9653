package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/brojonat/tokenledger/service/config"
	"github.com/brojonat/tokenledger/service/temporal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const scheduleAddress = "CWnzqQVFaD7sKsZyh116viC48G7qLz8pa5WhFpBEg9wM"

func scheduleConfig() *config.Config {
	return &config.Config{
		FetchTarget:    20,
		IngestInterval: 15 * time.Minute,
		Source:         config.SourceRPC,
		SkipExisting:   true,
	}
}

func newScheduleHandler(scheduler temporal.Scheduler) http.Handler {
	return New(":0", scheduleConfig(), &fakeStore{}, scheduler, nil, nil, testLogger()).Handler()
}

func TestUpsertSchedule_Defaults(t *testing.T) {
	scheduler := temporal.NewMockScheduler()
	handler := newScheduleHandler(scheduler)

	req := httptest.NewRequest(http.MethodPut, "/api/v1/schedules/"+scheduleAddress, nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	input, interval, ok := scheduler.GetSchedule(scheduleAddress)
	require.True(t, ok)
	assert.Equal(t, 15*time.Minute, interval)
	assert.Equal(t, temporal.IngestInput{
		Address:      scheduleAddress,
		Target:       20,
		UseHistory:   false,
		SkipExisting: true,
	}, input)
	assert.Contains(t, w.Body.String(), `"interval":"15m0s"`)
}

func TestUpsertSchedule_Overrides(t *testing.T) {
	scheduler := temporal.NewMockScheduler()
	handler := newScheduleHandler(scheduler)

	body := `{"interval":"1h","target":50,"use_history":true,"skip_existing":false}`
	req := httptest.NewRequest(http.MethodPut, "/api/v1/schedules/"+scheduleAddress, strings.NewReader(body))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	input, interval, ok := scheduler.GetSchedule(scheduleAddress)
	require.True(t, ok)
	assert.Equal(t, time.Hour, interval)
	assert.Equal(t, 50, input.Target)
	assert.True(t, input.UseHistory)
	assert.False(t, input.SkipExisting)
}

func TestUpsertSchedule_PathologicalInput(t *testing.T) {
	tests := []struct {
		name    string
		address string
		body    string
		want    string
	}{
		{"invalid address", "not-an-address", "", "invalid address format"},
		{"malformed JSON", scheduleAddress, `{"interval":`, "invalid request body"},
		{"extremely large request body", scheduleAddress, `{"interval":"` + strings.Repeat("A", 1<<17) + `"}`, "request body too large"},
		{"bad interval", scheduleAddress, `{"interval":"soon"}`, "invalid interval"},
		{"interval too short", scheduleAddress, `{"interval":"5s"}`, "interval must be at least"},
		{"interval too long", scheduleAddress, `{"interval":"48h"}`, "interval cannot exceed"},
		{"target out of range", scheduleAddress, `{"target":0}`, "target must be between"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scheduler := temporal.NewMockScheduler()
			handler := newScheduleHandler(scheduler)

			req := httptest.NewRequest(http.MethodPut, "/api/v1/schedules/"+tt.address, strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), tt.want)
			assert.Equal(t, 0, scheduler.ScheduleCount())
		})
	}
}

func TestUpsertSchedule_SchedulerError(t *testing.T) {
	scheduler := temporal.NewMockScheduler()
	scheduler.SetUpsertError(errors.New("temporal unavailable"))
	handler := newScheduleHandler(scheduler)

	req := httptest.NewRequest(http.MethodPut, "/api/v1/schedules/"+scheduleAddress, nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestDeleteSchedule(t *testing.T) {
	scheduler := temporal.NewMockScheduler()
	handler := newScheduleHandler(scheduler)
	require.NoError(t, scheduler.UpsertIngestSchedule(t.Context(), temporal.IngestInput{Address: scheduleAddress}, time.Hour))

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/schedules/"+scheduleAddress, nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.False(t, scheduler.ScheduleExists(scheduleAddress))

	// Deleting again surfaces the scheduler's not found error.
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/v1/schedules/"+scheduleAddress, nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestScheduleRoutesDisabledWithoutScheduler(t *testing.T) {
	handler := newTestHandler(&fakeStore{})

	req := httptest.NewRequest(http.MethodPut, "/api/v1/schedules/"+scheduleAddress, nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteSchedule_SchedulerError(t *testing.T) {
	scheduler := temporal.NewMockScheduler()
	scheduler.SetDeleteError(errors.New("temporal unavailable"))
	handler := newScheduleHandler(scheduler)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/v1/schedules/"+scheduleAddress, nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "temporal unavailable")
}
