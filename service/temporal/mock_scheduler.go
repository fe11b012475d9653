package temporal

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type mockSchedule struct {
	input    IngestInput
	interval time.Duration
}

// MockScheduler is a mock implementation of Scheduler for testing.
type MockScheduler struct {
	mu        sync.Mutex
	schedules map[string]mockSchedule
	upsertErr error
	deleteErr error
}

// NewMockScheduler creates a new MockScheduler.
func NewMockScheduler() *MockScheduler {
	return &MockScheduler{
		schedules: make(map[string]mockSchedule),
	}
}

// UpsertIngestSchedule creates or updates a schedule.
func (m *MockScheduler) UpsertIngestSchedule(ctx context.Context, input IngestInput, interval time.Duration) error {
	if m.upsertErr != nil {
		return m.upsertErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.schedules[scheduleID(input.Address)] = mockSchedule{input: input, interval: interval}
	return nil
}

// DeleteIngestSchedule records that a schedule was deleted.
func (m *MockScheduler) DeleteIngestSchedule(ctx context.Context, address string) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := scheduleID(address)
	if _, exists := m.schedules[id]; !exists {
		return fmt.Errorf("schedule %q not found", id)
	}

	delete(m.schedules, id)
	return nil
}

// SetUpsertError makes UpsertIngestSchedule return an error.
func (m *MockScheduler) SetUpsertError(err error) {
	m.upsertErr = err
}

// SetDeleteError makes DeleteIngestSchedule return an error.
func (m *MockScheduler) SetDeleteError(err error) {
	m.deleteErr = err
}

// ScheduleExists checks if a schedule exists for an address.
func (m *MockScheduler) ScheduleExists(address string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, exists := m.schedules[scheduleID(address)]
	return exists
}

// GetSchedule returns the input and interval stored for an address.
func (m *MockScheduler) GetSchedule(address string) (IngestInput, time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, exists := m.schedules[scheduleID(address)]
	return s.input, s.interval, exists
}

// ScheduleCount returns the number of schedules.
func (m *MockScheduler) ScheduleCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.schedules)
}
