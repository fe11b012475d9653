package nats

import (
	"context"
	"sync"
)

// MockPublisher records published events in memory.
type MockPublisher struct {
	mu           sync.RWMutex
	events       []*LedgerEvent
	publishError error
	closed       bool
}

// NewMockPublisher creates an empty mock publisher.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{
		events: make([]*LedgerEvent, 0),
	}
}

// PublishRecord records the event or returns the configured error.
func (m *MockPublisher) PublishRecord(ctx context.Context, event *LedgerEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return m.publishError
	}
	m.events = append(m.events, event)
	return nil
}

// PublishRecordBatch records every event. Like the real publisher it never
// fails the batch.
func (m *MockPublisher) PublishRecordBatch(ctx context.Context, events []*LedgerEvent) error {
	for _, event := range events {
		_ = m.PublishRecord(ctx, event)
	}
	return nil
}

// Close marks the publisher as closed.
func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Events returns a copy of everything published so far.
func (m *MockPublisher) Events() []*LedgerEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]*LedgerEvent, len(m.events))
	copy(events, m.events)
	return events
}

// EventsForSubject returns the events published on subject.
func (m *MockPublisher) EventsForSubject(subject string) []*LedgerEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]*LedgerEvent, 0)
	for _, event := range m.events {
		if event.Subject() == subject {
			events = append(events, event)
		}
	}
	return events
}

// SetPublishError makes every later publish fail with err.
func (m *MockPublisher) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishError = err
}

// IsClosed returns whether Close was called.
func (m *MockPublisher) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
