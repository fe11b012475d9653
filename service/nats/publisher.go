package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/tokenledger/service/metrics"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Publisher publishes ledger events.
type Publisher interface {
	// PublishRecord publishes a single event on its type subject.
	PublishRecord(ctx context.Context, event *LedgerEvent) error

	// PublishRecordBatch publishes events one by one. A failed event is
	// logged and does not stop the rest.
	PublishRecordBatch(ctx context.Context, events []*LedgerEvent) error

	// Close closes the connection to NATS.
	Close() error
}

const (
	// StreamName is the JetStream stream holding ledger events.
	StreamName = "LEDGER"

	// SubjectPrefix is prepended to the lowercased transaction type.
	SubjectPrefix = "ledger."

	// StreamSubjects is the subject pattern for the stream.
	StreamSubjects = SubjectPrefix + "*"

	// StreamRetention is how long events are retained.
	StreamRetention = 30 * 24 * time.Hour
)

// JetStreamPublisher publishes ledger events to NATS JetStream.
type JetStreamPublisher struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewPublisher connects to NATS and makes sure the ledger stream exists.
// If metrics is nil, no metrics will be recorded.
func NewPublisher(natsURL string, m *metrics.Metrics, logger *slog.Logger) (*JetStreamPublisher, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("tokenledger-publisher"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	publisher := &JetStreamPublisher{
		nc:      nc,
		js:      js,
		metrics: m,
		logger:  logger,
	}

	if err := publisher.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream exists: %w", err)
	}

	logger.Info("NATS publisher initialized",
		"url", natsURL,
		"stream", StreamName,
	)

	return publisher, nil
}

func (p *JetStreamPublisher) ensureStream() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := p.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Normalized ledger records for the tracked token",
		Subjects:    []string{StreamSubjects},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      StreamRetention,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// PublishRecord publishes a single ledger event.
func (p *JetStreamPublisher) PublishRecord(ctx context.Context, event *LedgerEvent) error {
	subject := event.Subject()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger event: %w", err)
	}

	start := time.Now()
	// Msg ID lets JetStream drop duplicates when a run is retried.
	_, err = p.js.Publish(ctx, subject, data, jetstream.WithMsgID(event.Signature))
	status := "success"
	if err != nil {
		status = "error"
	}
	if p.metrics != nil {
		p.metrics.RecordNATSPublish(subject, status, time.Since(start).Seconds())
	}
	if err != nil {
		return fmt.Errorf("failed to publish ledger event: %w", err)
	}

	p.logger.DebugContext(ctx, "published ledger event",
		"subject", subject,
		"signature", event.Signature,
	)
	return nil
}

// PublishRecordBatch publishes events one at a time, best effort.
func (p *JetStreamPublisher) PublishRecordBatch(ctx context.Context, events []*LedgerEvent) error {
	failed := 0
	for _, event := range events {
		if err := p.PublishRecord(ctx, event); err != nil {
			failed++
			p.logger.ErrorContext(ctx, "failed to publish ledger event in batch",
				"signature", event.Signature,
				"error", err,
			)
		}
	}

	p.logger.DebugContext(ctx, "published ledger event batch",
		"count", len(events),
		"failed", failed,
	)
	return nil
}

// Close closes the connection to NATS.
func (p *JetStreamPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("NATS publisher closed")
	}
	return nil
}
