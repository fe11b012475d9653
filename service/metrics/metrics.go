package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the ingester records to.
// Components take a *Metrics and treat nil as "don't record".
type Metrics struct {
	// Upstream sources
	rpcCallsTotal        *prometheus.CounterVec
	rpcCallDuration      *prometheus.HistogramVec
	rpcSignaturesPerCall *prometheus.HistogramVec
	indexerCallsTotal    *prometheus.CounterVec
	indexerCallDuration  *prometheus.HistogramVec
	rateLimitHits        *prometheus.CounterVec
	retryTransitions     *prometheus.CounterVec

	// Ingestion
	signaturesCollected    *prometheus.CounterVec
	transactionsFetched    *prometheus.CounterVec
	transactionsMissing    *prometheus.CounterVec
	normalizedTotal        *prometheus.CounterVec
	recordsWrittenTotal    *prometheus.CounterVec
	recordsSkippedTotal    *prometheus.CounterVec
	ingestRunDuration      *prometheus.HistogramVec
	ingestActivityDuration *prometheus.HistogramVec

	// Database
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP
	httpRequestDuration *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec

	// NATS
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a Metrics and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		rpcCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_calls_total",
				Help: "Total number of Solana RPC calls by method and status",
			},
			[]string{"method", "status", "endpoint"},
		),
		rpcCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_rpc_call_duration_seconds",
				Help:    "Duration of Solana RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method", "endpoint"},
		),
		rpcSignaturesPerCall: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_rpc_signatures_per_call",
				Help:    "Number of signatures returned per getSignaturesForAddress page",
				Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 1000},
			},
			[]string{"endpoint"},
		),
		indexerCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexer_calls_total",
				Help: "Total number of indexer API calls by operation and status",
			},
			[]string{"op", "status"},
		),
		indexerCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "indexer_call_duration_seconds",
				Help:    "Duration of indexer API calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"op"},
		),
		rateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "upstream_rate_limit_hits_total",
				Help: "Total number of rate limited upstream responses (429)",
			},
			[]string{"source"},
		),
		retryTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retry_transitions_total",
				Help: "Retry policy state transitions by stage",
			},
			[]string{"stage", "state"},
		),

		signaturesCollected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_signatures_collected_total",
				Help: "Total number of signatures collected for ingestion",
			},
			[]string{"address"},
		),
		transactionsFetched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_transactions_fetched_total",
				Help: "Total number of raw transactions fetched from the indexer",
			},
			[]string{"address"},
		),
		transactionsMissing: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_transactions_missing_total",
				Help: "Total number of requested transactions the indexer did not return",
			},
			[]string{"address"},
		),
		normalizedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_transactions_normalized_total",
				Help: "Total number of normalization attempts by status and type",
			},
			[]string{"status", "type"},
		),
		recordsWrittenTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_records_written_total",
				Help: "Total number of ledger records written, by outcome (inserted, updated, error)",
			},
			[]string{"outcome"},
		),
		recordsSkippedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_signatures_skipped_total",
				Help: "Total number of signatures skipped before fetch",
			},
			[]string{"address", "reason"},
		),
		ingestRunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_ingest_run_duration_seconds",
				Help:    "Duration of a full ingestion run in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"address", "status"},
		),
		ingestActivityDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_ingest_activity_duration_seconds",
				Help:    "Duration of ingestion workflow activities in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"activity"},
		),

		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),

		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),

		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
	}
}

// RecordRPCCall records a Solana RPC call with duration.
func (m *Metrics) RecordRPCCall(method, status, endpoint string, duration float64) {
	m.rpcCallsTotal.WithLabelValues(method, status, endpoint).Inc()
	m.rpcCallDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordRPCSignaturesPerCall records the size of one signature page.
func (m *Metrics) RecordRPCSignaturesPerCall(endpoint string, count float64) {
	m.rpcSignaturesPerCall.WithLabelValues(endpoint).Observe(count)
}

// RecordIndexerCall records an indexer API call with duration.
func (m *Metrics) RecordIndexerCall(op, status string, duration float64) {
	m.indexerCallsTotal.WithLabelValues(op, status).Inc()
	m.indexerCallDuration.WithLabelValues(op).Observe(duration)
}

// RecordRateLimitHit records a 429 from an upstream source.
func (m *Metrics) RecordRateLimitHit(source string) {
	m.rateLimitHits.WithLabelValues(source).Inc()
}

// RecordRetryTransition records a retry policy state change for a stage.
func (m *Metrics) RecordRetryTransition(stage, state string) {
	m.retryTransitions.WithLabelValues(stage, state).Inc()
}

// RecordSignaturesCollected records signatures gathered for an address.
func (m *Metrics) RecordSignaturesCollected(address string, count int) {
	m.signaturesCollected.WithLabelValues(address).Add(float64(count))
}

// RecordTransactionsFetched records raw transactions fetched and missing.
func (m *Metrics) RecordTransactionsFetched(address string, fetched, missing int) {
	m.transactionsFetched.WithLabelValues(address).Add(float64(fetched))
	m.transactionsMissing.WithLabelValues(address).Add(float64(missing))
}

// RecordNormalized records one normalization outcome. txType is empty on failure.
func (m *Metrics) RecordNormalized(status, txType string) {
	m.normalizedTotal.WithLabelValues(status, txType).Inc()
}

// RecordRecordWritten records one upsert outcome.
func (m *Metrics) RecordRecordWritten(outcome string) {
	m.recordsWrittenTotal.WithLabelValues(outcome).Inc()
}

// RecordSignaturesSkipped records signatures dropped before fetching.
func (m *Metrics) RecordSignaturesSkipped(address, reason string, count int) {
	m.recordsSkippedTotal.WithLabelValues(address, reason).Add(float64(count))
}

// RecordIngestRun records the duration of a full ingestion run.
func (m *Metrics) RecordIngestRun(address, status string, duration float64) {
	m.ingestRunDuration.WithLabelValues(address, status).Observe(duration)
}

// RecordActivityDuration records workflow activity duration.
func (m *Metrics) RecordActivityDuration(activity string, duration float64) {
	m.ingestActivityDuration.WithLabelValues(activity).Observe(duration)
}

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation string, duration float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueryDuration.WithLabelValues(operation).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

func statusCodeToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
