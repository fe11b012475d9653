package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/tokenledger/service/config"
	"github.com/brojonat/tokenledger/service/db"
	"github.com/brojonat/tokenledger/service/metrics"
	"github.com/brojonat/tokenledger/service/temporal"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Store is the read side of the ledger the API serves.
type Store interface {
	GetTransaction(ctx context.Context, signature string) (*db.StoredRecord, error)
	TransactionExists(ctx context.Context, signature string) (bool, error)
	ListTransactions(ctx context.Context, params db.ListTransactionsParams) ([]*db.StoredRecord, error)
	CountTransactions(ctx context.Context, params db.ListTransactionsParams) (int64, error)
}

// Server represents the HTTP server for the ledger read API.
type Server struct {
	addr         string
	cfg          *config.Config
	store        Store
	scheduler    temporal.Scheduler
	ssePublisher *SSEPublisher
	metrics      *metrics.Metrics
	logger       *slog.Logger
	server       *http.Server
}

// New creates a new HTTP server with the given dependencies.
// The scheduler is optional - if nil, schedule endpoints won't be available.
// The ssePublisher is optional - if nil, SSE endpoints won't be available.
// The metrics is optional - if nil, metrics endpoints won't be available.
func New(addr string, cfg *config.Config, store Store, scheduler temporal.Scheduler, ssePublisher *SSEPublisher, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		addr:         addr,
		cfg:          cfg,
		store:        store,
		scheduler:    scheduler,
		ssePublisher: ssePublisher,
		metrics:      m,
		logger:       logger,
	}
}

// Handler builds the routed, middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	route := func(pattern, name string, h http.Handler) {
		mux.Handle(pattern, metrics.HTTPMetricsMiddleware(s.metrics, name)(h))
	}

	// Ledger routes
	route("GET /api/v1/transactions/{signature}", "get_transaction", handleGetTransaction(s.store, s.logger))
	route("HEAD /api/v1/transactions/{signature}", "transaction_exists", handleTransactionExists(s.store, s.logger))
	route("GET /api/v1/transactions", "list_transactions", handleListTransactions(s.store, s.logger))

	// Schedule routes (if scheduler is configured)
	if s.scheduler != nil {
		route("PUT /api/v1/schedules/{address}", "upsert_schedule", handleUpsertSchedule(s.scheduler, s.cfg, s.logger))
		route("DELETE /api/v1/schedules/{address}", "delete_schedule", handleDeleteSchedule(s.scheduler, s.logger))
	} else {
		s.logger.Warn("scheduler not configured, schedule endpoints disabled")
	}

	// SSE streaming endpoint (if SSE publisher is configured)
	if s.ssePublisher != nil {
		mux.Handle("GET /api/v1/stream/transactions", handleStreamTransactions(s.ssePublisher, s.logger))
		s.logger.Info("SSE streaming endpoint enabled")
	} else {
		s.logger.Warn("SSE publisher not configured, streaming endpoint disabled")
	}

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint (if metrics collector is configured)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
		s.logger.Info("Prometheus metrics endpoint enabled")
	}

	return corsMiddleware(mux)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		// Streaming responses stay open; keep-alives every few seconds
		// bound idle time instead.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	// Close SSE publisher first (disconnects all clients)
	if s.ssePublisher != nil {
		s.ssePublisher.Close()
	}

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
