package pipeline

import (
	"log/slog"
	"net/http"
	"net/url"

	"github.com/brojonat/tokenledger/service/config"
	"github.com/brojonat/tokenledger/service/helius"
	"github.com/brojonat/tokenledger/service/ledger"
	"github.com/brojonat/tokenledger/service/metrics"
	"github.com/brojonat/tokenledger/service/nats"
	"github.com/brojonat/tokenledger/service/retry"
	"github.com/brojonat/tokenledger/service/solana"
)

// RetryObserver logs rate limit transitions and counts every transition
// under stage.
func RetryObserver(stage string, m *metrics.Metrics, logger *slog.Logger) func(retry.State, int, error) {
	return func(state retry.State, attempt int, err error) {
		if m != nil {
			m.RecordRetryTransition(stage, string(state))
		}
		switch state {
		case retry.StateRateLimited:
			logger.Warn("rate limited, backing off", "stage", stage, "attempt", attempt, "error", err)
		case retry.StateFailed:
			logger.Debug("retry policy gave up", "stage", stage, "attempt", attempt, "error", err)
		}
	}
}

// NewFromConfig builds an Ingester from configuration. The publisher may be
// nil.
func NewFromConfig(cfg *config.Config, store Store, publisher nats.Publisher, m *metrics.Metrics, logger *slog.Logger) (*Ingester, error) {
	if err := cfg.ValidateIngest(); err != nil {
		return nil, err
	}

	opts, err := cfg.NormalizerOptions()
	if err != nil {
		return nil, err
	}

	policy := retry.NewPolicy(cfg.MaxRetries, cfg.RetryDelay)

	indexer := helius.NewClient(
		helius.Config{BaseURL: cfg.HeliusAPIURL, APIKey: cfg.HeliusAPIKey, BatchSize: cfg.BatchSize},
		&http.Client{Timeout: cfg.RequestTimeout},
		policy.WithNotify(RetryObserver("indexer", m, logger)),
		m,
		logger,
	)

	var signatures SignatureSource
	if cfg.Source == config.SourceRPC {
		endpoint, err := solana.SelectRandomEndpoint(cfg.SolanaRPCURLs)
		if err != nil {
			return nil, err
		}
		signatures = solana.NewPaginator(
			solana.NewRPCClient(endpoint),
			policy.WithNotify(RetryObserver("rpc", m, logger)),
			solana.PaginatorConfig{
				PageSize:       cfg.SignaturePageSize,
				PageDelay:      cfg.PageDelay,
				RequestTimeout: cfg.RequestTimeout,
			},
			endpointLabel(endpoint),
			m,
			logger,
		)
	}

	return NewIngester(
		signatures,
		indexer,
		indexer,
		store,
		ledger.NewNormalizer(opts),
		publisher,
		Options{Workers: cfg.NormalizeWorkers, SkipExisting: cfg.SkipExisting},
		m,
		logger,
	), nil
}

// endpointLabel strips paths and query strings, which may carry API keys,
// from an RPC URL before it is used as a metric label.
func endpointLabel(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "unknown"
	}
	return u.Host
}

// RunParamsFromConfig returns the run parameters a scheduled or one-shot
// ingestion uses by default.
func RunParamsFromConfig(cfg *config.Config) RunParams {
	return RunParams{
		Address:    cfg.TrackedAddress,
		Target:     cfg.FetchTarget,
		UseHistory: cfg.Source == config.SourceHistory,
	}
}
