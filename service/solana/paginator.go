package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/tokenledger/service/metrics"
	"github.com/brojonat/tokenledger/service/retry"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"golang.org/x/time/rate"
)

const (
	DefaultPageSize       = 10
	DefaultPageDelay      = 200 * time.Millisecond
	DefaultRequestTimeout = 30 * time.Second
)

// PaginatorConfig controls how signature pages are requested.
type PaginatorConfig struct {
	// PageSize caps the limit sent with each getSignaturesForAddress call.
	PageSize int
	// PageDelay is the minimum spacing between page requests.
	PageDelay time.Duration
	// RequestTimeout bounds each individual RPC call.
	RequestTimeout time.Duration
}

// Paginator walks an address's signature history backward, newest first.
type Paginator struct {
	rpc      RPCClient
	policy   *retry.Policy
	limiter  *rate.Limiter
	cfg      PaginatorConfig
	logger   *slog.Logger
	metrics  *metrics.Metrics
	endpoint string // RPC endpoint label for metrics
}

// NewPaginator creates a signature paginator.
// If metrics is nil, no metrics will be recorded.
func NewPaginator(
	rpcClient RPCClient,
	policy *retry.Policy,
	cfg PaginatorConfig,
	endpoint string,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Paginator {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	limit := rate.Inf
	if cfg.PageDelay > 0 {
		limit = rate.Every(cfg.PageDelay)
	}
	return &Paginator{
		rpc:      rpcClient,
		policy:   policy,
		limiter:  rate.NewLimiter(limit, 1),
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		endpoint: endpoint,
	}
}

// FetchSignatures collects up to target unique signatures for address.
//
// Pages are requested with before set to the oldest signature seen so far and
// a limit of min(PageSize, remaining). The walk stops at target or at the first
// empty page. Rate limited pages are retried by the shared policy; any other
// failure stops the walk and the signatures gathered so far are returned
// together with the error.
func (p *Paginator) FetchSignatures(ctx context.Context, address string, target int) ([]string, error) {
	pubkey, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", address, err)
	}
	if target <= 0 {
		return []string{}, nil
	}

	seen := make(map[string]struct{}, target)
	out := make([]string, 0, target)
	var before solana.Signature

	for len(out) < target {
		if err := p.limiter.Wait(ctx); err != nil {
			return out, err
		}

		limit := min(p.cfg.PageSize, target-len(out))
		page, err := p.fetchPage(ctx, pubkey, before, limit)
		if err != nil {
			p.logger.WarnContext(ctx, "signature pagination stopped early",
				"address", address,
				"collected", len(out),
				"target", target,
				"error", err,
			)
			return out, fmt.Errorf("fetch signatures for %s: %w", address, err)
		}
		if len(page) == 0 {
			p.logger.DebugContext(ctx, "reached end of signature history",
				"address", address,
				"collected", len(out),
			)
			break
		}

		added := 0
		for _, sig := range page {
			s := sig.Signature.String()
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
			added++
			if len(out) == target {
				break
			}
		}

		// A page of nothing but duplicates means the cursor stopped moving.
		if added == 0 {
			break
		}
		before = page[len(page)-1].Signature

		p.logger.DebugContext(ctx, "fetched signature page",
			"address", address,
			"page_size", len(page),
			"added", added,
			"collected", len(out),
		)
	}

	p.logger.InfoContext(ctx, "collected signatures",
		"address", address,
		"count", len(out),
		"target", target,
	)
	return out, nil
}

func (p *Paginator) fetchPage(
	ctx context.Context,
	address solana.PublicKey,
	before solana.Signature,
	limit int,
) ([]*rpc.TransactionSignature, error) {
	var page []*rpc.TransactionSignature
	err := p.policy.Do(ctx, func(ctx context.Context) error {
		opts := &rpc.GetSignaturesForAddressOpts{
			Limit: &limit,
		}
		if !before.IsZero() {
			opts.Before = before
		}

		callCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
		defer cancel()

		start := time.Now()
		sigs, err := p.rpc.GetSignaturesForAddress(callCtx, address, opts)
		duration := time.Since(start).Seconds()

		status := "success"
		if err != nil {
			status = "error"
		}
		if p.metrics != nil {
			p.metrics.RecordRPCCall("GetSignaturesForAddress", status, p.endpoint, duration)
		}

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if retry.IsRateLimitMessage(err) {
				p.logger.WarnContext(ctx, "rate limited fetching signatures",
					"address", address.String(),
					"error", err,
				)
				if p.metrics != nil {
					p.metrics.RecordRateLimitHit(p.endpoint)
				}
				return fmt.Errorf("%w: %v", retry.ErrRateLimited, err)
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("%w: request timed out after %s", retry.ErrSourceUnavailable, p.cfg.RequestTimeout)
			}
			return fmt.Errorf("%w: %v", retry.ErrSourceUnavailable, err)
		}

		if p.metrics != nil {
			p.metrics.RecordRPCSignaturesPerCall(p.endpoint, float64(len(sigs)))
		}
		page = sigs
		return nil
	})
	return page, err
}
