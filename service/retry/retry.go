package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrRateLimited means the upstream asked us to slow down. It is the only
	// error class that triggers another attempt.
	ErrRateLimited = errors.New("rate limited")

	// ErrSourceUnavailable covers transport failures and non-success responses
	// that are not rate limits.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrRetriesExhausted is returned when every attempt was rate limited.
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// State is a point in the lifecycle of a single retried operation.
type State string

const (
	StateAttempting  State = "attempting"
	StateRateLimited State = "rate_limited"
	StateSuccess     State = "success"
	StateFailed      State = "failed"
)

// Policy retries an operation with a fixed delay while it keeps reporting
// ErrRateLimited. Any other error fails the operation immediately.
//
// The same policy is shared by the signature paginator and the batch detail
// fetcher so both stages back off the same way.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration

	// Notify is called on every state transition. Optional.
	Notify func(state State, attempt int, err error)

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPolicy creates a policy with the given attempt budget and fixed delay.
func NewPolicy(maxAttempts int, delay time.Duration) *Policy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Policy{
		MaxAttempts: maxAttempts,
		Delay:       delay,
	}
}

// WithNotify returns a copy of the policy that reports transitions to fn.
func (p *Policy) WithNotify(fn func(state State, attempt int, err error)) *Policy {
	cp := *p
	cp.Notify = fn
	return &cp
}

// Do runs op until it succeeds, fails with a non rate limit error, or the
// attempt budget is spent. The delay is only slept between attempts, so an
// operation that is always rate limited is called exactly MaxAttempts times.
func (p *Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		p.notify(StateAttempting, attempt, nil)

		err := op(ctx)
		if err == nil {
			p.notify(StateSuccess, attempt, nil)
			return nil
		}

		if !errors.Is(err, ErrRateLimited) {
			p.notify(StateFailed, attempt, err)
			return err
		}

		lastErr = err
		p.notify(StateRateLimited, attempt, err)

		if attempt == attempts {
			break
		}
		if err := p.wait(ctx); err != nil {
			p.notify(StateFailed, attempt, err)
			return err
		}
	}

	p.notify(StateFailed, attempts, lastErr)
	return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, lastErr)
}

func (p *Policy) notify(state State, attempt int, err error) {
	if p.Notify != nil {
		p.Notify(state, attempt, err)
	}
}

func (p *Policy) wait(ctx context.Context) error {
	if p.sleep != nil {
		return p.sleep(ctx, p.Delay)
	}
	if p.Delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(p.Delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsRateLimitMessage reports whether an upstream error message looks like an
// HTTP 429. The RPC library surfaces status codes only in the error text.
func IsRateLimitMessage(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "too many requests")
}
