package engine

import (
	"context"
	"fmt"
	"math"
	"time"
)

// BackoffStrategy selects how BackoffPolicy.Delay grows between attempts.
type BackoffStrategy string

const (
	BackoffConstant    BackoffStrategy = "constant"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

// BackoffPolicy retries a transient store operation (advisory-lock
// acquisition under contention, a dropped connection mid-transaction) with a
// bounded number of attempts, generalizing the teacher's InternalRetryPolicy
// to operations that are not LLM-node attempts -- node-attempt retries are
// immediate requeues driven by the executor's own attempt/maxRetries
// bookkeeping (§4.6) and do not go through this type.
type BackoffPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Strategy     BackoffStrategy
}

// DefaultBackoffPolicy returns a conservative policy suitable for advisory
// lock contention: a handful of quick attempts, never blocking long.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		MaxAttempts:  5,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Strategy:     BackoffExponential,
	}
}

// Delay returns the wait before the given attempt number (1-indexed).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	var delay time.Duration
	switch p.Strategy {
	case BackoffConstant:
		delay = p.InitialDelay
	case BackoffLinear:
		delay = p.InitialDelay * time.Duration(attempt)
	case BackoffExponential:
		delay = time.Duration(float64(p.InitialDelay) * math.Pow(2, float64(attempt-1)))
	default:
		delay = p.InitialDelay
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Execute runs fn, retrying on a non-nil error up to MaxAttempts times with
// Delay between attempts, honoring ctx cancellation between and during waits.
func (p BackoffPolicy) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("backoff execute cancelled: %w", err)
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt >= maxAttempts {
			break
		}

		delay := p.Delay(attempt)
		if delay <= 0 {
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("backoff execute cancelled during delay: %w", ctx.Err())
		case <-timer.C:
		}
	}
	return fmt.Errorf("all %d attempt(s) failed: %w", maxAttempts, lastErr)
}
