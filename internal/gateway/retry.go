package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eapache/go-resiliency/retrier"

	"github.com/MarkoPoloResearchLab/quotagate/internal/provider"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 200 * time.Millisecond
	DefaultMaxDelay    = 2 * time.Second
	DefaultMultiplier  = 2.0
)

var ErrInvalidRetryPolicy = errors.New("invalid retry policy")

// RetryPolicy bounds provider retries with capped exponential backoff.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// Retryable decides which errors earn another attempt. Defaults to provider.IsRetryable.
	Retryable func(error) bool
}

// DefaultRetryPolicy returns three attempts at 200ms, 400ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		Multiplier:  DefaultMultiplier,
	}
}

// Validate rejects policies that could never make an attempt.
func (policy RetryPolicy) Validate() error {
	if policy.MaxAttempts < 1 {
		return fmt.Errorf("%w: max attempts must be at least 1", ErrInvalidRetryPolicy)
	}
	if policy.BaseDelay < 0 || policy.MaxDelay < 0 {
		return fmt.Errorf("%w: delays must not be negative", ErrInvalidRetryPolicy)
	}
	if policy.Multiplier < 1 {
		return fmt.Errorf("%w: multiplier must be at least 1", ErrInvalidRetryPolicy)
	}
	return nil
}

// Backoff lists the waits between attempts: one fewer than MaxAttempts.
func (policy RetryPolicy) Backoff() []time.Duration {
	if policy.MaxAttempts <= 1 {
		return nil
	}
	delays := make([]time.Duration, 0, policy.MaxAttempts-1)
	delay := float64(policy.BaseDelay)
	for attempt := 1; attempt < policy.MaxAttempts; attempt++ {
		wait := time.Duration(delay)
		if policy.MaxDelay > 0 && wait > policy.MaxDelay {
			wait = policy.MaxDelay
		}
		delays = append(delays, wait)
		delay *= policy.Multiplier
	}
	return delays
}

// Do runs fn until it succeeds, fails with a non-retryable error, runs out of
// attempts, or ctx ends. It returns the number of attempts made.
func (policy RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	if err := policy.Validate(); err != nil {
		return 0, err
	}
	retryable := policy.Retryable
	if retryable == nil {
		retryable = provider.IsRetryable
	}
	attempts := 0
	var lastErr error
	runner := retrier.New(policy.Backoff(), classifier{ctx: ctx, retryable: retryable})
	err := runner.RunCtx(ctx, func(attemptCtx context.Context) error {
		attempts++
		lastErr = fn(attemptCtx)
		return lastErr
	})
	if err != nil && lastErr != nil && !errors.Is(err, lastErr) {
		// The wait between attempts was cut short; keep the provider error visible.
		return attempts, fmt.Errorf("%w: %w", err, lastErr)
	}
	return attempts, err
}

type classifier struct {
	ctx       context.Context
	retryable func(error) bool
}

func (c classifier) Classify(err error) retrier.Action {
	if err == nil {
		return retrier.Succeed
	}
	if c.ctx.Err() != nil || !c.retryable(err) {
		return retrier.Fail
	}
	return retrier.Retry
}
