package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig configures exponential backoff for local, idempotent
// operations (connection establishment, publish delivery). Task-level retry
// policy is the orchestrator's and is not handled here.
type RetryConfig struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	MaxElapsedTime      time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultRetryConfig returns the default retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         5 * time.Second,
		MaxElapsedTime:      30 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// Retry runs op with exponential backoff until it succeeds, returns a
// permanent error, the policy's elapsed budget runs out, or ctx is done.
func Retry(ctx context.Context, cfg RetryConfig, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.InitialInterval
	policy.MaxInterval = cfg.MaxInterval
	policy.MaxElapsedTime = cfg.MaxElapsedTime
	policy.Multiplier = cfg.Multiplier
	policy.RandomizationFactor = cfg.RandomizationFactor

	wrapped := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return op()
	}
	return backoff.Retry(wrapped, backoff.WithContext(policy, ctx))
}

// Permanent marks an error as non-retryable for Retry.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
