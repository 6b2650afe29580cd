// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"context"
	"math/rand"
	"time"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	// MaxRetries is the number of attempts after the first one.
	MaxRetries int

	// InitialBackoff is the wait before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the wait between retries.
	MaxBackoff time.Duration

	// BackoffFactor is the multiplier for exponential backoff.
	BackoffFactor float64

	// Jitter adds randomness to avoid thundering herd (0.0-1.0).
	Jitter float64

	// RetryIf determines if an error should be retried.
	RetryIf func(err error) bool

	// OnRetry is called before each retry with the upcoming attempt number (1-based retry index).
	OnRetry func(retry int, err error)
}

// DefaultRetryConfig mirrors the provider client defaults: three retries
// starting at one second and doubling.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
		Jitter:         0.1,
		RetryIf:        IsRetryable,
	}
}

// RetryWithBackoff executes fn with exponential backoff retry. It returns the
// number of attempts made alongside the result.
func RetryWithBackoff[T any](ctx context.Context, config RetryConfig, fn func(context.Context) (T, error)) (T, int, error) {
	var zero T
	var lastErr error
	attempts := 0

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		attempts++
		result, err := fn(ctx)
		if err == nil {
			return result, attempts, nil
		}

		lastErr = err

		if config.RetryIf != nil && !config.RetryIf(err) {
			return zero, attempts, err
		}

		// Don't wait after the last attempt
		if attempt >= config.MaxRetries {
			break
		}

		backoff := backoffFor(config, attempt)

		if config.OnRetry != nil {
			config.OnRetry(attempt+1, err)
		}

		select {
		case <-ctx.Done():
			return zero, attempts, ctx.Err()
		case <-time.After(backoff):
		}
	}

	return zero, attempts, lastErr
}

func backoffFor(config RetryConfig, attempt int) time.Duration {
	factor := config.BackoffFactor
	if factor <= 0 {
		factor = 2.0
	}
	backoff := time.Duration(float64(config.InitialBackoff) * pow(factor, attempt))
	if config.MaxBackoff > 0 && backoff > config.MaxBackoff {
		backoff = config.MaxBackoff
	}
	if config.Jitter > 0 {
		jitterDelta := float64(backoff) * config.Jitter
		jitter := (rand.Float64() * 2 * jitterDelta) - jitterDelta
		backoff = time.Duration(float64(backoff) + jitter)
	}
	return backoff
}

// pow calculates base^exp for a non-negative integer exponent.
func pow(base float64, exp int) float64 {
	result := 1.0
	for exp > 0 {
		if exp%2 == 1 {
			result *= base
		}
		exp /= 2
		base *= base
	}
	return result
}
