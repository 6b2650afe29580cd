// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ConfigurationError means the provider cannot be called at all, typically
// because no credential is configured. Never retried.
type ConfigurationError struct {
	Message string
	Err     error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ai configuration error: %s: %v", e.Message, e.Err)
	}
	return "ai configuration error: " + e.Message
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// TimeoutError means an attempt did not finish within its deadline.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("ai %s timed out: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// TransportError covers connection failures and non-2xx provider responses.
type TransportError struct {
	Op         string
	StatusCode int
	Code       string
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("ai %s failed (status %d %s): %v", e.Op, e.StatusCode, e.Code, e.Err)
	}
	return fmt.Sprintf("ai %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ResponseFormatError means the provider answered with a payload we cannot use.
type ResponseFormatError struct {
	Message string
	Err     error
}

func (e *ResponseFormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ai response format error: %s: %v", e.Message, e.Err)
	}
	return "ai response format error: " + e.Message
}

func (e *ResponseFormatError) Unwrap() error { return e.Err }

// AIServiceError is what the gateway surfaces once retries are exhausted or a
// non-retryable failure occurs. Cause holds one of the errors above.
type AIServiceError struct {
	Op       string
	Attempts int
	Cause    error
}

func (e *AIServiceError) Error() string {
	return fmt.Sprintf("ai service error: %s after %d attempt(s): %v", e.Op, e.Attempts, e.Cause)
}

func (e *AIServiceError) Unwrap() error { return e.Cause }

// IsRetryable reports whether err is worth another attempt: timeouts and
// transport failures only.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return true
	}
	var tr *TransportError
	return errors.As(err, &tr)
}

// IsConfigurationError reports whether err stems from missing configuration.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// classifyDoError maps an http.Client.Do failure onto the taxonomy.
func classifyDoError(ctx context.Context, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Op: op, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TimeoutError{Op: op, Err: err}
	}
	return &TransportError{Op: op, Err: err}
}
