package resilience

import (
	"context"
	"errors"
	"time"
)

// Errors produced by the policy stages.
var (
	// ErrAdmissionDenied is returned when no rate limiter permit became
	// available within the configured timeout.
	ErrAdmissionDenied = errors.New("admission denied by rate limiter")

	// ErrCircuitOpen is returned when the breaker short-circuits a call, or
	// opened while retries were still pending.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrRetryExhausted is returned when all attempts failed.
	ErrRetryExhausted = errors.New("retry attempts exhausted")
)

// Reason classifies a terminal policy error for metrics and logs.
func Reason(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrAdmissionDenied):
		return "admission_denied"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrRetryExhausted):
		return "retry_exhausted"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "not_retryable"
	}
}

// rejectedError marks a call the breaker refused before any attempt ran.
type rejectedError struct {
	err error
}

func (e *rejectedError) Error() string { return e.err.Error() }
func (e *rejectedError) Unwrap() error { return e.err }

// retryAfter is implemented by errors carrying a server supplied wait hint.
type retryAfter interface {
	RetryAfter() time.Duration
}
