package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Policy groups the settings applied to one operation key.
type Policy struct {
	RateLimiter    RateLimiterConfig
	CircuitBreaker CircuitBreakerConfig
	Retry          RetryConfig
}

// RateLimiterConfig configures the token bucket in front of every call.
type RateLimiterConfig struct {
	// LimitForPeriod is the number of permits granted per RefreshPeriod.
	// It is also the bucket size.
	LimitForPeriod int

	// RefreshPeriod is the time it takes to refill LimitForPeriod permits.
	RefreshPeriod time.Duration

	// Timeout is the longest a call waits for a permit. Zero never waits.
	Timeout time.Duration
}

// CircuitBreakerConfig configures the count based breaker.
type CircuitBreakerConfig struct {
	// SlidingWindowSize is the number of most recent attempt outcomes kept.
	SlidingWindowSize int

	// MinimumNumberOfCalls is the number of outcomes required before the
	// failure rate is evaluated.
	MinimumNumberOfCalls int

	// FailureRateThreshold is the failure percentage (0, 100] at or above
	// which the breaker opens.
	FailureRateThreshold float64

	// WaitDurationInOpenState is how long the breaker rejects calls before
	// letting a single trial call through.
	WaitDurationInOpenState time.Duration
}

// BackoffKind selects how the wait between attempts grows.
type BackoffKind string

const (
	// BackoffFixed waits WaitDuration between every attempt.
	BackoffFixed BackoffKind = "fixed"

	// BackoffExponential multiplies the wait by Multiplier after each attempt.
	BackoffExponential BackoffKind = "exponential"
)

// RetryConfig configures the retry stage.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts, including the first.
	MaxAttempts int

	// WaitDuration is the wait before the second attempt.
	WaitDuration time.Duration

	// MaxWaitDuration caps any single wait. Zero means no cap.
	MaxWaitDuration time.Duration

	// Backoff selects fixed or exponential growth.
	Backoff BackoffKind

	// Multiplier is the exponential growth factor.
	Multiplier float64

	// Jitter randomizes each wait by +/- Jitter (0.0 to 1.0).
	Jitter float64

	// RetryOn reports whether an error is worth another attempt. Nil retries
	// every error except context cancellation.
	RetryOn func(error) bool
}

// DefaultPolicy returns a policy tuned for the GitHub search API, which
// allows 30 authenticated search requests per minute.
func DefaultPolicy() Policy {
	return Policy{
		RateLimiter: RateLimiterConfig{
			LimitForPeriod: 30,
			RefreshPeriod:  time.Minute,
			Timeout:        5 * time.Second,
		},
		CircuitBreaker: CircuitBreakerConfig{
			SlidingWindowSize:       10,
			MinimumNumberOfCalls:    5,
			FailureRateThreshold:    50,
			WaitDurationInOpenState: 30 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts:     3,
			WaitDuration:    500 * time.Millisecond,
			MaxWaitDuration: 10 * time.Second,
			Backoff:         BackoffExponential,
			Multiplier:      2.0,
			Jitter:          0.2,
		},
	}
}

// Validate checks that every setting is usable.
func (p Policy) Validate() error {
	var errs []error

	rl := p.RateLimiter
	if rl.LimitForPeriod < 1 {
		errs = append(errs, fmt.Errorf("rate limiter: limit_for_period must be >= 1 (got %d)", rl.LimitForPeriod))
	}
	if rl.RefreshPeriod <= 0 {
		errs = append(errs, fmt.Errorf("rate limiter: refresh_period must be > 0 (got %s)", rl.RefreshPeriod))
	}
	if rl.Timeout < 0 {
		errs = append(errs, fmt.Errorf("rate limiter: timeout must be >= 0 (got %s)", rl.Timeout))
	}

	cb := p.CircuitBreaker
	if cb.SlidingWindowSize < 1 {
		errs = append(errs, fmt.Errorf("circuit breaker: sliding_window_size must be >= 1 (got %d)", cb.SlidingWindowSize))
	}
	if cb.MinimumNumberOfCalls < 1 || cb.MinimumNumberOfCalls > cb.SlidingWindowSize {
		errs = append(errs, fmt.Errorf("circuit breaker: minimum_number_of_calls must be in [1, %d] (got %d)",
			cb.SlidingWindowSize, cb.MinimumNumberOfCalls))
	}
	if cb.FailureRateThreshold <= 0 || cb.FailureRateThreshold > 100 {
		errs = append(errs, fmt.Errorf("circuit breaker: failure_rate_threshold must be in (0, 100] (got %v)", cb.FailureRateThreshold))
	}
	if cb.WaitDurationInOpenState <= 0 {
		errs = append(errs, fmt.Errorf("circuit breaker: wait_duration_in_open_state must be > 0 (got %s)", cb.WaitDurationInOpenState))
	}

	r := p.Retry
	if r.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry: max_attempts must be >= 1 (got %d)", r.MaxAttempts))
	}
	if r.WaitDuration < 0 {
		errs = append(errs, fmt.Errorf("retry: wait_duration must be >= 0 (got %s)", r.WaitDuration))
	}
	switch r.Backoff {
	case "", BackoffFixed:
	case BackoffExponential:
		if r.Multiplier < 1 {
			errs = append(errs, fmt.Errorf("retry: multiplier must be >= 1 for exponential backoff (got %v)", r.Multiplier))
		}
	default:
		errs = append(errs, fmt.Errorf("retry: unknown backoff %q", r.Backoff))
	}
	if r.Jitter < 0 || r.Jitter > 1 {
		errs = append(errs, fmt.Errorf("retry: jitter must be in [0, 1] (got %v)", r.Jitter))
	}

	return errors.Join(errs...)
}

// shouldRetry applies RetryOn. Nothing is retried once the caller's context
// is done. A deadline that belongs to the attempt alone, such as an HTTP
// client timeout, is left to RetryOn.
func (r RetryConfig) shouldRetry(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return false
	}
	if r.RetryOn == nil {
		return true
	}
	return r.RetryOn(err)
}

// backoff returns the wait after the given failed attempt (1-based).
func (r RetryConfig) backoff(attempt int, err error) time.Duration {
	wait := r.WaitDuration
	if r.Backoff == BackoffExponential && attempt > 1 {
		wait = time.Duration(float64(wait) * math.Pow(r.Multiplier, float64(attempt-1)))
	}

	var hinted retryAfter
	if errors.As(err, &hinted) {
		if hint := hinted.RetryAfter(); hint > wait {
			wait = hint
		}
	}

	if r.Jitter > 0 && wait > 0 {
		wait = time.Duration(float64(wait) * (1 - r.Jitter + rand.Float64()*2*r.Jitter))
	}

	if r.MaxWaitDuration > 0 && wait > r.MaxWaitDuration {
		wait = r.MaxWaitDuration
	}
	return wait
}
