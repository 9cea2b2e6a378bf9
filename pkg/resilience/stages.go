package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Operation is one unit of fallible work.
type Operation func(ctx context.Context) error

// Stage wraps an Operation with one resilience concern.
type Stage func(next Operation) Operation

// Chain composes stages so that the first stage is the outermost.
func Chain(stages ...Stage) Stage {
	return func(next Operation) Operation {
		for i := len(stages) - 1; i >= 0; i-- {
			next = stages[i](next)
		}
		return next
	}
}

// callStats mirrors the per-key call counters of the executor.
type callStats struct {
	successWithoutRetry atomic.Int64
	successWithRetry    atomic.Int64
	failedWithoutRetry  atomic.Int64
	failedWithRetry     atomic.Int64
	notPermitted        atomic.Int64
}

// admissionStage takes a rate limiter permit before anything else runs.
func admissionStage(key string, limiter *rateLimiter, stats *callStats) Stage {
	return func(next Operation) Operation {
		return func(ctx context.Context) error {
			if err := limiter.acquire(ctx); err != nil {
				if errors.Is(err, ErrAdmissionDenied) {
					admissionDeniedTotal.WithLabelValues(key).Inc()
					stats.notPermitted.Add(1)
				}
				return err
			}
			return next(ctx)
		}
	}
}

type trialKey struct{}

// errNotPermitted is returned by the attempt stage when the breaker opened
// between attempts. The retry stage replaces it with the last real failure.
var errNotPermitted = fmt.Errorf("%w: attempt not permitted", ErrCircuitOpen)

// breakerStage rejects calls while the breaker is open and marks the
// half-open trial call on its context.
func breakerStage(breaker *circuitBreaker, stats *callStats) Stage {
	return func(next Operation) Operation {
		return func(ctx context.Context) error {
			trial, err := breaker.acquire()
			if err != nil {
				stats.notPermitted.Add(1)
				return &rejectedError{err: err}
			}
			if trial {
				ctx = context.WithValue(ctx, trialKey{}, true)
			}
			return next(ctx)
		}
	}
}

// retryStage runs next up to MaxAttempts times. It stops early when the
// error is not retryable, when the breaker opened, or when ctx is done.
func retryStage(key string, cfg RetryConfig, stats *callStats, logger zerolog.Logger) Stage {
	return func(next Operation) Operation {
		return func(ctx context.Context) error {
			var lastErr error

			for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
				err := next(ctx)
				if err == nil {
					if attempt > 1 {
						stats.successWithRetry.Add(1)
						logger.Info().
							Str("key", key).
							Int("attempt", attempt).
							Msg("Call succeeded after retry")
					} else {
						stats.successWithoutRetry.Add(1)
					}
					return nil
				}

				if errors.Is(err, errNotPermitted) && lastErr == nil {
					// opened by another caller before the first attempt ran
					stats.notPermitted.Add(1)
					return &rejectedError{err: ErrCircuitOpen}
				}
				if errors.Is(err, errNotPermitted) {
					stats.recordFailure(attempt - 1)
					return fmt.Errorf("%w: %w", ErrCircuitOpen, lastErr)
				}
				if errors.Is(err, ErrCircuitOpen) {
					stats.recordFailure(attempt)
					return err
				}

				lastErr = err

				if !cfg.shouldRetry(ctx, err) {
					stats.recordFailure(attempt)
					return err
				}

				if attempt >= cfg.MaxAttempts {
					break
				}

				wait := cfg.backoff(attempt, err)
				policyRetriesTotal.WithLabelValues(key).Inc()
				policyRetryBackoffSeconds.WithLabelValues(key).Observe(wait.Seconds())

				logger.Debug().
					Err(err).
					Str("key", key).
					Int("attempt", attempt).
					Dur("backoff", wait).
					Msg("Retrying call after backoff")

				if err := sleep(ctx, wait); err != nil {
					stats.recordFailure(attempt)
					logger.Warn().
						Str("key", key).
						Int("attempt", attempt).
						Msg("Context cancelled during retry backoff")
					return fmt.Errorf("%w: %w", err, lastErr)
				}
			}

			stats.recordFailure(cfg.MaxAttempts)
			logger.Warn().
				Err(lastErr).
				Str("key", key).
				Int("max_attempts", cfg.MaxAttempts).
				Msg("Retry attempts exhausted")

			return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, cfg.MaxAttempts, lastErr)
		}
	}
}

func (s *callStats) recordFailure(attempts int) {
	if attempts > 1 {
		s.failedWithRetry.Add(1)
	} else {
		s.failedWithoutRetry.Add(1)
	}
}

// attemptStage feeds every attempt outcome into the breaker. A failure that
// leaves the breaker open is reported as ErrCircuitOpen so retries stop.
func attemptStage(breaker *circuitBreaker) Stage {
	return func(next Operation) Operation {
		return func(ctx context.Context) error {
			trial, _ := ctx.Value(trialKey{}).(bool)
			if !breaker.permits(trial) {
				return errNotPermitted
			}

			err := next(ctx)

			switch {
			case err == nil:
				breaker.record(outcomeSuccess, trial)
				return nil
			case ctx.Err() != nil:
				breaker.record(outcomeIgnored, trial)
				return err
			}

			if breaker.record(outcomeFailure, trial) {
				return fmt.Errorf("%w: %w", ErrCircuitOpen, err)
			}
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
