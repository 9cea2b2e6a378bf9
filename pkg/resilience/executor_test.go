package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream unavailable")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// testPolicy never trips the breaker or the limiter and retries quickly.
func testPolicy() Policy {
	return Policy{
		RateLimiter: RateLimiterConfig{
			LimitForPeriod: 1000,
			RefreshPeriod:  time.Second,
			Timeout:        0,
		},
		CircuitBreaker: CircuitBreakerConfig{
			SlidingWindowSize:       100,
			MinimumNumberOfCalls:    100,
			FailureRateThreshold:    100,
			WaitDurationInOpenState: time.Minute,
		},
		Retry: RetryConfig{
			MaxAttempts:  3,
			WaitDuration: time.Millisecond,
			Backoff:      BackoffFixed,
		},
	}
}

func newTestExecutor(t *testing.T, clock *fakeClock) *Executor {
	t.Helper()
	opts := []Option{}
	if clock != nil {
		opts = append(opts, WithClock(clock.Now))
	}
	exec, err := NewExecutor(testPolicy(), opts...)
	require.NoError(t, err)
	return exec
}

func snapshot(t *testing.T, exec *Executor, key string) Snapshot {
	t.Helper()
	snap, ok := exec.Snapshot(key)
	require.True(t, ok, "no policy state for %q", key)
	return snap
}

func TestExecute_Success(t *testing.T) {
	exec := newTestExecutor(t, nil)

	got := Execute(context.Background(), exec, "search",
		func(context.Context) (string, error) { return "ok", nil },
		func(error) string { return "fallback" },
	)

	assert.Equal(t, "ok", got)
	snap := snapshot(t, exec, "search")
	assert.Equal(t, int64(1), snap.SuccessfulCallsWithoutRetry)
	assert.Equal(t, StateClosed, snap.State)
}

func TestExecute_RetryThenFallback(t *testing.T) {
	exec := newTestExecutor(t, nil)

	var calls atomic.Int32
	var cause error
	got := Execute(context.Background(), exec, "search",
		func(context.Context) (string, error) {
			calls.Add(1)
			return "", errUpstream
		},
		func(err error) string {
			cause = err
			return "fallback"
		},
	)

	assert.Equal(t, "fallback", got)
	assert.Equal(t, int32(3), calls.Load())
	assert.ErrorIs(t, cause, ErrRetryExhausted)
	assert.ErrorIs(t, cause, errUpstream)
	assert.Equal(t, "retry_exhausted", Reason(cause))
	assert.Equal(t, int64(1), snapshot(t, exec, "search").FailedCallsWithRetry)
}

func TestCall_RetrySucceedsOnSecondAttempt(t *testing.T) {
	exec := newTestExecutor(t, nil)

	var calls atomic.Int32
	got, err := Call(context.Background(), exec, "search", func(context.Context) (int, error) {
		if calls.Add(1) == 1 {
			return 0, errUpstream
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, int32(2), calls.Load())

	snap := snapshot(t, exec, "search")
	assert.Equal(t, int64(1), snap.SuccessfulCallsWithRetry)
	assert.Equal(t, 2, snap.BufferedCalls)
	assert.Equal(t, 1, snap.FailedCalls)
}

func TestCall_NonRetryableStopsImmediately(t *testing.T) {
	exec := newTestExecutor(t, nil)

	policy := testPolicy()
	policy.Retry.RetryOn = func(err error) bool { return !errors.Is(err, errUpstream) }
	require.NoError(t, exec.Register("strict", policy))

	var calls atomic.Int32
	_, err := Call(context.Background(), exec, "strict", func(context.Context) (int, error) {
		calls.Add(1)
		return 0, errUpstream
	})

	require.ErrorIs(t, err, errUpstream)
	assert.NotErrorIs(t, err, ErrRetryExhausted)
	assert.Equal(t, "not_retryable", Reason(err))
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int64(1), snapshot(t, exec, "strict").FailedCallsWithoutRetry)
}

func TestCircuitBreaker_OpensAndShortCircuits(t *testing.T) {
	clock := newFakeClock()
	exec := newTestExecutor(t, clock)

	policy := testPolicy()
	policy.CircuitBreaker = CircuitBreakerConfig{
		SlidingWindowSize:       2,
		MinimumNumberOfCalls:    2,
		FailureRateThreshold:    100,
		WaitDurationInOpenState: 30 * time.Second,
	}
	policy.Retry.MaxAttempts = 1
	require.NoError(t, exec.Register("search", policy))

	var calls atomic.Int32
	work := func(context.Context) ([]string, error) {
		calls.Add(1)
		return nil, errUpstream
	}
	fallback := func(error) []string { return []string{} }

	for range 2 {
		got := Execute(context.Background(), exec, "search", work, fallback)
		assert.Empty(t, got)
	}
	assert.Equal(t, StateOpen, snapshot(t, exec, "search").State)

	var cause error
	Execute(context.Background(), exec, "search", work, func(err error) []string {
		cause = err
		return nil
	})

	assert.Equal(t, int32(2), calls.Load(), "work must not run while open")
	assert.ErrorIs(t, cause, ErrCircuitOpen)
	assert.True(t, IsPolicyRejection(cause))
	assert.Equal(t, int64(1), snapshot(t, exec, "search").NotPermittedCalls)
}

func TestCircuitBreaker_HalfOpenTrial(t *testing.T) {
	clock := newFakeClock()
	exec := newTestExecutor(t, clock)

	policy := testPolicy()
	policy.CircuitBreaker = CircuitBreakerConfig{
		SlidingWindowSize:       1,
		MinimumNumberOfCalls:    1,
		FailureRateThreshold:    100,
		WaitDurationInOpenState: 30 * time.Second,
	}
	policy.Retry.MaxAttempts = 1
	require.NoError(t, exec.Register("search", policy))

	fail := func(context.Context) (int, error) { return 0, errUpstream }
	succeed := func(context.Context) (int, error) { return 1, nil }

	_, err := Call(context.Background(), exec, "search", fail)
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, StateOpen, snapshot(t, exec, "search").State)

	// A failing trial reopens the breaker.
	clock.Advance(30 * time.Second)
	_, err = Call(context.Background(), exec, "search", fail)
	require.Error(t, err)
	assert.Equal(t, StateOpen, snapshot(t, exec, "search").State)

	_, err = Call(context.Background(), exec, "search", succeed)
	require.ErrorIs(t, err, ErrCircuitOpen)

	// A successful trial closes it.
	clock.Advance(30 * time.Second)
	got, err := Call(context.Background(), exec, "search", succeed)
	require.NoError(t, err)
	assert.Equal(t, 1, got)

	snap := snapshot(t, exec, "search")
	assert.Equal(t, StateClosed, snap.State)
	assert.Equal(t, 0, snap.BufferedCalls)
}

func TestCircuitBreaker_OpensMidRetry(t *testing.T) {
	exec := newTestExecutor(t, nil)

	policy := testPolicy()
	policy.CircuitBreaker.SlidingWindowSize = 2
	policy.CircuitBreaker.MinimumNumberOfCalls = 2
	policy.Retry.MaxAttempts = 5
	require.NoError(t, exec.Register("search", policy))

	var calls atomic.Int32
	_, err := Call(context.Background(), exec, "search", func(context.Context) (int, error) {
		calls.Add(1)
		return 0, errUpstream
	})

	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.ErrorIs(t, err, errUpstream)
	assert.False(t, IsPolicyRejection(err), "the upstream was reached")
	assert.Equal(t, int32(2), calls.Load())
}

func TestCall_AttemptTimeoutIsRetried(t *testing.T) {
	exec := newTestExecutor(t, nil)

	var calls atomic.Int32
	got, err := Call(context.Background(), exec, "search", func(ctx context.Context) (string, error) {
		if calls.Add(1) == 1 {
			attemptCtx, cancel := context.WithTimeout(ctx, time.Millisecond)
			defer cancel()
			<-attemptCtx.Done()
			return "", fmt.Errorf("page 1: %w", attemptCtx.Err())
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRateLimiter_DeniesUntilRefresh(t *testing.T) {
	clock := newFakeClock()
	exec := newTestExecutor(t, clock)

	policy := testPolicy()
	policy.RateLimiter = RateLimiterConfig{
		LimitForPeriod: 1,
		RefreshPeriod:  10 * time.Second,
		Timeout:        0,
	}
	require.NoError(t, exec.Register("search", policy))

	var calls atomic.Int32
	work := func(context.Context) (string, error) {
		calls.Add(1)
		return "ok", nil
	}
	fallback := func(error) string { return "denied" }

	assert.Equal(t, "ok", Execute(context.Background(), exec, "search", work, fallback))

	_, err := Call(context.Background(), exec, "search", work)
	require.ErrorIs(t, err, ErrAdmissionDenied)
	assert.Equal(t, "admission_denied", Reason(err))
	assert.Equal(t, int32(1), calls.Load())

	clock.Advance(10 * time.Second)
	assert.Equal(t, "ok", Execute(context.Background(), exec, "search", work, fallback))
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int64(1), snapshot(t, exec, "search").NotPermittedCalls)
}

func TestCall_ContextCancelledDuringBackoff(t *testing.T) {
	exec := newTestExecutor(t, nil)

	policy := testPolicy()
	policy.Retry.WaitDuration = time.Minute
	require.NoError(t, exec.Register("search", policy))

	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int32
	_, err := Call(ctx, exec, "search", func(context.Context) (int, error) {
		calls.Add(1)
		cancel()
		return 0, errUpstream
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "cancelled", Reason(err))
	assert.Equal(t, int32(1), calls.Load())

	// The cancelled attempt is not held against the remote side.
	assert.Equal(t, 0, snapshot(t, exec, "search").BufferedCalls)
}

func TestExecutor_KeysAreIsolated(t *testing.T) {
	exec := newTestExecutor(t, nil)

	policy := testPolicy()
	policy.CircuitBreaker.SlidingWindowSize = 1
	policy.CircuitBreaker.MinimumNumberOfCalls = 1
	policy.Retry.MaxAttempts = 1
	require.NoError(t, exec.Register("a", policy))
	require.NoError(t, exec.Register("b", policy))

	_, err := Call(context.Background(), exec, "a", func(context.Context) (int, error) { return 0, errUpstream })
	require.Error(t, err)

	assert.Equal(t, StateOpen, snapshot(t, exec, "a").State)
	assert.Equal(t, StateClosed, snapshot(t, exec, "b").State)
}

func TestExecutor_RegisterAfterUse(t *testing.T) {
	exec := newTestExecutor(t, nil)

	_, err := Call(context.Background(), exec, "search", func(context.Context) (int, error) { return 1, nil })
	require.NoError(t, err)

	err = exec.Register("search", testPolicy())
	assert.Error(t, err)
}

func TestExecutor_SnapshotUnknownKey(t *testing.T) {
	exec := newTestExecutor(t, nil)
	require.NoError(t, exec.Register("registered", testPolicy()))

	_, ok := exec.Snapshot("never-seen")
	assert.False(t, ok)

	// the lookup must not create state, so registering afterwards still works
	require.NoError(t, exec.Register("never-seen", testPolicy()))

	snap, ok := exec.Snapshot("registered")
	require.True(t, ok)
	assert.Equal(t, StateClosed, snap.State)
}

func TestNewExecutor_InvalidPolicy(t *testing.T) {
	policy := testPolicy()
	policy.Retry.MaxAttempts = 0
	policy.RateLimiter.LimitForPeriod = 0

	_, err := NewExecutor(policy)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_attempts")
	assert.Contains(t, err.Error(), "limit_for_period")
}

func TestExecutor_ConcurrentCalls(t *testing.T) {
	exec := newTestExecutor(t, nil)

	var wg sync.WaitGroup
	var total atomic.Int32
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v := Execute(context.Background(), exec, "search",
				func(context.Context) (int32, error) { return 1, nil },
				func(error) int32 { return 0 },
			)
			total.Add(v)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(50), total.Load())
	assert.Equal(t, int64(50), snapshot(t, exec, "search").SuccessfulCallsWithoutRetry)
}
