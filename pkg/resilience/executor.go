package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Executor runs operations under the policy registered for their key. Keys
// without a registered policy use the default policy. State for a key is
// created on first use and kept for the lifetime of the Executor.
type Executor struct {
	mu       sync.RWMutex
	policies map[string]Policy
	states   map[string]*policyState

	defaultPolicy Policy
	logger        zerolog.Logger
	now           func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithClock replaces time.Now for the rate limiter and breaker.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		e.now = now
	}
}

// WithLogger sets the logger used for retries, transitions and fallbacks.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

// NewExecutor creates an Executor with the given default policy.
func NewExecutor(defaultPolicy Policy, opts ...Option) (*Executor, error) {
	if err := defaultPolicy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid default policy: %w", err)
	}

	e := &Executor{
		policies:      make(map[string]Policy),
		states:        make(map[string]*policyState),
		defaultPolicy: defaultPolicy,
		logger:        zerolog.Nop(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Register sets the policy for key. It must be called before the key is
// first used.
func (e *Executor) Register(key string, policy Policy) error {
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("invalid policy for %q: %w", key, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.states[key]; ok {
		return fmt.Errorf("policy for %q already in use", key)
	}
	e.policies[key] = policy
	return nil
}

// Do runs op under the policy for key and returns the classified error.
func (e *Executor) Do(ctx context.Context, key string, op Operation) error {
	st := e.state(key)
	err := st.pipeline(op)(ctx)

	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	policyCallsTotal.WithLabelValues(key, outcome).Inc()
	return err
}

// Snapshot is a point in time view of one key's policy state.
type Snapshot struct {
	State            State
	BufferedCalls    int
	FailedCalls      int
	FailureRate      float64
	AvailablePermits float64

	SuccessfulCallsWithoutRetry int64
	SuccessfulCallsWithRetry    int64
	FailedCallsWithoutRetry     int64
	FailedCallsWithRetry        int64
	NotPermittedCalls           int64
}

// Snapshot returns the current state for key. It reports false for a key
// that was neither registered nor used, and creates no state for it.
func (e *Executor) Snapshot(key string) (Snapshot, bool) {
	e.mu.RLock()
	_, used := e.states[key]
	_, registered := e.policies[key]
	e.mu.RUnlock()
	if !used && !registered {
		return Snapshot{}, false
	}

	st := e.state(key)
	b := st.breaker.snapshot()

	return Snapshot{
		State:            b.state,
		BufferedCalls:    b.buffered,
		FailedCalls:      b.failed,
		FailureRate:      b.failureRate,
		AvailablePermits: st.limiter.available(),

		SuccessfulCallsWithoutRetry: st.stats.successWithoutRetry.Load(),
		SuccessfulCallsWithRetry:    st.stats.successWithRetry.Load(),
		FailedCallsWithoutRetry:     st.stats.failedWithoutRetry.Load(),
		FailedCallsWithRetry:        st.stats.failedWithRetry.Load(),
		NotPermittedCalls:           st.stats.notPermitted.Load(),
	}, true
}

// Call runs work under the policy for key and returns its result, or the
// zero value and the classified error.
func Call[T any](ctx context.Context, e *Executor, key string, work func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := e.Do(ctx, key, func(ctx context.Context) error {
		v, err := work(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// Execute runs work under the policy for key. When the policy gives up, the
// fallback receives the cause and its value is returned. Execute never
// fails.
func Execute[T any](ctx context.Context, e *Executor, key string, work func(ctx context.Context) (T, error), fallback func(error) T) T {
	result, err := Call(ctx, e, key, work)
	if err == nil {
		return result
	}

	reason := Reason(err)
	policyFallbacksTotal.WithLabelValues(key, reason).Inc()
	e.logger.Warn().
		Err(err).
		Str("key", key).
		Str("reason", reason).
		Msg("Fallback triggered")

	return fallback(err)
}

// policyState is the live state behind one key.
type policyState struct {
	limiter  *rateLimiter
	breaker  *circuitBreaker
	stats    *callStats
	pipeline Stage
}

func (e *Executor) state(key string) *policyState {
	e.mu.RLock()
	st, ok := e.states[key]
	e.mu.RUnlock()
	if ok {
		return st
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring the write lock
	if st, ok := e.states[key]; ok {
		return st
	}

	policy, ok := e.policies[key]
	if !ok {
		policy = e.defaultPolicy
	}

	st = e.newPolicyState(key, policy)
	e.states[key] = st
	return st
}

func (e *Executor) newPolicyState(key string, policy Policy) *policyState {
	logger := e.logger.With().Str("key", key).Logger()

	breaker := newCircuitBreaker(policy.CircuitBreaker, e.now, func(from, to State) {
		breakerState.WithLabelValues(key).Set(float64(to))
		breakerTransitionsTotal.WithLabelValues(key, from.String(), to.String()).Inc()

		ev := logger.Info()
		if to == StateOpen {
			ev = logger.Warn()
		}
		ev.Str("from", from.String()).
			Str("to", to.String()).
			Msg("Circuit breaker state changed")
	})
	breakerState.WithLabelValues(key).Set(float64(StateClosed))

	limiter := newRateLimiter(policy.RateLimiter, e.now)
	stats := &callStats{}

	return &policyState{
		limiter:  limiter,
		breaker:  breaker,
		stats:    stats,
		pipeline: Chain(
			admissionStage(key, limiter, stats),
			breakerStage(breaker, stats),
			retryStage(key, policy.Retry, stats, logger),
			attemptStage(breaker),
		),
	}
}

// IsPolicyRejection reports whether err means the call never reached the
// remote side: no rate limiter permit, or a breaker that was already open.
// A breaker that opens while retrying a failure is not a rejection.
func IsPolicyRejection(err error) bool {
	var rejected *rejectedError
	return errors.Is(err, ErrAdmissionDenied) || errors.As(err, &rejected)
}
