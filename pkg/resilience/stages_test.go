package resilience

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChain_FirstStageIsOutermost(t *testing.T) {
	var order []string
	tag := func(name string) Stage {
		return func(next Operation) Operation {
			return func(ctx context.Context) error {
				order = append(order, name+">")
				err := next(ctx)
				order = append(order, "<"+name)
				return err
			}
		}
	}

	op := Chain(tag("admission"), tag("breaker"), tag("retry"))(func(context.Context) error {
		order = append(order, "work")
		return nil
	})
	require.NoError(t, op(context.Background()))

	assert.Equal(t, []string{
		"admission>", "breaker>", "retry>", "work", "<retry", "<breaker", "<admission",
	}, order)
}

type hintedError struct{ wait time.Duration }

func (e hintedError) Error() string             { return "rate limited" }
func (e hintedError) RetryAfter() time.Duration { return e.wait }

func TestRetryConfig_Backoff(t *testing.T) {
	tests := []struct {
		name    string
		cfg     RetryConfig
		attempt int
		err     error
		want    time.Duration
	}{
		{
			name:    "fixed",
			cfg:     RetryConfig{WaitDuration: 100 * time.Millisecond, Backoff: BackoffFixed},
			attempt: 3,
			err:     errUpstream,
			want:    100 * time.Millisecond,
		},
		{
			name:    "exponential third attempt",
			cfg:     RetryConfig{WaitDuration: 100 * time.Millisecond, Backoff: BackoffExponential, Multiplier: 2},
			attempt: 3,
			err:     errUpstream,
			want:    400 * time.Millisecond,
		},
		{
			name:    "capped",
			cfg:     RetryConfig{WaitDuration: time.Second, MaxWaitDuration: 3 * time.Second, Backoff: BackoffExponential, Multiplier: 2},
			attempt: 5,
			err:     errUpstream,
			want:    3 * time.Second,
		},
		{
			name:    "retry-after hint wins",
			cfg:     RetryConfig{WaitDuration: 100 * time.Millisecond, Backoff: BackoffFixed},
			attempt: 1,
			err:     fmt.Errorf("page 2: %w", hintedError{wait: 2 * time.Second}),
			want:    2 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.backoff(tt.attempt, tt.err))
		})
	}
}

func TestRetryConfig_BackoffJitterBounds(t *testing.T) {
	cfg := RetryConfig{WaitDuration: time.Second, Backoff: BackoffFixed, Jitter: 0.2}

	for range 100 {
		got := cfg.backoff(1, errUpstream)
		assert.GreaterOrEqual(t, got, 800*time.Millisecond)
		assert.LessOrEqual(t, got, 1200*time.Millisecond)
	}
}

func TestRetryConfig_ShouldRetry(t *testing.T) {
	cfg := RetryConfig{RetryOn: func(error) bool { return true }}
	live := context.Background()

	assert.True(t, cfg.shouldRetry(live, errUpstream))
	assert.False(t, cfg.shouldRetry(live, context.Canceled))

	// an attempt that timed out on its own deadline is left to RetryOn
	assert.True(t, cfg.shouldRetry(live, fmt.Errorf("fetch: %w", context.DeadlineExceeded)))

	done, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, cfg.shouldRetry(done, errUpstream))
	assert.False(t, cfg.shouldRetry(done, fmt.Errorf("fetch: %w", context.DeadlineExceeded)))
}

func TestDefaultPolicy_Valid(t *testing.T) {
	assert.NoError(t, DefaultPolicy().Validate())
}

func TestReason(t *testing.T) {
	assert.Equal(t, "none", Reason(nil))
	assert.Equal(t, "circuit_open", Reason(fmt.Errorf("%w: %w", ErrCircuitOpen, errUpstream)))
	assert.Equal(t, "admission_denied", Reason(ErrAdmissionDenied))
	assert.True(t, IsPolicyRejection(ErrAdmissionDenied))
	assert.True(t, IsPolicyRejection(fmt.Errorf("page 1: %w", &rejectedError{err: ErrCircuitOpen})))
	assert.False(t, IsPolicyRejection(errUpstream))
	assert.False(t, IsPolicyRejection(fmt.Errorf("%w: %w", ErrCircuitOpen, errUpstream)))
}
