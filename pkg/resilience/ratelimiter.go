package resilience

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// rateLimiter is a token bucket granting LimitForPeriod permits per
// RefreshPeriod. rate.Limiter is safe for concurrent use.
type rateLimiter struct {
	limiter *rate.Limiter
	timeout time.Duration
	now     func() time.Time
}

func newRateLimiter(cfg RateLimiterConfig, now func() time.Time) *rateLimiter {
	every := cfg.RefreshPeriod / time.Duration(cfg.LimitForPeriod)
	return &rateLimiter{
		limiter: rate.NewLimiter(rate.Every(every), cfg.LimitForPeriod),
		timeout: cfg.Timeout,
		now:     now,
	}
}

// acquire takes one permit, waiting at most the configured timeout.
// A permit that cannot be granted in time is returned to the bucket.
func (l *rateLimiter) acquire(ctx context.Context) error {
	now := l.now()
	res := l.limiter.ReserveN(now, 1)
	if !res.OK() {
		return ErrAdmissionDenied
	}

	delay := res.DelayFrom(now)
	if delay == 0 {
		return nil
	}
	if delay > l.timeout {
		res.CancelAt(now)
		return ErrAdmissionDenied
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		res.CancelAt(l.now())
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// available reports the permits currently in the bucket.
func (l *rateLimiter) available() float64 {
	return l.limiter.TokensAt(l.now())
}
