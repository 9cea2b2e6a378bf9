package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for quota tracking.
var (
	quotaRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scorer_upstream_quota_remaining",
		Help: "Requests remaining in the current upstream quota window by resource",
	}, []string{"resource"})

	quotaLimit = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scorer_upstream_quota_limit",
		Help: "Requests allowed per upstream quota window by resource",
	}, []string{"resource"})

	quotaBlocksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scorer_upstream_quota_blocks_total",
		Help: "Total requests blocked locally because the upstream quota was exhausted",
	}, []string{"resource"})
)

// MaxStateAge is how long an observed quota is trusted. Older state no
// longer blocks requests, whatever reset time it carries.
const MaxStateAge = time.Hour

// Tracker records the upstream quota and gates requests on it.
type Tracker struct {
	store  store
	logger zerolog.Logger
	now    func() time.Time
}

// NewTracker creates a quota tracker. A nil redisClient keeps state in
// process memory.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	var s store = newMemoryStore()
	if redisClient != nil {
		s = &redisStore{client: redisClient}
	}
	return &Tracker{
		store:  s,
		logger: logger,
		now:    time.Now,
	}
}

// GetState returns the last observed quota for resource. A resource that was
// never observed yields a state for which Known is false.
func (t *Tracker) GetState(ctx context.Context, resource string) (*QuotaState, error) {
	state, err := t.store.get(ctx, resource)
	if err != nil {
		return nil, err
	}
	return state, nil
}

// UpdateFromHeaders parses the quota headers of a response and stores them.
// Responses without quota headers are ignored.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, headers http.Header) error {
	remainStr := headers.Get(HeaderRemaining)
	if remainStr == "" {
		return nil
	}

	remaining, err := strconv.Atoi(remainStr)
	if err != nil {
		return fmt.Errorf("parse %s header: %w", HeaderRemaining, err)
	}

	limit, err := strconv.Atoi(headers.Get(HeaderLimit))
	if err != nil {
		return fmt.Errorf("parse %s header: %w", HeaderLimit, err)
	}

	resetUnix, err := strconv.ParseInt(headers.Get(HeaderReset), 10, 64)
	if err != nil {
		return fmt.Errorf("parse %s header: %w", HeaderReset, err)
	}

	resource := headers.Get(HeaderResource)
	if resource == "" {
		resource = DefaultResource
	}

	now := t.now()
	state := &QuotaState{
		Resource:   resource,
		Limit:      limit,
		Remaining:  remaining,
		ResetAt:    time.Unix(resetUnix, 0),
		LastUpdate: now,
	}

	if err := t.store.set(ctx, state); err != nil {
		return err
	}

	quotaRemaining.WithLabelValues(resource).Set(float64(remaining))
	quotaLimit.WithLabelValues(resource).Set(float64(limit))

	resetIn := int64(state.TimeUntilReset(now).Seconds())
	logEvent := t.logger.Debug()
	if remaining == 0 {
		logEvent = t.logger.Warn()
	}
	logEvent.
		Str("resource", resource).
		Int("remaining", remaining).
		Int("limit", limit).
		Time("reset_at", state.ResetAt).
		Msgf("rate limit %d/%d remaining, resets in %d seconds", remaining, limit, resetIn)

	return nil
}

// ShouldAllowRequest reports whether a request against resource may be sent.
// While the observed quota is exhausted it returns false and the time until
// the window resets.
func (t *Tracker) ShouldAllowRequest(ctx context.Context, resource string) (bool, time.Duration, error) {
	state, err := t.GetState(ctx, resource)
	if err != nil {
		return false, 0, fmt.Errorf("get quota state: %w", err)
	}

	now := t.now()
	if state.Known() && state.IsStale(MaxStateAge, now) {
		t.logger.Debug().
			Str("resource", resource).
			Time("last_update", state.LastUpdate).
			Msg("Ignoring stale quota state")
		return true, 0, nil
	}
	if !state.Exhausted(now) {
		return true, 0, nil
	}

	wait := state.TimeUntilReset(now)
	t.logger.Warn().
		Str("resource", resource).
		Int("limit", state.Limit).
		Dur("wait_duration", wait).
		Msg("Upstream quota exhausted - blocking request")

	quotaBlocksTotal.WithLabelValues(resource).Inc()
	return false, wait, nil
}
