// Package ratelimit tracks the upstream search quota reported in the
// X-RateLimit-* response headers and gates requests while it is exhausted.
// State is kept in Redis when a client is configured, otherwise in memory.
package ratelimit

import (
	"fmt"
	"time"
)

// Response headers carrying the upstream quota.
const (
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset"
	HeaderResource  = "X-RateLimit-Resource"
)

// DefaultResource is used when the response does not name its quota bucket.
const DefaultResource = "search"

// Redis key suffixes for quota state storage. Keys are
// "scorer:quota:<resource>:<suffix>".
const (
	redisKeyPrefix    = "scorer:quota:"
	redisKeyLimit     = "limit"
	redisKeyRemaining = "remaining"
	redisKeyReset     = "reset_timestamp"
	redisKeyUpdate    = "last_update"
)

func redisKey(resource, suffix string) string {
	return fmt.Sprintf("%s%s:%s", redisKeyPrefix, resource, suffix)
}

// QuotaState is the last observed quota for one resource.
type QuotaState struct {
	// Resource is the quota bucket, e.g. "search" or "core".
	Resource string `json:"resource"`

	// Limit is the number of requests allowed per window.
	Limit int `json:"limit"`

	// Remaining is the number of requests left in the current window.
	Remaining int `json:"remaining"`

	// ResetAt is when the window resets.
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when the state was observed. Zero means never.
	LastUpdate time.Time `json:"last_update"`
}

// Known reports whether the state was ever observed.
func (s *QuotaState) Known() bool {
	return !s.LastUpdate.IsZero()
}

// IsStale returns true if the state is older than maxAge at now.
func (s *QuotaState) IsStale(maxAge time.Duration, now time.Time) bool {
	return now.Sub(s.LastUpdate) > maxAge
}

// Exhausted returns true while no requests remain and the reset is still
// ahead of now.
func (s *QuotaState) Exhausted(now time.Time) bool {
	return s.Known() && s.Remaining <= 0 && s.ResetAt.After(now)
}

// TimeUntilReset returns the duration until the window resets, or 0 if the
// reset already passed.
func (s *QuotaState) TimeUntilReset(now time.Time) time.Duration {
	d := s.ResetAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
