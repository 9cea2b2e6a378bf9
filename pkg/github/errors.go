package github

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrorKind classifies a failed search request.
type ErrorKind string

const (
	// KindRateLimited is a 429, or a 403 with an exhausted quota.
	KindRateLimited ErrorKind = "rate_limited"

	// KindServer is a 5xx response.
	KindServer ErrorKind = "server"

	// KindNetwork is a transport failure or timeout.
	KindNetwork ErrorKind = "network"

	// KindMalformed is a 2xx response whose body is not a search result.
	KindMalformed ErrorKind = "malformed"

	// KindClient is any other 4xx response.
	KindClient ErrorKind = "client"
)

// UpstreamError is a failed search request with its classification.
type UpstreamError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string

	// RetryAfterHint is the server supplied wait, if any.
	RetryAfterHint time.Duration

	Err error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("github %s error (status %d): %s: %v", e.Kind, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("github %s error (status %d): %s", e.Kind, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// RetryAfter returns the server supplied wait. The retry stage uses it to
// stretch its backoff.
func (e *UpstreamError) RetryAfter() time.Duration {
	return e.RetryAfterHint
}

// Retryable reports whether the request may succeed when repeated.
func (e *UpstreamError) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindServer, KindNetwork:
		return true
	default:
		// client and malformed errors repeat deterministically
		return false
	}
}

// IsRetryable reports whether err is an UpstreamError worth retrying. It is
// the RetryOn predicate of the search policy.
func IsRetryable(err error) bool {
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		return upstream.Retryable()
	}
	return false
}

// KindOf returns the kind of an UpstreamError in err's chain, or "".
func KindOf(err error) ErrorKind {
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		return upstream.Kind
	}
	return ""
}

// classifyStatus maps a non-2xx response to an error kind.
func classifyStatus(resp *http.Response) ErrorKind {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return KindRateLimited
	case resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0":
		return KindRateLimited
	case resp.StatusCode >= 500:
		return KindServer
	default:
		return KindClient
	}
}

// retryAfterHint reads Retry-After (seconds), falling back to the quota reset
// time for rate limited responses.
func retryAfterHint(resp *http.Response, kind ErrorKind, now time.Time) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if kind != KindRateLimited {
		return 0
	}
	if v := resp.Header.Get("X-RateLimit-Reset"); v != "" {
		if reset, err := strconv.ParseInt(v, 10, 64); err == nil {
			if d := time.Unix(reset, 0).Sub(now); d > 0 {
				return d
			}
		}
	}
	return 0
}
