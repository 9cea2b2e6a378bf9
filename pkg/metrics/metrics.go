// Package metrics exposes the Prometheus registry and HTTP handler. The
// collectors themselves are declared with promauto in the package that
// updates them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer all package collectors are added to.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the gatherer served by Handler.
var Gatherer = prometheus.DefaultGatherer

// Handler serves the collected metrics in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Resilience Metrics (pkg/resilience):
//   - scorer_policy_calls_total{key, outcome} (Counter): Policy executions by outcome (success, failure)
//   - scorer_policy_retries_total{key} (Counter): Retry attempts
//   - scorer_policy_retry_backoff_seconds{key} (Histogram): Backoff before each retry
//   - scorer_policy_fallbacks_total{key, reason} (Counter): Fallbacks by reason
//   - scorer_policy_admission_denied_total{key} (Counter): Calls denied a rate limiter permit
//   - scorer_circuit_breaker_state{key} (Gauge): 0=closed, 1=open, 2=half_open
//   - scorer_circuit_breaker_transitions_total{key, from, to} (Counter): Breaker transitions
//
// Fetch Metrics (pkg/pagination):
//   - scorer_pages_total{mode, outcome} (Counter): Pages by outcome (ok, empty, failed)
//   - scorer_fetch_duration_seconds{mode} (Histogram): Complete multi-page fetch duration
//
// Upstream Metrics (pkg/github, pkg/ratelimit):
//   - scorer_github_requests_total{status} (Counter): Search requests by HTTP status
//   - scorer_github_request_duration_seconds (Histogram): Search request duration
//   - scorer_github_errors_total{kind} (Counter): Errors by kind
//   - scorer_upstream_quota_remaining{resource} (Gauge): Requests left in the quota window
//   - scorer_upstream_quota_limit{resource} (Gauge): Requests per quota window
//   - scorer_upstream_quota_blocks_total{resource} (Counter): Requests blocked locally on exhausted quota
//
// Scoring Metrics (pkg/scoring, pkg/scorer):
//   - scorer_records_scored_total (Counter): Records scored
//   - scorer_runs_total{result} (Counter): Fetch-and-score runs by result
//
// Example Prometheus Queries:
//
//   # Fallback rate by reason
//   sum by (reason) (rate(scorer_policy_fallbacks_total[5m]))
//
//   # Breaker currently open
//   scorer_circuit_breaker_state == 1
//
//   # Quota nearly exhausted
//   scorer_upstream_quota_remaining{resource="search"} < 5
//
//   # P95 search latency
//   histogram_quantile(0.95, rate(scorer_github_request_duration_seconds_bucket[5m]))
