package resilience

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for policy execution.
var (
	policyCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scorer_policy_calls_total",
		Help: "Total policy executions by operation key and outcome",
	}, []string{"key", "outcome"})

	policyRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scorer_policy_retries_total",
		Help: "Total retry attempts by operation key",
	}, []string{"key"})

	policyRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scorer_policy_retry_backoff_seconds",
		Help:    "Backoff before a retry attempt by operation key",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"key"})

	policyFallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scorer_policy_fallbacks_total",
		Help: "Total fallback invocations by operation key and reason",
	}, []string{"key", "reason"})

	admissionDeniedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scorer_policy_admission_denied_total",
		Help: "Total calls denied a rate limiter permit by operation key",
	}, []string{"key"})

	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scorer_circuit_breaker_state",
		Help: "Circuit breaker state by operation key (0=closed, 1=open, 2=half_open)",
	}, []string{"key"})

	breakerTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scorer_circuit_breaker_transitions_total",
		Help: "Total circuit breaker state transitions by operation key",
	}, []string{"key", "from", "to"})
)
