// Package resilience runs fallible operations under a named policy made of a
// rate limiter, a circuit breaker and retry with backoff.
//
// The stages are composed once per operation key, outermost first:
//
//	admission (token bucket) -> breaker guard -> retry -> attempt (breaker recording)
//
// Each stage is a plain func(Operation) Operation, so the ordering is
// explicit and every stage can be tested on its own.
//
// Basic usage:
//
//	exec, err := resilience.NewExecutor(resilience.DefaultPolicy(), resilience.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//
//	records := resilience.Execute(ctx, exec, "remoteSearch",
//		func(ctx context.Context) ([]model.Record, error) {
//			return gateway.FetchPage(ctx, criteria, page, pageSize)
//		},
//		func(err error) []model.Record { return nil },
//	)
//
// Call runs the same pipeline but hands the classified error back instead
// of invoking a fallback.
//
// # State
//
// Policy state (token bucket, breaker window, call counters) lives in the
// Executor, keyed by operation name, for the lifetime of the process. Keys
// never share locks with each other.
//
// # Metrics
//
//   - scorer_policy_calls_total{key, outcome}
//   - scorer_policy_retries_total{key}
//   - scorer_policy_fallbacks_total{key, reason}
//   - scorer_policy_admission_denied_total{key}
//   - scorer_circuit_breaker_state{key}
//   - scorer_circuit_breaker_transitions_total{key, from, to}
package resilience
