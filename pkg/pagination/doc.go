// Package pagination fetches the pages of one search through the resilience
// executor and merges them in page order.
//
// Two modes are supported:
//
//   - Sequential (default): pages 1..MaxPages are requested one after the
//     other. An empty page ends the search early, so a short result set
//     costs a single request.
//   - Concurrent: exactly MaxPages requests are issued on a bounded worker
//     pool. A page that cannot be fetched degrades to a failed page and the
//     others are kept.
//
// Example usage:
//
//	orch, err := pagination.NewOrchestrator(gateway, executor, pagination.DefaultConfig(), logger)
//	if err != nil {
//		return err
//	}
//	result, err := orch.Fetch(ctx, criteria, model.DefaultCeiling().Default())
//	records := result.Records()
//
// When the context is cancelled no further pages are requested. Pages that
// were already fetched are returned with Result.Partial set, unless
// Config.Strict asks for ErrInterrupted instead.
package pagination
