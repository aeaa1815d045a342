// Package emit provides pluggable observability sinks for workflow runs,
// independent of the core event stream a consumer drives via
// RunHandle.TakeEventStream.
package emit

import "context"

// Emitter receives side-channel observability events from a run: logging,
// tracing, metrics. Implementations must be non-blocking and safe to call
// concurrently — a slow or failing backend must never stall a superstep.
type Emitter interface {
	// Emit sends one event. Must not panic; a backend failure should be
	// logged internally rather than returned.
	Emit(event Event)

	// EmitBatch sends multiple events in creation order, for backends where
	// batching amortizes overhead. Returns an error only for a failure that
	// prevents the whole batch from being attempted, not per-event failures.
	EmitBatch(ctx context.Context, events []Event) error

	// Flush blocks until every buffered event has been sent or ctx expires.
	// Safe to call more than once.
	Flush(ctx context.Context) error
}
