package emit

// Event is an observability event describing one thing that happened during
// a run: a superstep completing, an executor invocation, a checkpoint, an
// error. It is deliberately flatter than the core workflow.Event stream —
// Emitter implementations are side-channel observability, not a substitute
// for TakeEventStream, so they carry only what a log line or trace span
// needs.
type Event struct {
	// RunID identifies the run that emitted this event.
	RunID string

	// Step is the superstep number (1-indexed). Zero for run-level events
	// (start, end, fatal error) that aren't attributed to a single step.
	Step int

	// ExecutorID identifies which executor emitted this event. Empty for
	// run-level events.
	ExecutorID string

	// Msg is a short, human-readable description of the event.
	Msg string

	// Meta carries event-specific structured data. Common keys:
	//   - "status": outcome of a superstep ("ok", "fatal")
	//   - "duration_ms": latency in milliseconds
	//   - "checkpoint_id": the checkpoint saved this step, if any
	//   - "retryable": whether a failure can be retried
	Meta map[string]interface{}
}
