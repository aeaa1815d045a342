// Package workflow provides the core execution engine for message-passing
// agent workflows: a directed graph of executors driven one superstep at a
// time by a single-owner runner.
package workflow

import "errors"

// Sentinel protocol and engine errors. Protocol errors are surfaced to the
// caller without terminating the run; engine errors are always fatal.
var (
	// ErrUnknownExecutor is returned at construction when an edge, a start
	// executor or a port handler refers to an executor id that was never
	// registered.
	ErrUnknownExecutor = errors.New("workflow: unknown executor id")

	// ErrDuplicateHandler is returned at construction when two handlers are
	// registered for the same message type on the same executor without an
	// explicit override.
	ErrDuplicateHandler = errors.New("workflow: duplicate handler registration")

	// ErrNoStartExecutor is returned at construction when the graph has no
	// designated starting executor for external input.
	ErrNoStartExecutor = errors.New("workflow: no start executor configured")

	// ErrUnknownRequestID is returned by EnqueueResponse when no outstanding
	// request matches the response's request id. Non-fatal: the run
	// continues and no event is raised. If the request is resolved after
	// EnqueueResponse accepted the response, the next superstep's drain
	// raises a Recoverable WorkflowError event wrapping this error instead.
	ErrUnknownRequestID = errors.New("workflow: unknown request id")

	// ErrConcurrentEnumeration is returned by TakeEventStream when a second
	// enumerator is attempted while one is already active for the run.
	ErrConcurrentEnumeration = errors.New("workflow: concurrent event stream enumeration")

	// ErrRunEnded is returned by EnqueueInput/EnqueueResponse once the run
	// has reached status Completed.
	ErrRunEnded = errors.New("workflow: run has already ended")

	// ErrIncompatibleInputType is carried by the Recoverable ExecutorFailed
	// event raised when an envelope reaches an executor with no route for its
	// declared type. EnqueueInput reports a start-executor type mismatch by
	// returning false, not this error.
	ErrIncompatibleInputType = errors.New("workflow: input type incompatible with start executor")

	// ErrNoCheckpointStore is returned at construction when with_checkpointing
	// is enabled but no Store was supplied.
	ErrNoCheckpointStore = errors.New("workflow: checkpointing enabled without a checkpoint store")

	// ErrCheckpointNotFound is returned by Store.Load when the id is unknown.
	ErrCheckpointNotFound = errors.New("workflow: checkpoint not found")

	// ErrInvalidRetryPolicy is returned by RetryPolicy.Validate.
	ErrInvalidRetryPolicy = errors.New("workflow: invalid retry policy")

	// ErrBackpressureTimeout is returned when the parallel dispatch frontier
	// stays full longer than the configured BackpressureTimeout.
	ErrBackpressureTimeout = errors.New("workflow: backpressure timeout exceeded")

	// ErrNoProgress is not raised by the runner: a superstep that leaves no
	// queued work and no outstanding request moves the run to Idle, where it
	// waits for input.
	ErrNoProgress = errors.New("workflow: no progress possible, no runnable work and no outstanding requests")

	// ErrMaxStepsExceeded is the Cause of the RunnerError that ends a run
	// once it reaches Options.MaxSteps without completing.
	ErrMaxStepsExceeded = errors.New("workflow: max steps exceeded")
)

// ErrorKind classifies a handler failure for the purposes of §4.7's
// propagation policy.
type ErrorKind int

const (
	// Recoverable errors are reported as ExecutorFailed but allow the step
	// to continue processing other executors.
	Recoverable ErrorKind = iota
	// Fatal errors additionally raise WorkflowError and end the run. This is
	// the default classification for an unclassified handler error.
	Fatal
	// Model errors are treated identically to Fatal (§4.7: "error_kind ∈
	// {Fatal, Model}"); kept distinct so observers can tell a collaborating
	// agent's failure from an internal engine failure.
	Model
)

func (k ErrorKind) String() string {
	switch k {
	case Recoverable:
		return "recoverable"
	case Fatal:
		return "fatal"
	case Model:
		return "model"
	default:
		return "unknown"
	}
}

// RunnerError reports a configuration or engine-level failure: invalid
// graph construction, edge processing exceptions, checkpoint store
// failures, or an internal invariant violation. Always fatal.
type RunnerError struct {
	Message string
	Code    string
	Cause   error
}

func (e *RunnerError) Error() string {
	if e.Cause != nil {
		return "workflow: " + e.Code + ": " + e.Message + ": " + e.Cause.Error()
	}
	return "workflow: " + e.Code + ": " + e.Message
}

func (e *RunnerError) Unwrap() error { return e.Cause }

// ExecutorError wraps a failure raised from inside an executor's handler,
// carrying an ErrorKind so the runner can decide whether the step continues
// or the run terminates.
type ExecutorError struct {
	Message    string
	Code       string
	ExecutorID string
	Kind       ErrorKind
	Cause      error
}

func (e *ExecutorError) Error() string {
	msg := "workflow: executor " + e.ExecutorID + ": " + e.Message
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ExecutorError) Unwrap() error { return e.Cause }

// WorkflowError is the terminal error surfaced as a WorkflowError event and,
// for Fatal/Model handler errors, attached to the run before it transitions
// to Completed.
type WorkflowError struct {
	Message string
	Code    string
	Cause   error
}

func (e *WorkflowError) Error() string {
	if e.Cause != nil {
		return "workflow: " + e.Code + ": " + e.Message + ": " + e.Cause.Error()
	}
	return "workflow: " + e.Code + ": " + e.Message
}

func (e *WorkflowError) Unwrap() error { return e.Cause }
