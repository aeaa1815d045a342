package workflow

import "sync/atomic"

// EventKind discriminates the tagged variant described in §3. Go has no sum
// types, so Event is a flat struct with a Kind tag and a set of fields that
// are meaningful only for certain kinds, similar in shape to emit.Event but
// with richer payload fields.
type EventKind int

const (
	// ExecutorInvoked is raised immediately before a handler runs.
	ExecutorInvoked EventKind = iota
	// ExecutorCompleted is raised after a handler returns without error, and
	// by BoundContext.AddEvent for a user-level event (Meta then carries the
	// event's metadata).
	ExecutorCompleted
	// ExecutorFailed is raised when a handler returns an error; Err and
	// ErrKind are populated.
	ExecutorFailed
	// SuperStepCompleted marks the end of one superstep; Step carries the
	// step number and CheckpointID is set when checkpointing produced a new
	// checkpoint for this step.
	SuperStepCompleted
	// WorkflowOutput carries a value yielded via BoundContext.YieldOutput.
	WorkflowOutput
	// RequestInfo announces a newly posted (or, on restore, republished)
	// external request.
	RequestInfo
	// RequestHalt signals the run has paused or ended; see §4.4 for the
	// streaming-vs-lockstep emission difference.
	RequestHalt
	// WorkflowErrorEvent carries a fatal error that is about to end the run.
	// Named with an Event suffix to avoid colliding with the WorkflowError
	// error type.
	WorkflowErrorEvent
)

func (k EventKind) String() string {
	switch k {
	case ExecutorInvoked:
		return "ExecutorInvoked"
	case ExecutorCompleted:
		return "ExecutorCompleted"
	case ExecutorFailed:
		return "ExecutorFailed"
	case SuperStepCompleted:
		return "SuperStepCompleted"
	case WorkflowOutput:
		return "WorkflowOutput"
	case RequestInfo:
		return "RequestInfo"
	case RequestHalt:
		return "RequestHalt"
	case WorkflowErrorEvent:
		return "WorkflowError"
	default:
		return "Unknown"
	}
}

// Event is one runtime observation raised by the runner or by an executor
// via BoundContext.AddEvent. Seq is strictly monotonic and contiguous within
// a run (invariant 6).
type Event struct {
	Seq        int64
	Kind       EventKind
	RunID      string
	Step       int
	ExecutorID string

	// Value carries the payload for WorkflowOutput events.
	Value any
	// Source is the originating executor id for WorkflowOutput events.
	Source string

	// Request carries the posted request for RequestInfo events.
	Request Request

	// CheckpointID is set on SuperStepCompleted when a checkpoint was taken
	// for this step.
	CheckpointID string

	// Err and ErrKind are set for ExecutorFailed and WorkflowErrorEvent.
	Err     error
	ErrKind ErrorKind

	// Meta carries arbitrary structured detail for user-level events added
	// via BoundContext.AddEvent.
	Meta map[string]any
}

// sequencer hands out strictly increasing event sequence numbers for one
// run. Separate from any other run's sequencer, matching invariant 6's
// "per run" scoping.
type sequencer struct {
	next int64
}

func (s *sequencer) nextSeq() int64 {
	return atomic.AddInt64(&s.next, 1) - 1
}
