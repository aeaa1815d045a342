package workflow

import (
	"time"

	"github.com/agentcore/workflow/workflow/emit"
)

// ExecutionMode selects one of §4.4's two event-stream delivery modes.
type ExecutionMode int

const (
	// Lockstep executes one superstep at a time and yields all of that
	// step's events as a batch before advancing. This is the default: it
	// gives a consumer a synchronous, easy-to-reason-about view of
	// execution, running superstep-by-superstep rather than free-running.
	Lockstep ExecutionMode = iota
	// Streaming delivers events to the consumer as soon as they are
	// produced, via an unbounded FIFO buffer.
	Streaming
)

func (m ExecutionMode) String() string {
	if m == Streaming {
		return "Streaming"
	}
	return "Lockstep"
}

// Option is a functional option for configuring a Runner: chainable,
// self-documenting, and composable with a base Options value.
//
//	runner, err := workflow.New(edges, host,
//	    workflow.WithMode(workflow.Streaming),
//	    workflow.WithCheckpointing(store),
//	    workflow.WithMaxConcurrentHandlers(16),
//	)
type Option func(*Options) error

// Options collects a Runner's configuration. Any field may also be set
// through its matching With* functional option; direct construction is
// supported for callers who prefer a struct literal.
type Options struct {
	// Mode selects Streaming or Lockstep event delivery (§4.4). Default Lockstep.
	Mode ExecutionMode

	// WithCheckpointing turns on automatic checkpointing before each
	// superstep completion (§4.6). Default false.
	Checkpointing   bool
	CheckpointStore CheckpointStore

	// ConcurrentRuns makes every run started from the Graph share one
	// ExecutorHost instance, so executors declared thread-safe are reused
	// across concurrent runs (§5). Default false: each run gets its own
	// ExecutorHost. Neither setting limits how many runs StartRun may have
	// in flight at once.
	ConcurrentRuns bool

	// ParallelEdgeDispatch runs handlers within one superstep concurrently,
	// ordered deterministically by OrderKey (§5). When false, handlers run
	// sequentially in edge-registration order. Default true.
	ParallelEdgeDispatch bool

	// MaxConcurrentHandlers bounds how many handlers may execute
	// concurrently within one superstep when ParallelEdgeDispatch is true.
	// Default 8.
	MaxConcurrentHandlers int

	// QueueDepth is the capacity of the parallel-dispatch frontier (§5).
	// Default 1024.
	QueueDepth int

	// BackpressureTimeout bounds how long Enqueue onto a full frontier
	// blocks before failing with ErrBackpressureTimeout. Default 30s.
	BackpressureTimeout time.Duration

	// DefaultHandlerTimeout applies to any route without its own
	// HandlerPolicy.Timeout. Default 30s. Zero disables the default (routes
	// run unbounded unless they set their own).
	DefaultHandlerTimeout time.Duration

	// RunWallClockBudget bounds a run's total wall-clock time. Default 10m;
	// zero disables the budget.
	RunWallClockBudget time.Duration

	// MaxSteps limits the number of supersteps, guarding against a graph
	// that never reaches Idle/Completed. Default 0 (no limit).
	MaxSteps int

	// Metrics, when set, records Prometheus metrics for every superstep,
	// retry, and backpressure event.
	Metrics *PrometheusMetrics

	// Emitter receives observability events alongside the run's own Event
	// stream — a side channel for logging/tracing sinks that sit outside
	// the public event API.
	Emitter emit.Emitter
}

// defaultOptions returns the configuration applied when no options are given.
func defaultOptions() Options {
	return Options{
		Mode:                  Lockstep,
		ParallelEdgeDispatch:  true,
		MaxConcurrentHandlers: 8,
		QueueDepth:            1024,
		BackpressureTimeout:   30 * time.Second,
		DefaultHandlerTimeout: 30 * time.Second,
		RunWallClockBudget:    10 * time.Minute,
		Emitter:               emit.NewNullEmitter(),
	}
}

// WithMode selects Streaming or Lockstep event delivery (§4.4).
func WithMode(mode ExecutionMode) Option {
	return func(o *Options) error {
		o.Mode = mode
		return nil
	}
}

// WithCheckpointing turns on automatic checkpointing and binds the store
// that checkpoints are persisted to (§4.6). Required if RestoreCheckpoint
// will ever be called.
func WithCheckpointing(store CheckpointStore) Option {
	return func(o *Options) error {
		o.Checkpointing = true
		o.CheckpointStore = store
		return nil
	}
}

// WithConcurrentRuns sets Options.ConcurrentRuns: when enabled, all runs of
// the Graph share one ExecutorHost. It does not limit simultaneous runs
// either way.
func WithConcurrentRuns(enabled bool) Option {
	return func(o *Options) error {
		o.ConcurrentRuns = enabled
		return nil
	}
}

// WithParallelEdgeDispatch toggles concurrent handler dispatch within a
// superstep. Disable for workflows whose handlers are not safe to run
// concurrently against shared state outside the StateManager.
func WithParallelEdgeDispatch(enabled bool) Option {
	return func(o *Options) error {
		o.ParallelEdgeDispatch = enabled
		return nil
	}
}

// WithMaxConcurrentHandlers bounds concurrent handler dispatch. Only takes
// effect when ParallelEdgeDispatch is enabled.
func WithMaxConcurrentHandlers(n int) Option {
	return func(o *Options) error {
		o.MaxConcurrentHandlers = n
		return nil
	}
}

// WithQueueDepth sets the parallel dispatch frontier's capacity.
func WithQueueDepth(n int) Option {
	return func(o *Options) error {
		o.QueueDepth = n
		return nil
	}
}

// WithBackpressureTimeout sets the maximum time Enqueue blocks against a
// full frontier before failing with ErrBackpressureTimeout.
func WithBackpressureTimeout(d time.Duration) Option {
	return func(o *Options) error {
		o.BackpressureTimeout = d
		return nil
	}
}

// WithDefaultHandlerTimeout sets the timeout applied to routes without
// their own HandlerPolicy.Timeout.
func WithDefaultHandlerTimeout(d time.Duration) Option {
	return func(o *Options) error {
		o.DefaultHandlerTimeout = d
		return nil
	}
}

// WithRunWallClockBudget bounds a run's total wall-clock time.
func WithRunWallClockBudget(d time.Duration) Option {
	return func(o *Options) error {
		o.RunWallClockBudget = d
		return nil
	}
}

// WithMaxSteps limits the number of supersteps a run may execute.
func WithMaxSteps(n int) Option {
	return func(o *Options) error {
		o.MaxSteps = n
		return nil
	}
}

// WithMetrics enables Prometheus metrics collection for this runner.
func WithMetrics(metrics *PrometheusMetrics) Option {
	return func(o *Options) error {
		o.Metrics = metrics
		return nil
	}
}

// WithEmitter sets the observability sink for engine-level events (separate
// from the public Event stream a Run exposes via TakeEventStream).
func WithEmitter(emitter emit.Emitter) Option {
	return func(o *Options) error {
		o.Emitter = emitter
		return nil
	}
}

// applyOptions starts from defaultOptions and folds in each Option in order.
func applyOptions(opts []Option) (Options, error) {
	o := defaultOptions()
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return Options{}, err
		}
	}
	return o, nil
}
