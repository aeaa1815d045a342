package workflow

import (
	"context"
	"fmt"
)

// Graph is a validated, reusable workflow definition: an edge map plus the
// executor factories that populate a fresh ExecutorHost for each run (§4.2's
// per-run executor lifecycle). Build once with New, then call StartRun as
// many times as needed against a configured, reusable Graph.
type Graph struct {
	edges     *EdgeMap
	factories map[string]func() Executor
	opts      Options

	// sharedHost is non-nil only when Options.ConcurrentRuns is set, in
	// which case every run shares one ExecutorHost instance so executors
	// declared thread-safe may be reused across concurrent runs (§5).
	sharedHost *ExecutorHost
}

// New validates edges against host's registered executors — every edge
// source, target, join source and port handler must resolve to a known id,
// and a start executor must be configured — and builds each registered
// executor's route table once, so a route configuration error such as
// ErrDuplicateHandler is returned here. It then returns a reusable Graph.
func New(edges *EdgeMap, host *ExecutorHost, opts ...Option) (*Graph, error) {
	resolved, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}
	if resolved.Checkpointing && resolved.CheckpointStore == nil {
		return nil, ErrNoCheckpointStore
	}
	if err := validateGraph(edges, host); err != nil {
		return nil, err
	}

	factories := make(map[string]func() Executor, len(host.factories))
	for id, f := range host.factories {
		factories[id] = f
	}

	g := &Graph{edges: edges, factories: factories, opts: resolved}
	if resolved.ConcurrentRuns {
		g.sharedHost = g.newHost()
	}
	return g, nil
}

func validateGraph(edges *EdgeMap, host *ExecutorHost) error {
	start := edges.start
	if start == "" {
		return ErrNoStartExecutor
	}
	if !host.Known(start) {
		return fmt.Errorf("%w: start executor %q", ErrUnknownExecutor, start)
	}
	for _, e := range edges.byID {
		if e.from != "" && !host.Known(e.from) {
			return fmt.Errorf("%w: edge %q source %q", ErrUnknownExecutor, e.id, e.from)
		}
		for _, src := range e.JoinSources {
			if !host.Known(src) {
				return fmt.Errorf("%w: edge %q join source %q", ErrUnknownExecutor, e.id, src)
			}
		}
		for _, t := range e.to {
			if !host.Known(t) {
				return fmt.Errorf("%w: edge %q target %q", ErrUnknownExecutor, e.id, t)
			}
		}
	}
	for portID, execID := range edges.ports {
		if !host.Known(execID) {
			return fmt.Errorf("%w: port %q handler %q", ErrUnknownExecutor, portID, execID)
		}
	}
	for id, f := range host.factories {
		rb := newRouteBuilder()
		f().ConfigureRoutes(rb)
		if _, err := rb.build(); err != nil {
			return &RunnerError{Message: "configuring routes for " + id, Code: "ROUTE_CONFIGURATION", Cause: err}
		}
	}
	return nil
}

func (g *Graph) newHost() *ExecutorHost {
	host := NewExecutorHost()
	for id, f := range g.factories {
		host.Register(id, f)
	}
	return host
}

// StartRun launches a new run on its own goroutine and returns a handle to
// it immediately; the run begins executing once input is enqueued.
func (g *Graph) StartRun(ctx context.Context, runID string) *RunHandle {
	host := g.sharedHost
	if host == nil {
		host = g.newHost()
	}

	runner := newRunner(runID, g.edges, host, g.opts)
	runCtx, cancel := context.WithCancel(ctx)
	runner.cancel = cancel

	go runner.run(runCtx)
	return &RunHandle{runner: runner}
}

// RunHandle is the embedding application's view of one in-flight or
// completed run (§4.5).
type RunHandle struct {
	runner *Runner
}

// RunID returns the run's identifier.
func (rh *RunHandle) RunID() string { return rh.runner.runID }

// EnqueueInput validates value's type against the start executor's declared
// input types and, if compatible, deposits it for delivery at the start of
// the next superstep. declaredType is optional; when omitted, the type tag
// is inferred from value's registered type. Returns false (not an error) on
// a type mismatch, per §4.5.
func (rh *RunHandle) EnqueueInput(value any, declaredType ...TypeTag) (bool, error) {
	if rh.runner.GetStatus() == Completed {
		return false, ErrRunEnded
	}

	var tag TypeTag
	if len(declaredType) > 0 {
		tag = declaredType[0]
	} else {
		t, ok := TypeTagOf(value)
		if !ok {
			return false, fmt.Errorf("workflow: value has no registered type tag")
		}
		tag = t
	}

	startID := rh.runner.edges.StartExecutor()
	bc := newBoundContext(startID, rh.runner.runtimeAccess(), nil, nil)
	entry, err := rh.runner.host.EnsureExecutor(startID, bc)
	if err != nil {
		return false, err
	}
	if !acceptsType(entry.instance.InputTypes(), tag) {
		return false, nil
	}

	env := NewEnvelope(value, tag, External, "", nil)
	rh.runner.extMu.Lock()
	rh.runner.pendingInputs = append(rh.runner.pendingInputs, externalInput{envelope: env})
	rh.runner.extMu.Unlock()
	rh.runner.signalWork()
	return true, nil
}

func acceptsType(accepted []TypeTag, tag TypeTag) bool {
	for _, t := range accepted {
		if t == tag {
			return true
		}
	}
	return false
}

// EnqueueResponse routes a response to the executor bound to its request's
// port. Returns ErrUnknownRequestID synchronously, without emitting any
// event, if no outstanding request matches (§8 scenario 6).
func (rh *RunHandle) EnqueueResponse(resp Response) error {
	if rh.runner.GetStatus() == Completed {
		return ErrRunEnded
	}
	if !rh.runner.requests.contains(resp.RequestID) {
		return ErrUnknownRequestID
	}

	rh.runner.extMu.Lock()
	rh.runner.pendingResponses = append(rh.runner.pendingResponses, externalResponseItem{response: resp})
	rh.runner.extMu.Unlock()
	rh.runner.signalWork()
	return nil
}

// GetStatus returns the run's current position in the §4.3 state machine.
func (rh *RunHandle) GetStatus() RunStatus {
	return rh.runner.GetStatus()
}

// RequestEndRun cooperatively cancels the run: every suspend point (handler
// timeouts, waitForWork, the wall-clock budget) observes the cancellation
// and the run transitions to Completed once the in-flight superstep drains.
func (rh *RunHandle) RequestEndRun() {
	if rh.runner.cancel != nil {
		rh.runner.cancel()
	}
	rh.runner.signalWork()
}

// TakeEventStream returns a channel of events bound to the run's current
// epoch. Only one enumerator may be active at a time; a concurrent second
// call fails with ErrConcurrentEnumeration and does not disturb the first
// (§4.4, §8 scenario 5). The channel closes when breakOnHalt is true and a
// RequestHalt event is drained, when ctx is cancelled, or when a checkpoint
// restore bumps the epoch out from under this enumerator.
func (rh *RunHandle) TakeEventStream(ctx context.Context, breakOnHalt bool) (<-chan Event, error) {
	epoch, err := rh.runner.events.acquireEnumerator()
	if err != nil {
		return nil, err
	}

	ch := make(chan Event)
	go func() {
		defer close(ch)
		defer rh.runner.events.releaseEnumerator()
		for {
			events, end, err := rh.runner.events.next(ctx, epoch, breakOnHalt)
			if err != nil {
				return
			}
			for _, e := range events {
				select {
				case ch <- e:
				case <-ctx.Done():
					return
				}
			}
			if end {
				return
			}
		}
	}()
	return ch, nil
}

// Checkpoints lists the ids of every checkpoint persisted for this run, in
// save order.
func (rh *RunHandle) Checkpoints(ctx context.Context) ([]string, error) {
	if rh.runner.ckpt.store == nil {
		return nil, ErrNoCheckpointStore
	}
	return rh.runner.ckpt.store.List(ctx, rh.runner.runID)
}

// RestoreCheckpoint reinstantiates the run's live state from a previously
// saved checkpoint (§4.6). Only valid between supersteps — call it while
// GetStatus reports Idle or PendingRequests, never from inside a handler or
// concurrently with an in-flight superstep.
func (rh *RunHandle) RestoreCheckpoint(ctx context.Context, checkpointID string) error {
	if err := rh.runner.ckpt.restore(ctx, rh.runner, checkpointID); err != nil {
		return err
	}
	rh.runner.signalWork()
	return nil
}

// Wait blocks until the run reaches Completed or ctx is cancelled.
func (rh *RunHandle) Wait(ctx context.Context) error {
	select {
	case <-rh.runner.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
