package workflow

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/agentcore/workflow/workflow/emit"
)

// RunStatus is the superstep engine's state machine position (§4.3):
// NotStarted → Running → (Idle | PendingRequests) → Running → … → Completed.
type RunStatus int

const (
	NotStarted RunStatus = iota
	Running
	Idle
	PendingRequests
	Completed
)

func (s RunStatus) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case Running:
		return "Running"
	case Idle:
		return "Idle"
	case PendingRequests:
		return "PendingRequests"
	case Completed:
		return "Completed"
	default:
		return "Unknown"
	}
}

// externalInput is a value enqueued via RunHandle.EnqueueInput, waiting to
// be drained into the graph at the start of the next superstep.
type externalInput struct {
	envelope *Envelope
}

// externalResponseItem is a Response enqueued via RunHandle.EnqueueResponse.
// It carries only the response; drainExternal resolves the matching Request
// from the registry to learn which port (and therefore which declared type)
// to route it through.
type externalResponseItem struct {
	response Response
}

// Runner drives one run's superstep loop. It is the single owner (§5) of
// the step buffers, the executor cache and the outstanding-requests
// registry — every field below is touched only from the loop goroutine
// started by run(), except where a method's doc says otherwise.
type Runner struct {
	runID string
	edges *EdgeMap
	host  *ExecutorHost
	state *StateManager

	requests *requestRegistry
	events   *eventSink
	ckpt     *checkpointEngine
	opts     Options
	rng      *rand.Rand

	step     int
	status   RunStatus
	statusMu sync.RWMutex

	current  *StepContext // this step's frozen work
	nextStep *StepContext // accumulating for the following step
	nextMu   sync.Mutex   // guards nextStep.append across concurrent handler dispatch
	halt     *haltFlag

	pendingInputs    []externalInput
	pendingResponses []externalResponseItem
	extMu            sync.Mutex

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}

	checkpointIDs []string
}

// newRunner constructs a Runner bound to one run id, with empty step
// buffers and a freshly seeded deterministic RNG.
func newRunner(runID string, edges *EdgeMap, host *ExecutorHost, opts Options) *Runner {
	var ckptStore CheckpointStore
	if opts.Checkpointing {
		ckptStore = opts.CheckpointStore
	}
	return &Runner{
		runID:    runID,
		edges:    edges,
		host:     host,
		state:    NewStateManager(),
		requests: newRequestRegistry(),
		events:   newEventSink(opts.Mode),
		ckpt:     newCheckpointEngine(ckptStore),
		opts:     opts,
		rng:      initRNG(runID),
		status:   NotStarted,
		current:  newStepContext(),
		nextStep: newStepContext(),
		halt:     &haltFlag{},
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (r *Runner) setStatus(s RunStatus) {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	r.status = s
}

// GetStatus returns the run's current position in the state machine.
func (r *Runner) GetStatus() RunStatus {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	return r.status
}

// runtimeAccess returns the narrow slice of runner state a BoundContext may
// touch, bound to the current step number.
func (r *Runner) runtimeAccess() *runtimeAccess {
	return &runtimeAccess{
		nextStep: r.nextStep,
		nextMu:   &r.nextMu,
		edges:    r.edges,
		requests: r.requests,
		state:    r.state,
		events:   r.events,
		runID:    r.runID,
		step:     r.step,
		halt:     r.halt,
	}
}

// deliverFromHandler applies the outcome of a BoundContext.SendMessage call:
// an explicit target bypasses the edge map (direct addressing); Broadcast or
// an empty target is routed through every edge registered from senderID,
// per §4.1.
func (rt *runtimeAccess) deliverFromHandler(senderID string, env *Envelope) error {
	if env.TargetID() != "" && env.TargetID() != Broadcast {
		rt.nextMu.Lock()
		rt.nextStep.append(senderID, env)
		rt.nextMu.Unlock()
		return nil
	}

	edges := rt.edges.EdgesFrom(senderID)
	for _, e := range edges {
		mapping, err := rt.edges.PrepareDeliveryForEdge(e, senderID, env)
		if err != nil {
			return err
		}
		if mapping == nil {
			continue
		}
		rt.nextMu.Lock()
		for _, t := range mapping.Targets {
			rt.nextStep.append(mapping.SenderID, t.Envelope)
		}
		rt.nextMu.Unlock()
	}
	return nil
}

// run executes the superstep loop until the run reaches Completed or ctx is
// cancelled. It is started once by RunHandle and runs on its own goroutine.
func (r *Runner) run(ctx context.Context) {
	defer close(r.done)

	runCtx := ctx
	var cancelBudget context.CancelFunc
	if r.opts.RunWallClockBudget > 0 {
		runCtx, cancelBudget = context.WithTimeout(ctx, r.opts.RunWallClockBudget)
		defer cancelBudget()
	}

	if !r.waitForWork(runCtx) {
		r.finish(runCtx.Err())
		return
	}
	r.setStatus(Running)
	for {
		select {
		case <-runCtx.Done():
			r.finish(runCtx.Err())
			return
		default:
		}

		if r.opts.MaxSteps > 0 && r.step >= r.opts.MaxSteps {
			r.finish(&RunnerError{Message: "max steps exceeded", Code: "MAX_STEPS_EXCEEDED", Cause: ErrMaxStepsExceeded})
			return
		}

		fatal := r.runSuperstep(runCtx)
		if fatal != nil {
			r.finish(fatal)
			return
		}

		if r.halt.isRequested() && r.nextStep.isEmpty() {
			r.finish(nil)
			return
		}

		if r.nextStep.isEmpty() {
			if !r.waitForWork(runCtx) {
				r.finish(runCtx.Err())
				return
			}
		}
	}
}

// runSuperstep executes one iteration of §4.3's seven-step algorithm.
// Returns a non-nil error only for a fatal condition that ends the run.
func (r *Runner) runSuperstep(ctx context.Context) error {
	start := time.Now()
	r.step++

	// Lockstep mode: hold every event emitted this step (including those
	// from drainExternal's error reporting and handler invocations) until
	// endStep, so a consumer never observes a partial superstep (§4.4,
	// §8). Streaming mode ignores this bracket entirely.
	r.events.beginStep()
	defer r.events.endStep()

	// 1. Drain external deliveries serially.
	r.drainExternal()

	// 2. Swap step buffer.
	r.current, r.nextStep = r.nextStep, newStepContext()

	// 3. Deliver.
	if err := r.deliverStep(ctx); err != nil {
		r.recordSuperstepLatency(start, "fatal")
		return err
	}

	// 4. Publish state.
	r.state.PublishUpdates()

	// 5. Emit SuperStepCompleted, checkpointing first if enabled so the
	// event can carry the checkpoint id.
	var checkpointID string
	if r.opts.Checkpointing {
		id, err := r.ckpt.save(ctx, r, "")
		if err != nil {
			r.recordSuperstepLatency(start, "fatal")
			return err
		}
		checkpointID = id
		r.checkpointIDs = append(r.checkpointIDs, id)
	}
	r.events.emit(Event{
		Kind: SuperStepCompleted, RunID: r.runID, Step: r.step, CheckpointID: checkpointID,
	})
	r.recordSuperstepLatency(start, "ok")

	// 6. Decide next. Idle/PendingRequests are status transitions observed
	// through GetStatus, not events: a RequestHalt event is reserved for an
	// explicit BoundContext.RequestHalt call or the run's actual end (§8
	// scenario 2 emits no RequestHalt while merely waiting on a response).
	if !r.nextStep.isEmpty() {
		r.setStatus(Running)
		return nil
	}
	if !r.requests.isEmpty() {
		r.setStatus(PendingRequests)
	} else {
		r.setStatus(Idle)
	}
	return nil
}

// drainExternal applies every queued input/response to the step buffer, in
// arrival order. Never parallelized: both mutate edge/port state.
func (r *Runner) drainExternal() {
	r.extMu.Lock()
	inputs := r.pendingInputs
	responses := r.pendingResponses
	r.pendingInputs = nil
	r.pendingResponses = nil
	r.extMu.Unlock()

	for _, in := range inputs {
		mapping, err := r.edges.PrepareDeliveryForInput(in.envelope)
		if err != nil {
			r.events.emit(Event{Kind: WorkflowErrorEvent, RunID: r.runID, Step: r.step, Err: err, ErrKind: Fatal})
			continue
		}
		for _, t := range mapping.Targets {
			r.nextStep.append(mapping.SenderID, t.Envelope)
		}
	}

	for _, resp := range responses {
		req, ok := r.requests.resolve(resp.response.RequestID)
		if !ok {
			r.events.emit(Event{
				Kind: WorkflowErrorEvent, RunID: r.runID, Step: r.step,
				Err: fmt.Errorf("%w: %s", ErrUnknownRequestID, resp.response.RequestID), ErrKind: Recoverable,
			})
			continue
		}
		tag, _ := TypeTagOf(resp.response.Payload)
		mapping, err := r.edges.PrepareDeliveryForResponse(req.PortID, resp.response, tag)
		if err != nil {
			r.events.emit(Event{Kind: WorkflowErrorEvent, RunID: r.runID, Step: r.step, Err: err, ErrKind: Fatal})
			continue
		}
		for _, t := range mapping.Targets {
			r.nextStep.append(mapping.SenderID, t.Envelope)
		}
	}
}

// deliverStep invokes the handler addressed by each buffered envelope's
// target id. When ParallelEdgeDispatch is enabled, envelopes across
// distinct senders are dispatched concurrently through a bounded, ordered
// frontier (§5); otherwise they run sequentially in sender-registration
// order.
func (r *Runner) deliverStep(ctx context.Context) error {
	senders := r.current.senders()
	if len(senders) == 0 {
		return nil
	}

	if r.opts.Metrics != nil {
		r.opts.Metrics.UpdateFrontierDepth(r.current.count())
	}

	if !r.opts.ParallelEdgeDispatch {
		for _, sender := range senders {
			for idx, env := range r.current.envelopesFrom(sender) {
				if err := r.invoke(ctx, sender, env, idx); err != nil {
					return err
				}
			}
		}
		return nil
	}

	return r.deliverStepParallel(ctx, senders)
}

func (r *Runner) deliverStepParallel(ctx context.Context, senders []string) error {
	f := newFrontier(r.opts.QueueDepth)
	bpCtx, cancel := context.WithTimeout(ctx, r.opts.BackpressureTimeout)
	defer cancel()

	total := 0
	for _, sender := range senders {
		for idx, env := range r.current.envelopesFrom(sender) {
			item := dispatchItem{SenderID: sender, Envelope: env, OrderKey: computeOrderKey(sender, idx)}
			if err := f.Enqueue(bpCtx, item); err != nil {
				if r.opts.Metrics != nil {
					r.opts.Metrics.IncrementBackpressure(r.runID, "frontier_full")
				}
				return &RunnerError{Message: "backpressure timeout enqueuing dispatch item", Code: "BACKPRESSURE_TIMEOUT", Cause: ErrBackpressureTimeout}
			}
			total++
		}
	}

	concurrency := r.opts.MaxConcurrentHandlers
	if concurrency <= 0 {
		concurrency = 1
	}
	if concurrency > total {
		concurrency = total
	}

	errs := make(chan error, total)
	var wg sync.WaitGroup
	sem := make(chan struct{}, concurrency)

	for i := 0; i < total; i++ {
		item, err := f.Dequeue(bpCtx)
		if err != nil {
			errs <- err
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(it dispatchItem) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := r.invoke(ctx, it.SenderID, it.Envelope, 0); err != nil {
				errs <- err
			}
		}(item)
	}
	wg.Wait()
	close(errs)

	if r.opts.Metrics != nil {
		r.opts.Metrics.UpdateInflightExecutors(0)
	}

	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// invoke runs the handler addressed by env.TargetID(), applying the route's
// retry policy (if any) and classifying any returned error per §4.7.
// Returns a non-nil error only when the failure is fatal to the run; a
// recoverable failure is reported as an ExecutorFailed event and absorbed.
func (r *Runner) invoke(ctx context.Context, _ string, env *Envelope, _ int) error {
	targetID := env.TargetID()
	bc := newBoundContext(targetID, r.runtimeAccess(), env.TraceContext(), nil)

	entry, err := r.host.EnsureExecutor(targetID, bc)
	if err != nil {
		return &RunnerError{Message: "instantiating executor " + targetID, Code: "EXECUTOR_INIT", Cause: err}
	}

	handler, ok := entry.routes.resolve(env.DeclaredType())
	if !ok {
		r.events.emit(Event{
			Kind: ExecutorFailed, RunID: r.runID, Step: r.step, ExecutorID: targetID,
			Err: ErrIncompatibleInputType, ErrKind: Recoverable,
		})
		return nil
	}
	policy := entry.routes.policyFor(env.DeclaredType())

	r.events.emit(Event{Kind: ExecutorInvoked, RunID: r.runID, Step: r.step, ExecutorID: targetID})

	result, callErr := r.invokeWithRetry(ctx, handler, targetID, env.Value(), bc, policy)
	if callErr != nil {
		var execErr *ExecutorError
		kind := Fatal
		if eerr, ok := callErr.(*ExecutorError); ok {
			execErr = eerr
			kind = eerr.Kind
		} else {
			execErr = &ExecutorError{Message: callErr.Error(), Code: "HANDLER_ERROR", ExecutorID: targetID, Kind: Fatal, Cause: callErr}
		}
		r.events.emit(Event{
			Kind: ExecutorFailed, RunID: r.runID, Step: r.step, ExecutorID: targetID,
			Err: execErr, ErrKind: kind,
		})
		if kind == Recoverable {
			return nil
		}
		r.events.emit(Event{Kind: WorkflowErrorEvent, RunID: r.runID, Step: r.step, ExecutorID: targetID, Err: execErr, ErrKind: kind})
		return execErr
	}

	r.events.emit(Event{Kind: ExecutorCompleted, RunID: r.runID, Step: r.step, ExecutorID: targetID})

	if result != nil {
		if tag, ok := TypeTagOf(result); ok {
			resultEnv := NewEnvelope(result, tag, targetID, "", env.TraceContext())
			if err := r.runtimeAccess().deliverFromHandler(targetID, resultEnv); err != nil {
				return err
			}
		}
	}
	return nil
}

// invokeWithRetry applies policy's RetryPolicy (if any) across Recoverable
// failures, using the run's seeded RNG for reproducible backoff jitter.
func (r *Runner) invokeWithRetry(ctx context.Context, h Handler, executorID string, value any, bc *BoundContext, policy *HandlerPolicy) (any, error) {
	maxAttempts := 1
	var retry *RetryPolicy
	if policy != nil && policy.RetryPolicy != nil {
		retry = policy.RetryPolicy
		maxAttempts = retry.MaxAttempts
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		result, err := callWithTimeout(ctx, h, executorID, value, bc, policy, r.opts.DefaultHandlerTimeout)
		if err == nil {
			return result, nil
		}
		lastErr = err

		execErr, ok := err.(*ExecutorError)
		recoverable := ok && execErr.Kind == Recoverable
		if !recoverable || retry == nil || retry.Retryable == nil || !retry.Retryable(err) {
			return result, err
		}
		if attempt == maxAttempts-1 {
			break
		}
		if r.opts.Metrics != nil {
			r.opts.Metrics.IncrementRetries(r.runID, executorID, "recoverable_error")
		}
		delay := computeBackoff(attempt, retry.BaseDelay, retry.MaxDelay, r.rng)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (r *Runner) recordSuperstepLatency(start time.Time, status string) {
	if r.opts.Metrics != nil {
		r.opts.Metrics.RecordSuperstepLatency(r.runID, time.Since(start), status)
	}
	r.opts.Emitter.Emit(emit.Event{RunID: r.runID, Step: r.step, ExecutorID: "", Msg: "superstep_completed", Meta: map[string]any{"status": status}})
}

// waitForWork blocks until new input/response work arrives, RequestEndRun
// fires, or ctx is cancelled.
func (r *Runner) waitForWork(ctx context.Context) bool {
	select {
	case <-r.wake:
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *Runner) signalWork() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// finish transitions the run to Completed, recording err (if any) as a
// terminal WorkflowError event. RequestHalt is emitted here only if no
// handler already raised one during the run (haltFlag.request reports
// whether this is the first call), so a run ended by an executor's own
// RequestHalt never produces two halt events.
func (r *Runner) finish(err error) {
	if err != nil {
		r.events.emit(Event{Kind: WorkflowErrorEvent, RunID: r.runID, Step: r.step, Err: err, ErrKind: Fatal})
	}
	if r.halt.request() {
		r.events.emit(Event{Kind: RequestHalt, RunID: r.runID, Step: r.step})
	}
	r.setStatus(Completed)
	r.host.DisposeAll()
}
