package workflow

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/trace"
)

// Handler is the single internal handler shape every route collapses to
// (§9 "Polymorphism over handler shapes"): a typed or catch-all handler
// receives the payload, a BoundContext, and the handler's own cancellation
// context, and returns an optional result value plus an error.
type Handler func(ctx context.Context, value any, bc *BoundContext) (result any, err error)

// Executor is the interface the core consumes from user-defined processing
// units (§6). Ids are stable strings; instances are created lazily by the
// ExecutorHost and cached for the run.
type Executor interface {
	ID() string
	InputTypes() []TypeTag
	OutputTypes() []TypeTag

	// ConfigureRoutes registers typed handlers and an optional catch-all on
	// the supplied builder. Called once, at instantiation time.
	ConfigureRoutes(r *RouteBuilder)

	// Initialize runs once per instance, before the first message is
	// dispatched to it.
	Initialize(bc *BoundContext) error

	// OnCheckpointing returns a serialized state blob taken between
	// supersteps when checkpointing is enabled.
	OnCheckpointing(bc *BoundContext) ([]byte, error)
	// OnCheckpointRestored re-applies a previously saved blob to a freshly
	// reinstantiated executor.
	OnCheckpointRestored(blob []byte, bc *BoundContext) error

	// Dispose runs once, at run end.
	Dispose()
}

// RouteBuilder collects the handler registrations an Executor declares in
// ConfigureRoutes. Registering two handlers for the same type without
// HandleOverride is an error (§4.2), surfaced at graph-construction time by
// New, which builds every registered executor's routes once.
type RouteBuilder struct {
	typed    map[TypeTag]Handler
	policies map[TypeTag]*HandlerPolicy
	catchAll Handler
	err      error
}

func newRouteBuilder() *RouteBuilder {
	return &RouteBuilder{typed: make(map[TypeTag]Handler), policies: make(map[TypeTag]*HandlerPolicy)}
}

// Policy attaches a HandlerPolicy (timeout, retry) to the route already
// registered for tag. Call after Handle/HandleOverride for that tag.
func (r *RouteBuilder) Policy(tag TypeTag, policy *HandlerPolicy) *RouteBuilder {
	r.policies[tag] = policy
	return r
}

// Handle registers h for messages whose declared type is tag.
func (r *RouteBuilder) Handle(tag TypeTag, h Handler) *RouteBuilder {
	return r.handle(tag, h, false)
}

// HandleOverride registers h for tag even if a handler is already
// registered, replacing it instead of raising ErrDuplicateHandler.
func (r *RouteBuilder) HandleOverride(tag TypeTag, h Handler) *RouteBuilder {
	return r.handle(tag, h, true)
}

func (r *RouteBuilder) handle(tag TypeTag, h Handler, override bool) *RouteBuilder {
	if _, exists := r.typed[tag]; exists && !override {
		r.err = fmt.Errorf("%w: type %q", ErrDuplicateHandler, tag)
		return r
	}
	r.typed[tag] = h
	return r
}

// CatchAll registers h to receive any message with no matching typed
// handler. A single catch-all handler is supported per executor.
func (r *RouteBuilder) CatchAll(h Handler) *RouteBuilder {
	r.catchAll = h
	return r
}

// routeTable is the resolved, read-only form of a RouteBuilder's
// registrations, cached alongside the executor instance.
type routeTable struct {
	typed    map[TypeTag]Handler
	policies map[TypeTag]*HandlerPolicy
	catchAll Handler
}

func (r *RouteBuilder) build() (*routeTable, error) {
	if r.err != nil {
		return nil, r.err
	}
	return &routeTable{typed: r.typed, policies: r.policies, catchAll: r.catchAll}, nil
}

func (rt *routeTable) resolve(tag TypeTag) (Handler, bool) {
	if h, ok := rt.typed[tag]; ok {
		return h, true
	}
	if rt.catchAll != nil {
		return rt.catchAll, true
	}
	return nil, false
}

// policyFor returns the HandlerPolicy attached to tag's route, if any.
func (rt *routeTable) policyFor(tag TypeTag) *HandlerPolicy {
	return rt.policies[tag]
}

// BoundContext is the per-executor view of the runner exposed to handler
// and lifecycle calls (§4.2, §6): send, yield, external requests, state,
// events, halt and cancellation, plus the trace context forwarded from the
// envelope that triggered the call.
type BoundContext struct {
	executorID   string
	runtime      *runtimeAccess
	traceContext map[string]string
	span         trace.Span
}

// runtimeAccess is the narrow slice of runner internals a BoundContext is
// allowed to touch. Keeping it as its own small struct (rather than handing
// the whole runner to BoundContext) makes the single-owner boundary from §5
// explicit: a BoundContext can deposit work and read/write state, but
// cannot reach into the step buffer or executor cache directly.
type runtimeAccess struct {
	nextStep *StepContext
	nextMu   *sync.Mutex // guards nextStep when handlers are dispatched in parallel
	edges    *EdgeMap
	requests *requestRegistry
	state    *StateManager
	events   *eventSink
	runID    string
	step     int
	halt     *haltFlag
}

type haltFlag struct {
	mu        sync.Mutex
	requested bool
}

func (h *haltFlag) request() (first bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	first = !h.requested
	h.requested = true
	return first
}

func (h *haltFlag) isRequested() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.requested
}

func newBoundContext(executorID string, rt *runtimeAccess, traceContext map[string]string, span trace.Span) *BoundContext {
	if span == nil {
		span = trace.SpanFromContext(context.Background())
	}
	return &BoundContext{executorID: executorID, runtime: rt, traceContext: traceContext, span: span}
}

// SendMessage deposits value into the next step's buffer. A concrete
// targetID addresses that executor directly, bypassing the edge map;
// Broadcast or an empty target routes it through every edge registered
// from this executor, exactly like a handler's returned result.
func (bc *BoundContext) SendMessage(value any, targetID string) error {
	tag, ok := TypeTagOf(value)
	if !ok {
		return &ExecutorError{Message: "value has no registered TypeTag", Code: "UNREGISTERED_TYPE", ExecutorID: bc.executorID}
	}
	env := NewEnvelope(value, tag, bc.executorID, targetID, bc.traceContext)
	return bc.runtime.deliverFromHandler(bc.executorID, env)
}

// YieldOutput raises a WorkflowOutput event carrying value, attributed to
// this executor.
func (bc *BoundContext) YieldOutput(value any) {
	bc.runtime.events.emit(Event{
		Kind: WorkflowOutput, RunID: bc.runtime.runID, Step: bc.runtime.step,
		ExecutorID: bc.executorID, Source: bc.executorID, Value: value,
	})
}

// PostExternalRequest atomically registers req in the outstanding-requests
// registry and emits a RequestInfo event.
func (bc *BoundContext) PostExternalRequest(req Request) {
	bc.runtime.requests.post(req)
	bc.runtime.events.emit(Event{
		Kind: RequestInfo, RunID: bc.runtime.runID, Step: bc.runtime.step,
		ExecutorID: bc.executorID, Request: req,
	})
}

// ReadState reads (executorID, scope, key) from the pre-step base map.
func (bc *BoundContext) ReadState(key, scope string) (any, bool) {
	return bc.runtime.state.Read(bc.executorID, scope, key)
}

// WriteState stages a write to the pending overlay, visible from the next
// step onward.
func (bc *BoundContext) WriteState(key string, value any, scope string) {
	bc.runtime.state.Write(bc.executorID, scope, key, value)
}

// ClearScope stages the removal of every key in scope.
func (bc *BoundContext) ClearScope(scope string) {
	bc.runtime.state.ClearScope(bc.executorID, scope)
}

// AddEvent emits a user-level event with the given metadata.
func (bc *BoundContext) AddEvent(meta map[string]any) {
	bc.runtime.events.emit(Event{
		Kind: ExecutorCompleted, RunID: bc.runtime.runID, Step: bc.runtime.step,
		ExecutorID: bc.executorID, Meta: meta,
	})
}

// RequestHalt signals that the run should pause or end. Multiple calls
// within a step coalesce into a single RequestHalt event (the testable
// "halt idempotence" property, §8).
func (bc *BoundContext) RequestHalt() {
	if bc.runtime.halt.request() {
		bc.runtime.events.emit(Event{
			Kind: RequestHalt, RunID: bc.runtime.runID, Step: bc.runtime.step,
			ExecutorID: bc.executorID,
		})
	}
}

// TraceContext returns the read-only trace metadata forwarded from the
// envelope that triggered the current handler call.
func (bc *BoundContext) TraceContext() map[string]string { return bc.traceContext }

// Span returns the OpenTelemetry span bound to this context, so handlers
// that make their own external calls can nest their spans under it. The
// runner starts no span per handler call, so the contexts it builds carry
// a no-op span. Never nil.
func (bc *BoundContext) Span() trace.Span { return bc.span }

// executorEntry is the host's cache record for one instantiated executor:
// the instance and its resolved route table. An entry is cached only after
// Initialize has succeeded.
type executorEntry struct {
	instance Executor
	routes   *routeTable
}

// ExecutorHost instantiates executors lazily and caches each instance with
// its route table (§4.2). EnsureExecutor is called from the runner
// goroutine, from RunHandle.EnqueueInput, and from handler goroutines when
// parallel edge dispatch is on, so every cache access holds mu.
type ExecutorHost struct {
	mu        sync.RWMutex
	factories map[string]func() Executor
	cache     map[string]*executorEntry
}

// NewExecutorHost returns a host with no registered factories.
func NewExecutorHost() *ExecutorHost {
	return &ExecutorHost{
		factories: make(map[string]func() Executor),
		cache:     make(map[string]*executorEntry),
	}
}

// Register binds an executor id to the factory that constructs it. Ids must
// be resolved before the run begins (§9 "unbound ids must be resolved
// before the run begins").
func (h *ExecutorHost) Register(id string, factory func() Executor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.factories[id] = factory
}

// Known reports whether id has a registered factory.
func (h *ExecutorHost) Known(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.factories[id]
	return ok
}

// EnsureExecutor returns the cached instance for id, constructing and
// initializing it on first call.
func (h *ExecutorHost) EnsureExecutor(id string, initBC *BoundContext) (*executorEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if entry, ok := h.cache[id]; ok {
		return entry, nil
	}

	factory, ok := h.factories[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownExecutor, id)
	}

	instance := factory()
	builder := newRouteBuilder()
	instance.ConfigureRoutes(builder)
	routes, err := builder.build()
	if err != nil {
		return nil, &RunnerError{Message: "configuring routes for " + id, Code: "ROUTE_CONFIGURATION", Cause: err}
	}

	if err := instance.Initialize(initBC); err != nil {
		return nil, &ExecutorError{Message: "initialization failed", Code: "INIT_FAILED", ExecutorID: id, Kind: Fatal, Cause: err}
	}

	entry := &executorEntry{instance: instance, routes: routes}
	h.cache[id] = entry
	return entry, nil
}

// InstantiatedIDs returns the ids of every executor created so far, used by
// the checkpoint engine's instantiated_executor_ids set.
func (h *ExecutorHost) InstantiatedIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.cache))
	for id := range h.cache {
		ids = append(ids, id)
	}
	return ids
}

// Get returns the cached entry for id without instantiating it.
func (h *ExecutorHost) Get(id string) (*executorEntry, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	entry, ok := h.cache[id]
	return entry, ok
}

// DisposeAll calls Dispose on every instantiated executor, in run-end
// order. Idempotent at the host level: a second call finds the cache
// already walked and is a no-op.
func (h *ExecutorHost) DisposeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, entry := range h.cache {
		entry.instance.Dispose()
	}
	h.cache = make(map[string]*executorEntry)
}
