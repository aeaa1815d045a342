package workflow

import "sync"

// EdgeKind discriminates the four edge variants from §3.
type EdgeKind int

const (
	// Direct forwards a matching envelope to a single target.
	Direct EdgeKind = iota
	// FanOut delivers a copy of the envelope to several targets.
	FanOut
	// FanInJoin accumulates envelopes from multiple sources and emits one
	// joined envelope when a completion predicate holds.
	FanInJoin
	// Conditional forwards only when a predicate over the payload holds.
	Conditional
)

// JoinFunc combines the accumulated per-source values of a fan-in/join edge
// into the single joined payload once the completion predicate is
// satisfied. The map is keyed by source executor id.
type JoinFunc func(bySource map[string]any) any

// JoinComplete reports whether a fan-in/join edge has accumulated enough
// input to fire. The default completion predicate ("one from each declared
// source, per step", §3) is DefaultJoinComplete.
type JoinComplete func(bySource map[string]any, sources []string) bool

// DefaultJoinComplete requires exactly one value from every declared
// source.
func DefaultJoinComplete(bySource map[string]any, sources []string) bool {
	for _, s := range sources {
		if _, ok := bySource[s]; !ok {
			return false
		}
	}
	return true
}

// ConditionFunc is a predicate over an envelope's payload, used by
// Conditional edges.
type ConditionFunc func(value any) bool

// Edge is a directed relation from a source executor id (or External) to
// one or more target executor ids (§3). Strict edges raise a WorkflowError
// on a declared-type mismatch instead of silently dropping the envelope.
type Edge struct {
	id           string
	kind         EdgeKind
	from         string
	to           []string
	declaredType TypeTag
	strict       bool

	// Condition is consulted for Conditional edges.
	Condition ConditionFunc

	// JoinSources lists the sources a FanInJoin edge waits on; Join combines
	// them once Complete reports readiness.
	JoinSources []string
	Join        JoinFunc
	Complete    JoinComplete

	mu          sync.Mutex
	joinPartial map[string]any // per-edge join accumulator, owned by the runner
}

// NewDirectEdge forwards a matching envelope from `from` to `to`.
func NewDirectEdge(id, from, to string, declaredType TypeTag) *Edge {
	return &Edge{id: id, kind: Direct, from: from, to: []string{to}, declaredType: declaredType}
}

// NewFanOutEdge forwards a matching envelope from `from` to every target in `to`.
func NewFanOutEdge(id, from string, to []string, declaredType TypeTag) *Edge {
	return &Edge{id: id, kind: FanOut, from: from, to: to, declaredType: declaredType}
}

// NewConditionalEdge forwards from `from` to `to` only when cond holds over
// the envelope's payload.
func NewConditionalEdge(id, from, to string, declaredType TypeTag, cond ConditionFunc) *Edge {
	return &Edge{id: id, kind: Conditional, from: from, to: []string{to}, declaredType: declaredType, Condition: cond}
}

// NewFanInJoinEdge accumulates one value from each of sources and, once
// complete (DefaultJoinComplete if complete is nil), emits a single joined
// envelope to `to`.
func NewFanInJoinEdge(id string, sources []string, to string, declaredType TypeTag, join JoinFunc, complete JoinComplete) *Edge {
	if complete == nil {
		complete = DefaultJoinComplete
	}
	return &Edge{
		id: id, kind: FanInJoin, to: []string{to}, declaredType: declaredType,
		JoinSources: sources, Join: join, Complete: complete,
		joinPartial: make(map[string]any),
	}
}

// WithStrict marks the edge strict: a declared-type mismatch raises a
// WorkflowError instead of being dropped silently.
func (e *Edge) WithStrict() *Edge {
	e.strict = true
	return e
}

// ID returns the edge's stable identifier, used for registration-order
// tie-breaks and as the key for its per-edge join state.
func (e *Edge) ID() string { return e.id }

// DeliveryMapping is a commitment to write one or more (target_id, envelope)
// pairs into the next step context (§4.1). Edge state changes (e.g. a join's
// partial accumulator) are only visible once the mapping produced by
// PrepareDelivery* is applied, so a mapping must be applied exactly once.
type DeliveryMapping struct {
	SenderID string
	Targets  []struct {
		TargetID string
		Envelope *Envelope
	}
}

func newMapping(senderID string) *DeliveryMapping {
	return &DeliveryMapping{SenderID: senderID}
}

func (m *DeliveryMapping) add(targetID string, env *Envelope) {
	m.Targets = append(m.Targets, struct {
		TargetID string
		Envelope *Envelope
	}{targetID, env})
}

// EdgeMap owns every edge in the graph plus the per-edge join accumulators.
// It is runner-only (§5): in the default concurrent_runs=false configuration
// a single runner goroutine ever calls into it, so its methods do not lock
// around edge state beyond the per-edge mutex that guards join accumulators
// against the rare case of two sources racing to update the same join.
type EdgeMap struct {
	bySource map[string][]*Edge // edges leaving a given source, in registration order
	byID     map[string]*Edge
	ports    map[string]string // port_id -> handler executor id, for response routing
	start    string            // starting executor id for external input
}

// NewEdgeMap returns an empty edge map with no edges, ports or start executor.
func NewEdgeMap() *EdgeMap {
	return &EdgeMap{
		bySource: make(map[string][]*Edge),
		byID:     make(map[string]*Edge),
		ports:    make(map[string]string),
	}
}

// AddEdge registers e, appending it to its source's edge list in
// registration order (the order used for §4.1's ordering tie-break). A
// FanInJoin edge has no single "from" — it is registered once per declared
// source so PrepareDeliveryForEdge can find it from any of them.
func (m *EdgeMap) AddEdge(e *Edge) {
	m.byID[e.id] = e
	if e.kind == FanInJoin {
		for _, src := range e.JoinSources {
			m.bySource[src] = append(m.bySource[src], e)
		}
		return
	}
	m.bySource[e.from] = append(m.bySource[e.from], e)
}

// SetStartExecutor designates the executor external input is routed to.
func (m *EdgeMap) SetStartExecutor(executorID string) { m.start = executorID }

// StartExecutor returns the configured starting executor id, or "" if none.
func (m *EdgeMap) StartExecutor() string { return m.start }

// BindPort associates a port id with the executor that handles responses
// arriving on it.
func (m *EdgeMap) BindPort(portID, executorID string) { m.ports[portID] = executorID }

// EdgesFrom returns the edges leaving source in registration order.
func (m *EdgeMap) EdgesFrom(source string) []*Edge { return m.bySource[source] }

// PrepareDeliveryForEdge evaluates one edge against one envelope from its
// source, per §4.1. It returns nil when the edge produces no delivery this
// time (type mismatch on a non-strict edge, unmet condition, or an
// incomplete join).
func (m *EdgeMap) PrepareDeliveryForEdge(e *Edge, senderID string, env *Envelope) (*DeliveryMapping, error) {
	if env.DeclaredType() != e.declaredType {
		if e.strict {
			return nil, &WorkflowError{
				Message: "envelope type " + string(env.DeclaredType()) + " does not match edge " + e.id + " declared type " + string(e.declaredType),
				Code:    "EDGE_TYPE_MISMATCH",
			}
		}
		return nil, nil
	}

	switch e.kind {
	case Direct:
		mapping := newMapping(senderID)
		mapping.add(e.to[0], env.withTarget(e.to[0]))
		return mapping, nil

	case FanOut:
		mapping := newMapping(senderID)
		for _, target := range e.to {
			mapping.add(target, env.withTarget(target))
		}
		return mapping, nil

	case Conditional:
		if e.Condition != nil && !e.Condition(env.Value()) {
			return nil, nil
		}
		mapping := newMapping(senderID)
		mapping.add(e.to[0], env.withTarget(e.to[0]))
		return mapping, nil

	case FanInJoin:
		e.mu.Lock()
		defer e.mu.Unlock()
		e.joinPartial[senderID] = env.Value()
		if !e.Complete(e.joinPartial, e.JoinSources) {
			return nil, nil
		}
		joined := e.Join(e.joinPartial)
		e.joinPartial = make(map[string]any)
		mapping := newMapping(senderID)
		joinedEnv := NewEnvelope(joined, e.declaredType, senderID, e.to[0], env.TraceContext())
		mapping.add(e.to[0], joinedEnv)
		return mapping, nil

	default:
		return nil, &RunnerError{Message: "unknown edge kind", Code: "INTERNAL_INVARIANT_VIOLATION"}
	}
}

// PrepareDeliveryForInput routes an externally enqueued envelope to the
// configured starting executor (§4.1).
func (m *EdgeMap) PrepareDeliveryForInput(env *Envelope) (*DeliveryMapping, error) {
	if m.start == "" {
		return nil, &RunnerError{Message: "no start executor configured", Code: "NO_START_EXECUTOR"}
	}
	mapping := newMapping(External)
	mapping.add(m.start, env.withTarget(m.start))
	return mapping, nil
}

// PrepareDeliveryForResponse routes an external response to the executor
// registered as the handler for its port (§4.1). portID identifies which
// port the originating request was posted against.
func (m *EdgeMap) PrepareDeliveryForResponse(portID string, resp Response, declaredType TypeTag) (*DeliveryMapping, error) {
	executorID, ok := m.ports[portID]
	if !ok {
		return nil, &RunnerError{Message: "no handler registered for port " + portID, Code: "UNKNOWN_PORT"}
	}
	mapping := newMapping(External)
	env := NewEnvelope(resp.Payload, declaredType, External, executorID, nil)
	mapping.add(executorID, env)
	return mapping, nil
}
