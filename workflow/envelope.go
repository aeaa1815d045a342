package workflow

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/uuid"
)

// TypeTag names a registered message type. The edge map, the route table and
// the portable envelope codec all dispatch on TypeTag rather than on Go's
// reflect.Type directly, so that checkpoints serialized in one process
// remain meaningful when decoded in another.
type TypeTag string

var (
	typeRegistryMu sync.RWMutex
	typeRegistry   = map[TypeTag]reflect.Type{}
)

// RegisterType binds a TypeTag to the Go type T. Call it once per message
// type used in a graph, typically from an init() in the package that defines
// the message, before any graph referencing it is constructed. Unless a
// Codec is already registered for tag, it also installs the default JSON
// codec for it.
func RegisterType[T any](tag TypeTag) {
	var zero T
	typeRegistryMu.Lock()
	defer typeRegistryMu.Unlock()
	typeRegistry[tag] = reflect.TypeOf(zero)

	codecRegistryMu.Lock()
	defer codecRegistryMu.Unlock()
	if _, ok := codecRegistry[tag]; !ok {
		codecRegistry[tag] = jsonCodec{t: reflect.TypeOf((*T)(nil)).Elem()}
	}
}

// TypeTagOf returns the TypeTag registered for v's dynamic type, and whether
// one was found. Used by the edge map to match an envelope's declared_type
// against an edge's accepted input type.
func TypeTagOf(v any) (TypeTag, bool) {
	typeRegistryMu.RLock()
	defer typeRegistryMu.RUnlock()
	rt := reflect.TypeOf(v)
	for tag, t := range typeRegistry {
		if t == rt {
			return tag, true
		}
	}
	return "", false
}

// External identifies the envelope's source or target as outside the graph:
// the embedding application for input envelopes, or an external port for
// responses routed back in.
const External = "__external__"

// Broadcast is the target_id used for fan-out deliveries computed by the
// edge map; individual DeliveryMapping entries still carry one concrete
// target_id each, but a handler may address Broadcast via SendMessage to
// mean "every edge registered from me".
const Broadcast = "__broadcast__"

// Envelope is the immutable carrier of a value plus its routing and trace
// metadata (§3). Equality is by identity: two envelopes built from equal
// values are still distinct envelopes, which is why ID exists — it is the
// identity the runner and observability layer key off of.
type Envelope struct {
	id           string
	value        any
	declaredType TypeTag
	sourceID     string
	targetID     string
	traceContext map[string]string
}

// NewEnvelope constructs an immutable envelope. targetID may be left empty
// when the destination is not yet known (the edge map fills it in per
// delivery mapping).
func NewEnvelope(value any, declaredType TypeTag, sourceID, targetID string, traceContext map[string]string) *Envelope {
	return &Envelope{
		id:           uuid.NewString(),
		value:        value,
		declaredType: declaredType,
		sourceID:     sourceID,
		targetID:     targetID,
		traceContext: traceContext,
	}
}

// ID is the envelope's process-local identity. The portable form carries no
// ID, so an envelope decoded from it gets a fresh one.
func (e *Envelope) ID() string { return e.id }

// Value returns the carried payload.
func (e *Envelope) Value() any { return e.value }

// DeclaredType returns the TypeTag the envelope was constructed with.
func (e *Envelope) DeclaredType() TypeTag { return e.declaredType }

// SourceID returns the producing executor's id, or External.
func (e *Envelope) SourceID() string { return e.sourceID }

// TargetID returns the addressed executor's id, or Broadcast.
func (e *Envelope) TargetID() string { return e.targetID }

// TraceContext returns the read-only trace metadata forwarded from the
// producing handler's BoundContext.
func (e *Envelope) TraceContext() map[string]string { return e.traceContext }

// withTarget returns a copy of the envelope addressed to a different
// target_id, used by the edge map when expanding a fan-out delivery into
// one mapping per destination. The value and ID are unchanged: per spec §3
// envelopes are immutable, so re-addressing produces a new envelope value
// that shares the original's identity for tracing purposes but is a
// distinct instance in the next step's buffer.
func (e *Envelope) withTarget(targetID string) *Envelope {
	cp := *e
	cp.targetID = targetID
	return &cp
}

// PortableEnvelope is the §6 wire format used by checkpoint serialization.
// EncodedValue is opaque to the core; codecs are registered per TypeTag via
// RegisterCodec and must satisfy encode∘decode = identity.
type PortableEnvelope struct {
	TypeTag      string            `json:"type_tag"`
	EncodedValue []byte            `json:"encoded_value"`
	SourceID     string            `json:"source_id"`
	TargetID     string            `json:"target_id"`
	Trace        map[string]string `json:"trace"`
}

// Codec encodes and decodes the payload of a single registered TypeTag for
// checkpoint portability. The default codec, installed by RegisterType, uses
// encoding/json; a graph with non-JSON-safe payloads may replace it with
// RegisterCodec.
type Codec interface {
	Encode(value any) ([]byte, error)
	Decode(data []byte) (any, error)
}

// jsonCodec is the default Codec: encoding/json into the Go type registered
// for the tag, so a decoded value has the dynamic type it was encoded from.
type jsonCodec struct{ t reflect.Type }

func (c jsonCodec) Encode(value any) ([]byte, error) { return json.Marshal(value) }

func (c jsonCodec) Decode(data []byte) (any, error) {
	ptr := reflect.New(c.t)
	if err := json.Unmarshal(data, ptr.Interface()); err != nil {
		return nil, err
	}
	return ptr.Elem().Interface(), nil
}

var (
	codecRegistryMu sync.RWMutex
	codecRegistry   = map[TypeTag]Codec{}
)

// RegisterCodec associates a Codec with a TypeTag for checkpoint encoding.
func RegisterCodec(tag TypeTag, codec Codec) {
	codecRegistryMu.Lock()
	defer codecRegistryMu.Unlock()
	codecRegistry[tag] = codec
}

func codecFor(tag TypeTag) (Codec, error) {
	codecRegistryMu.RLock()
	defer codecRegistryMu.RUnlock()
	c, ok := codecRegistry[tag]
	if !ok {
		return nil, fmt.Errorf("workflow: no codec registered for type tag %q", tag)
	}
	return c, nil
}

// toPortable converts an envelope to its wire form using the codec
// registered for its declared type.
func (e *Envelope) toPortable() (PortableEnvelope, error) {
	codec, err := codecFor(e.declaredType)
	if err != nil {
		return PortableEnvelope{}, err
	}
	data, err := codec.Encode(e.value)
	if err != nil {
		return PortableEnvelope{}, fmt.Errorf("workflow: encoding envelope %s: %w", e.id, err)
	}
	return PortableEnvelope{
		TypeTag:      string(e.declaredType),
		EncodedValue: data,
		SourceID:     e.sourceID,
		TargetID:     e.targetID,
		Trace:        e.traceContext,
	}, nil
}

// fromPortable reconstructs an envelope from its wire form. A fresh ID is
// assigned since identity is process-local and the original producing
// instance no longer exists after a restore.
func fromPortable(p PortableEnvelope) (*Envelope, error) {
	tag := TypeTag(p.TypeTag)
	codec, err := codecFor(tag)
	if err != nil {
		return nil, err
	}
	value, err := codec.Decode(p.EncodedValue)
	if err != nil {
		return nil, fmt.Errorf("workflow: decoding envelope of type %q: %w", tag, err)
	}
	return &Envelope{
		id:           uuid.NewString(),
		value:        value,
		declaredType: tag,
		sourceID:     p.SourceID,
		targetID:     p.TargetID,
		traceContext: p.Trace,
	}, nil
}
