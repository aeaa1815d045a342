package emit

import "context"

// NullEmitter discards every event. It is the default Emitter (see
// options.defaultOptions) for runs that don't need an observability
// backend — zero overhead, nothing to configure.
type NullEmitter struct{}

// NewNullEmitter returns an Emitter that does nothing.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

func (n *NullEmitter) Emit(Event) {}

func (n *NullEmitter) EmitBatch(context.Context, []Event) error { return nil }

func (n *NullEmitter) Flush(context.Context) error { return nil }
