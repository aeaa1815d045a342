package workflow

// StepContext is the per-step buffer described in §3: an ordered mapping
// sender_id → sequence<envelope>. It is the runner's single-owner working
// set for one superstep; invariant 3 (source-preserved order) and invariant
// 1 (atomic swap) are both upheld by how the runner uses this type, not by
// StepContext itself enforcing locking — only the runner ever touches a
// StepContext instance.
type StepContext struct {
	bySender map[string][]*Envelope
	order    []string // sender ids in first-seen order, for deterministic iteration
}

// newStepContext returns an empty step buffer.
func newStepContext() *StepContext {
	return &StepContext{bySender: make(map[string][]*Envelope)}
}

// append adds an envelope to the ordered sequence for its sender. Used by
// the edge map when applying a DeliveryMapping into the next step context.
func (s *StepContext) append(senderID string, env *Envelope) {
	if _, ok := s.bySender[senderID]; !ok {
		s.order = append(s.order, senderID)
	}
	s.bySender[senderID] = append(s.bySender[senderID], env)
}

// isEmpty reports whether any envelopes are buffered.
func (s *StepContext) isEmpty() bool {
	return len(s.order) == 0
}

// senders returns sender ids in first-seen order (first-seen within the step
// they were produced in — this is the iteration order the runner uses for
// sequential dispatch and for ordering the parallel-dispatch frontier).
func (s *StepContext) senders() []string {
	return s.order
}

// envelopesFrom returns the ordered envelope sequence for one sender.
func (s *StepContext) envelopesFrom(senderID string) []*Envelope {
	return s.bySender[senderID]
}

// count returns the total number of buffered envelopes, used for metrics
// and for the checkpoint engine's portable snapshot.
func (s *StepContext) count() int {
	n := 0
	for _, envs := range s.bySender {
		n += len(envs)
	}
	return n
}

// all flattens the buffer into (senderID, envelope) pairs in deterministic
// order: senders in first-seen order, envelopes within a sender in send
// order. This is the order applied when swapping into a fresh StepContext
// during checkpoint restore, and the order the dispatch frontier assigns
// OrderKeys from.
func (s *StepContext) all() []struct {
	SenderID string
	Envelope *Envelope
} {
	out := make([]struct {
		SenderID string
		Envelope *Envelope
	}, 0, s.count())
	for _, sender := range s.order {
		for _, env := range s.bySender[sender] {
			out = append(out, struct {
				SenderID string
				Envelope *Envelope
			}{sender, env})
		}
	}
	return out
}
