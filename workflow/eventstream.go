package workflow

import (
	"context"
	"sync"
)

// eventSink is the runner-owned event buffer: multi-producer (the runner and
// any handler emitting through its BoundContext, on its own goroutine when
// parallel edge dispatch is on; mu serializes them) single-consumer FIFO. It
// implements both of §4.4's modes: Streaming delivers events as produced;
// Lockstep batches one superstep's events and yields them together.
type eventSink struct {
	mu       sync.Mutex
	cond     *sync.Cond
	buf      []Event
	mode     ExecutionMode
	epoch    int64
	halted   bool
	haltEvt  Event
	stepOpen bool
	readyLen int

	enumeratorActive bool
	seq               sequencer
}

func newEventSink(mode ExecutionMode) *eventSink {
	s := &eventSink{mode: mode}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// emit appends an event to the buffer, stamping its sequence number, and
// wakes any blocked consumer. A RequestHalt event additionally marks the
// sink halted, so a break_on_halt enumerator knows to stop after draining
// it (§4.4).
//
// In Lockstep mode, an event emitted while a superstep is open (between
// beginStep and endStep) does not advance readyLen — it stays invisible to
// next() until endStep closes the batch. An event emitted outside any step
// bracket (a terminal WorkflowError/RequestHalt from Runner.finish, or a
// republished event during checkpoint restore, both of which only happen
// between supersteps) is ready the moment it's emitted, same as Streaming.
func (s *eventSink) emit(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.Seq = s.seq.nextSeq()
	s.buf = append(s.buf, e)
	if e.Kind == RequestHalt {
		s.halted = true
		s.haltEvt = e
	}
	if !s.stepOpen {
		s.readyLen = len(s.buf)
	}
	s.cond.Broadcast()
}

// publish is an alias for emit used by the checkpoint engine when
// republishing RequestInfo events during restore.
func (s *eventSink) publish(e Event) { s.emit(e) }

// beginStep marks the start of a superstep: emit calls between this and the
// matching endStep are held back from Lockstep consumers (§4.4 — "no event
// is yielded until its superstep finishes"). Streaming mode ignores this
// bracket; only next()'s Lockstep branch consults readyLen.
func (s *eventSink) beginStep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stepOpen = true
}

// endStep closes the current superstep's batch, making every event emitted
// since beginStep (through SuperStepCompleted) ready as one unit, and wakes
// any consumer waiting on it.
func (s *eventSink) endStep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stepOpen = false
	s.readyLen = len(s.buf)
	s.cond.Broadcast()
}

// clearBuffered discards pending events, used by the checkpoint engine
// before a restore re-publishes its own consistent view.
func (s *eventSink) clearBuffered() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
	s.readyLen = 0
	s.halted = false
}

// bumpEpoch invalidates any enumerator bound to an earlier epoch. It does
// not touch the halt flag; clearBuffered resets that.
func (s *eventSink) bumpEpoch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
}

// acquireEnumerator enforces the single-active-enumerator constraint,
// returning ErrConcurrentEnumeration if one is already bound.
func (s *eventSink) acquireEnumerator() (epoch int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enumeratorActive {
		return 0, ErrConcurrentEnumeration
	}
	s.enumeratorActive = true
	return s.epoch, nil
}

func (s *eventSink) releaseEnumerator() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enumeratorActive = false
}

// next blocks until there is a batch ready to drain or the bound epoch has
// moved on (the enumerator's view is stale, so it stops). In Streaming mode
// "ready" means at least one buffered event; it returns as soon as one is
// available, even mid-superstep. In Lockstep mode "ready" means readyLen > 0
// — at least one full, closed batch (a superstep's events up through its
// SuperStepCompleted, or a terminal/restore event emitted between
// supersteps) is sitting in the buffer. Only that closed prefix is drained;
// any events from a still-open step remain buffered for the next call, so
// a slow consumer can never observe part of a superstep ahead of its
// SuperStepCompleted.
func (s *eventSink) next(ctx context.Context, epoch int64, breakOnHalt bool) ([]Event, bool, error) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.hasReady() {
		if s.epoch != epoch {
			return nil, true, nil
		}
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		s.cond.Wait()
	}
	if s.epoch != epoch {
		return nil, true, nil
	}

	var out []Event
	if s.mode == Lockstep {
		out = s.buf[:s.readyLen:s.readyLen]
		s.buf = s.buf[s.readyLen:]
		s.readyLen = 0
	} else {
		out = s.buf
		s.buf = nil
	}
	end := breakOnHalt && s.halted
	return out, end, nil
}

func (s *eventSink) hasReady() bool {
	if s.mode == Lockstep {
		return s.readyLen > 0
	}
	return len(s.buf) > 0
}
