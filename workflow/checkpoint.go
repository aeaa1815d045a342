package workflow

import (
	"context"
	"encoding/json"
	"fmt"
)

// Checkpoint is a durable snapshot of a run, sufficient to reinstantiate
// every executor, repopulate the next step's buffer and the outstanding
// request registry, and resume scheduling exactly where the run left off
// (§3, §4.6). There is no single accumulated state value: state lives per
// (executor_id, scope, key) in the StateManager, so PerExecutorState instead
// holds one opaque blob per instantiated executor, produced by that
// executor's own OnCheckpointing.
type Checkpoint struct {
	ID         string `json:"id"`
	RunID      string `json:"run_id"`
	StepNumber int    `json:"step_number"`

	// InstantiatedExecutorIDs lists every executor the host had constructed
	// at checkpoint time, so restore can reinstantiate exactly that set
	// before delivering anything.
	InstantiatedExecutorIDs []string `json:"instantiated_executor_ids"`

	// PerExecutorState holds the blob each executor returned from
	// OnCheckpointing, keyed by executor id. An executor that returns a nil
	// blob is omitted.
	PerExecutorState map[string][]byte `json:"per_executor_state"`

	// QueuedEnvelopes is the next step's buffer, flattened to portable form.
	// Restoring groups them back by SourceID to rebuild the per-sender
	// ordering a StepContext requires.
	QueuedEnvelopes []PortableEnvelope `json:"queued_envelopes"`

	// OutstandingRequests is the external request registry's contents in
	// posting order. Payloads are persisted as plain JSON rather than
	// through the TypeTag codec registry, since a Request carries no
	// declared_type of its own (§3 does not give requests one).
	OutstandingRequests []portableRequest `json:"outstanding_requests"`

	// GlobalState is the full StateManager snapshot: every (executor_id,
	// scope, key) triple with its published value.
	GlobalState []stateEntry `json:"global_state"`

	Label string `json:"label,omitempty"`
}

// portableRequest is Request with its Payload pre-encoded to JSON for
// storage, since Payload's dynamic type is not registered anywhere the way
// an Envelope's declared_type is.
type portableRequest struct {
	RequestID string          `json:"request_id"`
	PortID    string          `json:"port_id"`
	Payload   json.RawMessage `json:"payload"`
}

// stateEntry is one row of a StateManager snapshot, exported for
// serialization since stateKey's fields are unexported.
type stateEntry struct {
	ExecutorID string `json:"executor_id"`
	Scope      string `json:"scope"`
	Key        string `json:"key"`
	Value      []byte `json:"value"`
}

// CheckpointStore is the interface the core consumes for durable checkpoint
// persistence (§4.6, §6). Implementations live in workflow/store: MemStore,
// SQLiteStore, MySQLStore.
type CheckpointStore interface {
	Save(ctx context.Context, cp Checkpoint) (string, error)
	Load(ctx context.Context, id string) (Checkpoint, error)
	List(ctx context.Context, runID string) ([]string, error)
}

// checkpointEngine drives the save and restore sequences of §4.6 for one
// runner. It never talks to the CheckpointStore directly for state shape
// concerns — it only assembles/disassembles a Checkpoint value, leaving
// persistence mechanics to the configured store.
type checkpointEngine struct {
	store CheckpointStore
}

func newCheckpointEngine(store CheckpointStore) *checkpointEngine {
	return &checkpointEngine{store: store}
}

// save assembles a Checkpoint from the runner's live state and persists it.
// Per §4.6: ask each instantiated executor for its own blob via
// OnCheckpointing, serialize the next step's buffer as portable envelopes,
// snapshot outstanding requests and global state, then hand the whole thing
// to the store.
func (ce *checkpointEngine) save(ctx context.Context, r *Runner, label string) (string, error) {
	if ce.store == nil {
		return "", ErrNoCheckpointStore
	}

	ids := r.host.InstantiatedIDs()
	perExecutor := make(map[string][]byte, len(ids))
	for _, id := range ids {
		entry, ok := r.host.Get(id)
		if !ok {
			return "", &RunnerError{Message: "checkpointing executor " + id, Code: "CHECKPOINT_SAVE", Cause: ErrUnknownExecutor}
		}
		bc := newBoundContext(id, r.runtimeAccess(), nil, nil)
		blob, err := entry.instance.OnCheckpointing(bc)
		if err != nil {
			return "", &ExecutorError{Message: "OnCheckpointing failed", Code: "CHECKPOINT_SAVE", ExecutorID: id, Kind: Fatal, Cause: err}
		}
		if blob != nil {
			perExecutor[id] = blob
		}
	}

	queued := make([]PortableEnvelope, 0, r.nextStep.count())
	for _, pair := range r.nextStep.all() {
		pe, err := pair.Envelope.toPortable()
		if err != nil {
			return "", &RunnerError{Message: "encoding queued envelope", Code: "CHECKPOINT_SAVE", Cause: err}
		}
		queued = append(queued, pe)
	}

	reqs := r.requests.snapshot()
	portableReqs := make([]portableRequest, 0, len(reqs))
	for _, req := range reqs {
		payload, err := json.Marshal(req.Payload)
		if err != nil {
			return "", &RunnerError{Message: "encoding outstanding request", Code: "CHECKPOINT_SAVE", Cause: err}
		}
		portableReqs = append(portableReqs, portableRequest{RequestID: req.RequestID, PortID: req.PortID, Payload: payload})
	}

	globalState, err := r.state.snapshotPortable()
	if err != nil {
		return "", &RunnerError{Message: "encoding global state", Code: "CHECKPOINT_SAVE", Cause: err}
	}

	cp := Checkpoint{
		RunID:                   r.runID,
		StepNumber:              r.step,
		InstantiatedExecutorIDs: ids,
		PerExecutorState:        perExecutor,
		QueuedEnvelopes:         queued,
		OutstandingRequests:     portableReqs,
		GlobalState:             globalState,
		Label:                   label,
	}

	id, err := ce.store.Save(ctx, cp)
	if err != nil {
		return "", &RunnerError{Message: "persisting checkpoint", Code: "CHECKPOINT_SAVE", Cause: err}
	}
	return id, nil
}

// restore reinstantiates a runner's live state from a persisted checkpoint.
// Per §4.6: clear the event stream buffer and bump its epoch so any
// enumerator active before the restore is rejected on its next read, then
// reinstantiate every executor the checkpoint names (calling
// OnCheckpointRestored with its blob), rebuild the step buffer grouped by
// sender, clear and repopulate the request registry (re-emitting
// RequestInfo for each so a fresh enumerator observes them again), and
// restore global state.
func (ce *checkpointEngine) restore(ctx context.Context, r *Runner, id string) error {
	if ce.store == nil {
		return ErrNoCheckpointStore
	}
	cp, err := ce.store.Load(ctx, id)
	if err != nil {
		return err
	}

	r.events.clearBuffered()
	r.events.bumpEpoch()

	r.host.DisposeAll()
	for _, execID := range cp.InstantiatedExecutorIDs {
		bc := newBoundContext(execID, r.runtimeAccess(), nil, nil)
		entry, err := r.host.EnsureExecutor(execID, bc)
		if err != nil {
			return &RunnerError{Message: "reinstantiating executor " + execID, Code: "CHECKPOINT_RESTORE", Cause: err}
		}
		if blob, ok := cp.PerExecutorState[execID]; ok {
			if err := entry.instance.OnCheckpointRestored(blob, bc); err != nil {
				return &ExecutorError{Message: "OnCheckpointRestored failed", Code: "CHECKPOINT_RESTORE", ExecutorID: execID, Kind: Fatal, Cause: err}
			}
		}
	}

	next := newStepContext()
	for _, pe := range cp.QueuedEnvelopes {
		env, err := fromPortable(pe)
		if err != nil {
			return &RunnerError{Message: "decoding queued envelope", Code: "CHECKPOINT_RESTORE", Cause: err}
		}
		next.append(pe.SourceID, env)
	}
	r.nextStep = next

	restoredReqs := make([]Request, 0, len(cp.OutstandingRequests))
	for _, pr := range cp.OutstandingRequests {
		var payload any
		if err := json.Unmarshal(pr.Payload, &payload); err != nil {
			return &RunnerError{Message: "decoding outstanding request", Code: "CHECKPOINT_RESTORE", Cause: err}
		}
		restoredReqs = append(restoredReqs, Request{RequestID: pr.RequestID, PortID: pr.PortID, Payload: payload})
	}
	r.requests.restore(restoredReqs)
	for _, req := range restoredReqs {
		r.events.publish(Event{
			Kind:       RequestInfo,
			RunID:      r.runID,
			Step:       cp.StepNumber,
			ExecutorID: req.PortID,
			Request:    req,
		})
	}

	if err := r.state.restorePortable(cp.GlobalState); err != nil {
		return fmt.Errorf("workflow: restoring global state: %w", err)
	}

	r.step = cp.StepNumber
	return nil
}
