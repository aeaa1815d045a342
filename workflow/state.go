package workflow

import (
	"encoding/json"
	"sync"
)

// defaultScope is used when a BoundContext call omits a scope name.
const defaultScope = ""

type stateKey struct {
	executorID string
	scope      string
	key        string
}

// StateManager is the logical map (executor_id, scope_name, key) → value
// from §3. Writes made during a step go to a pending overlay; PublishUpdates
// merges the overlay into the base map at the end of the step, so reads
// within a step observe pre-step values (snapshot isolation per step,
// invariant 5). The runner is the only writer of the overlay; it is safe to
// read concurrently from handlers running in the same step because reads
// never touch the overlay.
type StateManager struct {
	mu      sync.RWMutex
	base    map[stateKey]any
	pending map[stateKey]any
	cleared map[string]bool // scope keys ("executorID\x00scope") cleared this step
}

// NewStateManager returns an empty state manager.
func NewStateManager() *StateManager {
	return &StateManager{
		base:    make(map[stateKey]any),
		pending: make(map[stateKey]any),
		cleared: make(map[string]bool),
	}
}

func scopeToken(executorID, scope string) string {
	return executorID + "\x00" + scope
}

// Read returns the base-map value for (executorID, scope, key) as it stood
// before the current step began. It never observes the pending overlay.
func (sm *StateManager) Read(executorID, scope, key string) (any, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	v, ok := sm.base[stateKey{executorID, scope, key}]
	return v, ok
}

// Write stages a value into the pending overlay; it becomes visible to
// subsequent steps only after PublishUpdates.
func (sm *StateManager) Write(executorID, scope, key string, value any) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.pending[stateKey{executorID, scope, key}] = value
}

// ClearScope stages the removal of every key in (executorID, scope); the
// removal, like any other write, only takes effect at PublishUpdates.
func (sm *StateManager) ClearScope(executorID, scope string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.cleared[scopeToken(executorID, scope)] = true
	// Drop any pending writes to the same scope made earlier in this step;
	// the clear should win over writes issued before it.
	for k := range sm.pending {
		if k.executorID == executorID && k.scope == scope {
			delete(sm.pending, k)
		}
	}
}

// PublishUpdates merges the pending overlay into the base map and resets
// the overlay for the next step. Called by the runner once per superstep,
// after delivery and before SuperStepCompleted is emitted.
func (sm *StateManager) PublishUpdates() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for token := range sm.cleared {
		for k := range sm.base {
			if scopeToken(k.executorID, k.scope) == token {
				delete(sm.base, k)
			}
		}
	}
	for k, v := range sm.pending {
		sm.base[k] = v
	}
	sm.pending = make(map[stateKey]any)
	sm.cleared = make(map[string]bool)
}

// snapshot returns a flat copy of the base map for checkpoint serialization.
// Only published state is captured — a checkpoint is only ever taken
// between supersteps (§9), at which point the pending overlay is empty.
func (sm *StateManager) snapshot() map[stateKey]any {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	out := make(map[stateKey]any, len(sm.base))
	for k, v := range sm.base {
		out[k] = v
	}
	return out
}

// restore replaces the base map wholesale and discards pending writes and
// scope clears. Checkpoint restore does not call it: it decodes global
// state with restorePortable.
func (sm *StateManager) restore(base map[stateKey]any) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.base = base
	sm.pending = make(map[stateKey]any)
	sm.cleared = make(map[string]bool)
}

// snapshotPortable flattens the base map into JSON-encoded stateEntry rows
// for the checkpoint engine. Each value is marshaled independently so that
// one non-serializable value fails loudly rather than silently dropping the
// whole snapshot.
func (sm *StateManager) snapshotPortable() ([]stateEntry, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	out := make([]stateEntry, 0, len(sm.base))
	for k, v := range sm.base {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		out = append(out, stateEntry{ExecutorID: k.executorID, Scope: k.scope, Key: k.key, Value: data})
	}
	return out, nil
}

// restorePortable decodes a checkpoint's global state rows back into the
// base map, replacing it wholesale.
func (sm *StateManager) restorePortable(entries []stateEntry) error {
	base := make(map[stateKey]any, len(entries))
	for _, e := range entries {
		var v any
		if err := json.Unmarshal(e.Value, &v); err != nil {
			return err
		}
		base[stateKey{executorID: e.ExecutorID, scope: e.Scope, key: e.Key}] = v
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.base = base
	sm.pending = make(map[stateKey]any)
	sm.cleared = make(map[string]bool)
	return nil
}
