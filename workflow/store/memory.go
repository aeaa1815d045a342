package store

import (
	"context"
	"sync"

	"github.com/agentcore/workflow/workflow"
	"github.com/google/uuid"
)

// MemStore is an in-memory CheckpointStore.
//
// Designed for:
//   - Testing and development
//   - Single-process workflows that don't need to survive a restart
//
// MemStore is thread-safe and supports concurrent access. Data is lost when
// the process terminates; for durability use SQLiteStore or MySQLStore.
type MemStore struct {
	mu          sync.RWMutex
	checkpoints map[string]workflow.Checkpoint
	byRun       map[string][]string // runID -> checkpoint ids, in save order
}

// NewMemStore creates a new in-memory checkpoint store.
func NewMemStore() *MemStore {
	return &MemStore{
		checkpoints: make(map[string]workflow.Checkpoint),
		byRun:       make(map[string][]string),
	}
}

// Save assigns a fresh id to cp and stores it.
func (m *MemStore) Save(_ context.Context, cp workflow.Checkpoint) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.NewString()
	cp.ID = id
	m.checkpoints[id] = cp
	m.byRun[cp.RunID] = append(m.byRun[cp.RunID], id)
	return id, nil
}

// Load returns the checkpoint stored under id, or ErrNotFound.
func (m *MemStore) Load(_ context.Context, id string) (workflow.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cp, ok := m.checkpoints[id]
	if !ok {
		return workflow.Checkpoint{}, ErrNotFound
	}
	return cp, nil
}

// List returns every checkpoint id saved for runID, in save order.
func (m *MemStore) List(_ context.Context, runID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byRun[runID]
	out := make([]string, len(ids))
	copy(out, ids)
	return out, nil
}
