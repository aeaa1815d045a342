// Package store provides durable backends for workflow.CheckpointStore:
// MemStore for tests and development, SQLiteStore for single-process
// persistence, and MySQLStore for multi-worker production deployments.
package store

import (
	"context"

	"github.com/agentcore/workflow/workflow"
)

// ErrNotFound is returned by Load when no checkpoint with the given id
// exists in the store. It is the same value as
// workflow.ErrCheckpointNotFound.
var ErrNotFound = workflow.ErrCheckpointNotFound

// Store is the contract every backend in this package satisfies; it is
// exactly workflow.CheckpointStore, restated here so backend constructors
// can be documented against this package without forcing callers to import
// the core package just to reference the interface name.
type Store interface {
	Save(ctx context.Context, cp workflow.Checkpoint) (string, error)
	Load(ctx context.Context, id string) (workflow.Checkpoint, error)
	List(ctx context.Context, runID string) ([]string, error)
}
