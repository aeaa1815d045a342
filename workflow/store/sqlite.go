package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/agentcore/workflow/workflow"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed CheckpointStore.
//
// Designed for:
//   - Development and testing with zero external setup
//   - Single-process workflows that need to survive a restart
//   - Prototyping before migrating to a distributed store
//
// SQLiteStore uses WAL mode for concurrent reads and a single writer
// connection, matching SQLite's own concurrency model.
//
// Schema:
//   - checkpoints: one row per saved checkpoint, full Checkpoint serialized as JSON
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore opens (and migrates, if needed) a SQLite-backed checkpoint
// store at path. Use ":memory:" for an ephemeral database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite supports one writer at a time
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			step_number INTEGER NOT NULL,
			label TEXT DEFAULT '',
			data TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create checkpoints table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_checkpoints_run_id ON checkpoints(run_id, created_at)"); err != nil {
		return fmt.Errorf("failed to create idx_checkpoints_run_id: %w", err)
	}
	return nil
}

// Save serializes cp and inserts it, assigning a fresh id.
func (s *SQLiteStore) Save(ctx context.Context, cp workflow.Checkpoint) (string, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return "", fmt.Errorf("store is closed")
	}
	s.mu.RUnlock()

	id := uuid.NewString()
	cp.ID = id

	data, err := json.Marshal(cp)
	if err != nil {
		return "", fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (id, run_id, step_number, label, data) VALUES (?, ?, ?, ?, ?)`,
		id, cp.RunID, cp.StepNumber, cp.Label, string(data),
	)
	if err != nil {
		return "", fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return id, nil
}

// Load retrieves and deserializes the checkpoint stored under id.
func (s *SQLiteStore) Load(ctx context.Context, id string) (workflow.Checkpoint, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return workflow.Checkpoint{}, fmt.Errorf("store is closed")
	}
	s.mu.RUnlock()

	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM checkpoints WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return workflow.Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return workflow.Checkpoint{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	var cp workflow.Checkpoint
	if err := json.Unmarshal([]byte(data), &cp); err != nil {
		return workflow.Checkpoint{}, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return cp, nil
}

// List returns every checkpoint id saved for runID, oldest first.
func (s *SQLiteStore) List(ctx context.Context, runID string) ([]string, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, fmt.Errorf("store is closed")
	}
	s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM checkpoints WHERE run_id = ? ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close closes the underlying database connection. Safe to call more than once.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return s.db.PingContext(ctx)
}
