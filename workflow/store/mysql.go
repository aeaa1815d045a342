package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/agentcore/workflow/workflow"
	"github.com/google/uuid"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/MariaDB-backed CheckpointStore.
//
// Designed for:
//   - Production workflows requiring durable, shared persistence
//   - Distributed systems where multiple workers may resume the same run
//   - Audit trails and compliance requirements
//
// MySQLStore uses connection pooling and parameterized queries.
//
// Schema:
//   - checkpoints: one row per saved checkpoint, full Checkpoint serialized as JSON
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore opens (and migrates, if needed) a MySQL-backed checkpoint
// store. The DSN format is:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param1=value1&...]
//
// Security: never hardcode credentials; read the DSN from configuration or
// the environment.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS checkpoints (
			id VARCHAR(64) PRIMARY KEY,
			run_id VARCHAR(255) NOT NULL,
			step_number INT NOT NULL,
			label VARCHAR(255) DEFAULT '',
			data LONGTEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			INDEX idx_checkpoints_run_id (run_id, created_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Save serializes cp and inserts it, assigning a fresh id.
func (s *MySQLStore) Save(ctx context.Context, cp workflow.Checkpoint) (string, error) {
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
func (s *MySQLStore) Load(ctx context.Context, id string) (workflow.Checkpoint, error) {
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
func (s *MySQLStore) List(ctx context.Context, runID string) ([]string, error) {
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

// Close closes the underlying connection pool. Safe to call more than once.
func (s *MySQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *MySQLStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return s.db.PingContext(ctx)
}
