package store

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/martiangreed/marathon/internal/domain"
)

// PostgresStore is the pgx-backed TaskStore, grounded on the teacher's
// PostgresStore (pgxpool.Pool, ensureSchema-on-connect, JSONB blob per
// row). A task's mutable fields (state, usage, node assignment) change far
// more often than its shape, so — as the teacher does for functions — the
// whole domain.Task is stored as one JSONB column rather than normalized
// across columns; id/owner/state/node are duplicated into real columns
// purely to index and filter on.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a pool, verifies connectivity, and ensures the
// tasks table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &PostgresStore{pool: pool}

	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			state SMALLINT NOT NULL,
			node_id TEXT NOT NULL DEFAULT '',
			data JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("ensure tasks table: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS tasks_owner_idx ON tasks (owner_id)`); err != nil {
		return fmt.Errorf("ensure tasks_owner_idx: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS tasks_state_idx ON tasks (state)`); err != nil {
		return fmt.Errorf("ensure tasks_state_idx: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS tasks_node_idx ON tasks (node_id)`); err != nil {
		return fmt.Errorf("ensure tasks_node_idx: %w", err)
	}
	return nil
}

func taskIDHex(id domain.TaskID) string {
	return hex.EncodeToString(id[:])
}

// SaveTask upserts a task, keyed by its id.
func (s *PostgresStore) SaveTask(ctx context.Context, task *domain.Task) error {
	if task == nil {
		return fmt.Errorf("save task: nil task")
	}
	now := time.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO tasks (id, owner_id, state, node_id, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			state = EXCLUDED.state,
			node_id = EXCLUDED.node_id,
			data = EXCLUDED.data,
			updated_at = EXCLUDED.updated_at
	`, taskIDHex(task.ID), task.OwnerID, int(task.State), task.NodeID, data, task.CreatedAt, now)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

func scanTask(data []byte) (*domain.Task, error) {
	var task domain.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	return &task, nil
}

// GetTask returns a task by id, or ErrNotFound.
func (s *PostgresStore) GetTask(ctx context.Context, id domain.TaskID) (*domain.Task, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM tasks WHERE id = $1`, taskIDHex(id)).Scan(&data)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return scanTask(data)
}

// ListTasksByOwner returns every task submitted by ownerID, newest first.
func (s *PostgresStore) ListTasksByOwner(ctx context.Context, ownerID string) ([]*domain.Task, error) {
	rows, err := s.pool.Query(ctx, `SELECT data FROM tasks WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list tasks by owner: %w", err)
	}
	defer rows.Close()
	return scanTaskRows(rows)
}

// ListQueuedTasks returns every task awaiting scheduling, oldest first so
// the scheduler serves in submission order.
func (s *PostgresStore) ListQueuedTasks(ctx context.Context) ([]*domain.Task, error) {
	rows, err := s.pool.Query(ctx, `SELECT data FROM tasks WHERE state = $1 ORDER BY created_at ASC`, int(domain.TaskQueued))
	if err != nil {
		return nil, fmt.Errorf("list queued tasks: %w", err)
	}
	defer rows.Close()
	return scanTaskRows(rows)
}

// ListActiveTasksByNode returns every non-terminal task currently assigned
// to nodeID, used to rebuild in-memory state after a coordinator restart.
func (s *PostgresStore) ListActiveTasksByNode(ctx context.Context, nodeID string) ([]*domain.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT data FROM tasks
		WHERE node_id = $1 AND state IN ($2, $3)
	`, nodeID, int(domain.TaskStarting), int(domain.TaskRunning))
	if err != nil {
		return nil, fmt.Errorf("list active tasks by node: %w", err)
	}
	defer rows.Close()
	return scanTaskRows(rows)
}

// DeleteTask removes a task row (administrative pruning only — normal task
// lifecycle never deletes rows, per domain.Task's doc comment).
func (s *PostgresStore) DeleteTask(ctx context.Context, id domain.TaskID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, taskIDHex(id))
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

func scanTaskRows(rows pgx.Rows) ([]*domain.Task, error) {
	var tasks []*domain.Task
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		task, err := scanTask(data)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return tasks, nil
}
