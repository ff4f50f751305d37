// Package store is the coordinator's durable persistence layer: tasks
// survive a coordinator restart, node status does not (it is re-reported
// by the next heartbeat and lives in internal/noderegistry instead).
//
// Grounded on the teacher's internal/store: the same JSONB-blob-per-row
// pattern (postgres.go's SaveFunction/GetFunction), trimmed from the
// teacher's ~30-file metadata store (functions, versions, aliases,
// workflows, gateway routes, layers, tenants, marketplace — none of
// which SPEC_FULL.md needs) down to the one table this spec actually
// calls for: tasks.
package store

import (
	"context"
	"errors"

	"github.com/martiangreed/marathon/internal/domain"
)

// ErrNotFound is returned when a task id has no matching row.
var ErrNotFound = errors.New("store: task not found")

// TaskStore is the durable record of submitted tasks, addressed by the
// coordinator's task-submission and status-query paths (spec section 4.2).
type TaskStore interface {
	Close() error
	Ping(ctx context.Context) error

	SaveTask(ctx context.Context, task *domain.Task) error
	GetTask(ctx context.Context, id domain.TaskID) (*domain.Task, error)
	ListTasksByOwner(ctx context.Context, ownerID string) ([]*domain.Task, error)
	ListQueuedTasks(ctx context.Context) ([]*domain.Task, error)
	ListActiveTasksByNode(ctx context.Context, nodeID string) ([]*domain.Task, error)
	DeleteTask(ctx context.Context, id domain.TaskID) error
}
