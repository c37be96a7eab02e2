package storage

import (
	"context"
	"errors"

	"github.com/lexisub/lexisub/pkg/types"
)

var (
	// ErrTaskNotFound is returned when a task id has no row
	ErrTaskNotFound = errors.New("task not found")

	// ErrIllegalTransition is returned when an update would move a task
	// backwards in its lifecycle (e.g. Completed -> Running)
	ErrIllegalTransition = errors.New("illegal status transition")

	// ErrEdgeNotFound is returned when no edge exists for (from, kind)
	ErrEdgeNotFound = errors.New("task edge not found")
)

// TaskUpdate is a partial update applied atomically to a task row.
// Nil fields are left untouched.
type TaskUpdate struct {
	Status    *types.TaskStatus
	Progress  *int
	Message   *string
	Error     *string
	OutputRef *string
}

// Store defines the interface for durable task state
type Store interface {
	// Tasks
	CreateTask(ctx context.Context, taskType types.TaskType, sourceURL string) (*types.Task, error)
	GetTask(ctx context.Context, id string) (*types.Task, error)
	// UpdateTask applies the patch atomically and returns the status the
	// task had before the update, for idempotency checks by callers.
	UpdateTask(ctx context.Context, id string, update TaskUpdate) (types.TaskStatus, error)
	ListTasks(ctx context.Context) ([]*types.Task, error)

	// Edges
	SetEdge(ctx context.Context, from string, kind types.EdgeKind, to string) error
	GetEdge(ctx context.Context, from string, kind types.EdgeKind) (string, error)
	GetEdgesByKind(ctx context.Context, kind types.EdgeKind, to string) ([]string, error)

	// Utility
	Close() error
}
