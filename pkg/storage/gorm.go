package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/lexisub/lexisub/pkg/types"
)

// GormStore implements Store on a GORM-managed relational database.
// The default backend is pure-Go SQLite in WAL mode; any GORM dialect
// with the same two tables works.
type GormStore struct {
	db *gorm.DB
}

// NewSQLiteStore opens (or creates) the task database at dbPath
func NewSQLiteStore(dbPath string) (*GormStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create db dir: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode for concurrent readers alongside the single writer
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")

	if err := db.AutoMigrate(&types.Task{}, &types.TaskEdge{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &GormStore{db: db}, nil
}

// NewGormStore wraps an already-open GORM handle (used by tests)
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&types.Task{}, &types.TaskEdge{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &GormStore{db: db}, nil
}

// Close closes the underlying database
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateTask inserts a new task in Pending state and returns it
func (s *GormStore) CreateTask(ctx context.Context, taskType types.TaskType, sourceURL string) (*types.Task, error) {
	task := &types.Task{
		TaskID:    uuid.New().String(),
		Status:    types.TaskStatusPending,
		TaskType:  taskType,
		SourceURL: sourceURL,
		QueuedAt:  time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(task).Error; err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	return task, nil
}

// GetTask fetches a task by id
func (s *GormStore) GetTask(ctx context.Context, id string) (*types.Task, error) {
	var task types.Task
	err := s.db.WithContext(ctx).First(&task, "task_id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return &task, nil
}

// UpdateTask applies a partial update inside a transaction, enforcing
// the status transition rules at write time. Returns the status the
// task held before the update.
func (s *GormStore) UpdateTask(ctx context.Context, id string, update TaskUpdate) (types.TaskStatus, error) {
	var previous types.TaskStatus

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var task types.Task
		if err := tx.First(&task, "task_id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrTaskNotFound
			}
			return err
		}
		previous = task.Status

		now := time.Now().UTC()
		if update.Status != nil {
			next := *update.Status
			if !types.CanTransition(task.Status, next) {
				return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, task.Status, next)
			}
			if next != task.Status {
				task.Status = next
				if next == types.TaskStatusRunning && task.StartedAt == nil {
					task.StartedAt = &now
				}
				if next.Terminal() && task.CompletedAt == nil {
					task.CompletedAt = &now
				}
			}
		}
		if update.Progress != nil {
			task.Progress = clampProgress(*update.Progress)
		}
		if update.Message != nil {
			task.Message = *update.Message
		}
		if update.Error != nil {
			task.Error = *update.Error
		}
		if update.OutputRef != nil {
			task.OutputRef = *update.OutputRef
		}

		// Only a completed task reads 100; in-flight progress
		// saturates just below so snapshots never show a running
		// task as finished.
		if task.Progress >= 100 && task.Status != types.TaskStatusCompleted {
			task.Progress = 99
		}

		return tx.Save(&task).Error
	})
	if err != nil {
		return previous, err
	}
	return previous, nil
}

// ListTasks returns all tasks, newest first
func (s *GormStore) ListTasks(ctx context.Context) ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.WithContext(ctx).Order("queued_at desc").Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}

// SetEdge upserts the (from, kind) -> to edge. Writing the same triple
// twice is a no-op; writing a different `to` overwrites it, which
// supports recovery from partial crashes.
func (s *GormStore) SetEdge(ctx context.Context, from string, kind types.EdgeKind, to string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var edge types.TaskEdge
		err := tx.First(&edge, "from_task = ? AND edge_kind = ?", from, kind).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			edge = types.TaskEdge{
				FromTask:  from,
				EdgeKind:  kind,
				ToTask:    to,
				CreatedAt: time.Now().UTC(),
			}
			return tx.Create(&edge).Error
		case err != nil:
			return err
		case edge.ToTask == to:
			return nil
		default:
			edge.ToTask = to
			return tx.Save(&edge).Error
		}
	})
}

// GetEdge resolves the target of the (from, kind) edge
func (s *GormStore) GetEdge(ctx context.Context, from string, kind types.EdgeKind) (string, error) {
	var edge types.TaskEdge
	err := s.db.WithContext(ctx).First(&edge, "from_task = ? AND edge_kind = ?", from, kind).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrEdgeNotFound
		}
		return "", fmt.Errorf("failed to get edge: %w", err)
	}
	return edge.ToTask, nil
}

// GetEdgesByKind is the reverse lookup: all `from` tasks that point at
// `to` via an edge of the given kind.
func (s *GormStore) GetEdgesByKind(ctx context.Context, kind types.EdgeKind, to string) ([]string, error) {
	var edges []types.TaskEdge
	err := s.db.WithContext(ctx).Find(&edges, "edge_kind = ? AND to_task = ?", kind, to).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list edges: %w", err)
	}
	froms := make([]string, 0, len(edges))
	for _, e := range edges {
		froms = append(froms, e.FromTask)
	}
	return froms, nil
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
