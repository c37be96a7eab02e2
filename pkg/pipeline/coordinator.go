package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lexisub/lexisub/pkg/log"
	"github.com/lexisub/lexisub/pkg/metrics"
	"github.com/lexisub/lexisub/pkg/queue"
	"github.com/lexisub/lexisub/pkg/storage"
	"github.com/lexisub/lexisub/pkg/types"
)

// terminalError marks a failure that must not be retried by the queue:
// the task is failed immediately and the root is notified.
type terminalError struct {
	err error
}

func (e *terminalError) Error() string { return e.err.Error() }

func (e *terminalError) Unwrap() error { return e.err }

// Terminal wraps err as non-retryable
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// IsTerminal reports whether err must not be retried
func IsTerminal(err error) bool {
	var te *terminalError
	return errors.As(err, &te)
}

// Coordinator creates root tasks, chains stage children and settles
// failures across the task graph.
type Coordinator struct {
	svc *Services
}

// NewCoordinator wires the coordinator over the shared services
func NewCoordinator(svc *Services) *Coordinator {
	return &Coordinator{svc: svc}
}

// StartPipeline creates the root task and its download child and makes
// the first work unit deliverable.
func (c *Coordinator) StartPipeline(ctx context.Context, url string) (*types.Task, error) {
	root, err := c.svc.Store.CreateTask(ctx, types.TaskTypeRoot, url)
	if err != nil {
		return nil, err
	}
	metrics.TasksCreated.WithLabelValues(string(types.TaskTypeRoot)).Inc()

	payload, err := json.Marshal(types.DownloadPayload{URL: url, WorkDir: c.svc.Config.WorkDir})
	if err != nil {
		return nil, err
	}
	if err := c.ensureChild(ctx, root.TaskID, types.EdgeDownload, types.TaskTypeDownload, types.WorkDownload, payload); err != nil {
		return nil, err
	}

	log.WithTaskID(root.TaskID).Info().Str("url", url).Msg("pipeline started")
	return root, nil
}

// ensureChild idempotently creates the child for (root, kind), links
// both edge directions and enqueues its work unit. A previous partial
// attempt that already created the child is completed, not duplicated:
// re-running every step is safe because edge writes are idempotent and
// duplicate enqueues are absorbed by at-least-once delivery.
func (c *Coordinator) ensureChild(ctx context.Context, rootID string, kind types.EdgeKind, taskType types.TaskType, work types.WorkKind, payload json.RawMessage) error {
	childID, err := c.svc.Store.GetEdge(ctx, rootID, kind)
	switch {
	case errors.Is(err, storage.ErrEdgeNotFound):
		root, err := c.svc.Store.GetTask(ctx, rootID)
		if err != nil {
			return err
		}
		child, err := c.svc.Store.CreateTask(ctx, taskType, root.SourceURL)
		if err != nil {
			return err
		}
		childID = child.TaskID
		metrics.TasksCreated.WithLabelValues(string(taskType)).Inc()
		if err := c.svc.Store.SetEdge(ctx, rootID, kind, childID); err != nil {
			return err
		}
	case err != nil:
		return err
	}

	if err := c.svc.Store.SetEdge(ctx, childID, types.EdgeRoot, rootID); err != nil {
		return err
	}

	unit := &types.WorkUnit{
		Kind:    work,
		TaskID:  childID,
		Payload: payload,
	}
	return c.svc.Queue.Enqueue(ctx, queue.QueueFor(work), unit)
}

// rootOf resolves the root task id for a child
func (c *Coordinator) rootOf(ctx context.Context, childID string) (string, error) {
	return c.svc.Store.GetEdge(ctx, childID, types.EdgeRoot)
}

// failTask marks the child Failed and propagates the failure to its
// root. Illegal-transition rejections mean another writer already
// settled the task; those are ignored.
func (c *Coordinator) failTask(ctx context.Context, childID, message, errText string) {
	logger := log.WithTaskID(childID)

	failed := types.TaskStatusFailed
	_, err := c.svc.Store.UpdateTask(ctx, childID, storage.TaskUpdate{
		Status:  &failed,
		Message: &message,
		Error:   &errText,
	})
	if err != nil && !errors.Is(err, storage.ErrIllegalTransition) {
		logger.Error().Err(err).Msg("failed to mark task failed")
	}

	child, err := c.svc.Store.GetTask(ctx, childID)
	if err == nil {
		metrics.TasksFailed.WithLabelValues(string(child.TaskType)).Inc()
	}

	rootID, err := c.rootOf(ctx, childID)
	if err != nil {
		if !errors.Is(err, storage.ErrEdgeNotFound) {
			logger.Error().Err(err).Msg("failed to resolve root task")
		}
		return
	}

	rootMsg := fmt.Sprintf("%s failed", message)
	_, err = c.svc.Store.UpdateTask(ctx, rootID, storage.TaskUpdate{
		Status:  &failed,
		Message: &rootMsg,
		Error:   &errText,
	})
	if err != nil && !errors.Is(err, storage.ErrIllegalTransition) {
		logger.Error().Err(err).Str("root_id", rootID).Msg("failed to propagate failure to root")
	}
}

// OnExhausted is installed as the queue's dead-letter callback: the
// unit's task is failed with a policy error and the root is notified.
func (c *Coordinator) OnExhausted(ctx context.Context, unit *types.WorkUnit) {
	c.failTask(ctx, unit.TaskID, string(unit.Kind), "retries exhausted")
}

// RegisterHandlers binds all stage handlers onto the worker
func (c *Coordinator) RegisterHandlers(w *queue.Worker) {
	w.Register(queue.QueueDownload, c.wrap(c.handleDownload))
	w.Register(queue.QueueTranscribe, c.wrap(c.handleTranscribe))
	w.Register(queue.QueueEnrich, c.wrap(c.handleEnrich))
	w.OnExhausted = c.OnExhausted
}

// wrap settles terminal failures in one place: a handler returning a
// Terminal error fails the task graph and acks the unit; any other
// error propagates to the queue for retry.
func (c *Coordinator) wrap(h func(ctx context.Context, unit *types.WorkUnit) error) queue.Handler {
	return func(ctx context.Context, unit *types.WorkUnit) error {
		err := h(ctx, unit)
		if err == nil {
			return nil
		}
		if IsTerminal(err) {
			c.failTask(ctx, unit.TaskID, string(unit.Kind), err.Error())
			return nil
		}
		return err
	}
}

// beginTask transitions the task to Running and reports whether the
// unit still needs processing. Terminal tasks mean a duplicate
// delivery of already-finished work; those are dropped.
func (c *Coordinator) beginTask(ctx context.Context, taskID, message string) (bool, error) {
	task, err := c.svc.Store.GetTask(ctx, taskID)
	if err != nil {
		return false, Terminal(err)
	}
	if task.Status.Terminal() {
		log.WithTaskID(taskID).Debug().Msg("dropping duplicate delivery for settled task")
		return false, nil
	}

	running := types.TaskStatusRunning
	if _, err := c.svc.Store.UpdateTask(ctx, taskID, storage.TaskUpdate{
		Status:  &running,
		Message: &message,
	}); err != nil {
		return false, err
	}
	return true, nil
}

// setProgress updates the child's own 0-100 progress
func (c *Coordinator) setProgress(ctx context.Context, taskID string, pct int, message string) {
	_, err := c.svc.Store.UpdateTask(ctx, taskID, storage.TaskUpdate{
		Progress: &pct,
		Message:  &message,
	})
	if err != nil {
		log.WithTaskID(taskID).Warn().Err(err).Msg("progress update failed")
	}
}

// completeTask settles the child as Completed with its output
func (c *Coordinator) completeTask(ctx context.Context, taskID, outputRef, message string) error {
	completed := types.TaskStatusCompleted
	full := 100
	_, err := c.svc.Store.UpdateTask(ctx, taskID, storage.TaskUpdate{
		Status:    &completed,
		Progress:  &full,
		Message:   &message,
		OutputRef: &outputRef,
	})
	if err != nil {
		return err
	}

	task, err := c.svc.Store.GetTask(ctx, taskID)
	if err == nil {
		metrics.TasksCompleted.WithLabelValues(string(task.TaskType)).Inc()
	}
	return nil
}
