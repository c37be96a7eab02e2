package queue

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lexisub/lexisub/pkg/log"
	"github.com/lexisub/lexisub/pkg/types"
)

const (
	dequeueWait  = 5 * time.Second
	reapInterval = 30 * time.Second
)

// Worker consumes queues with one in-flight unit per consumer
// goroutine. Prefetching is deliberately disabled so a long download
// cannot starve a queued transcription behind an idle worker.
type Worker struct {
	queue    *RedisQueue
	handlers map[string]Handler

	// OnExhausted is invoked after a unit is dead-lettered, letting the
	// owner mark the task failed. Optional.
	OnExhausted func(ctx context.Context, unit *types.WorkUnit)
}

// NewWorker creates a worker with no registered handlers
func NewWorker(q *RedisQueue) *Worker {
	return &Worker{
		queue:    q,
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to a queue name. Must be called before Run.
func (w *Worker) Register(queue string, h Handler) {
	w.handlers[queue] = h
}

// Run consumes all registered queues until ctx is cancelled. It also
// runs the lease reaper for those queues.
func (w *Worker) Run(ctx context.Context) error {
	if len(w.handlers) == 0 {
		return errors.New("no handlers registered")
	}

	g, ctx := errgroup.WithContext(ctx)

	for name := range w.handlers {
		name := name
		g.Go(func() error {
			return w.consume(ctx, name)
		})
	}
	g.Go(func() error {
		return w.reapLoop(ctx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Worker) consume(ctx context.Context, queue string) error {
	logger := log.WithQueue(queue)
	logger.Info().Msg("worker consuming")

	handler := w.handlers[queue]
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		unit, lease, err := w.queue.Dequeue(ctx, queue, dequeueWait)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error().Err(err).Msg("dequeue failed")
			time.Sleep(time.Second)
			continue
		}
		if unit == nil {
			continue // wait timed out
		}

		w.process(ctx, queue, handler, unit, lease)
	}
}

// process runs the handler under the hard time limit and settles the
// lease according to the outcome.
func (w *Worker) process(ctx context.Context, queue string, handler Handler, unit *types.WorkUnit, lease string) {
	logger := log.WithQueue(queue)

	runCtx, cancel := context.WithTimeout(ctx, w.queue.opts.HardTimeLimit)
	defer cancel()

	soft := time.AfterFunc(w.queue.opts.SoftTimeLimit, func() {
		logger.Warn().
			Str("unit_id", unit.ID).
			Str("task_id", unit.TaskID).
			Dur("limit", w.queue.opts.SoftTimeLimit).
			Msg("work unit exceeded soft time limit")
	})
	defer soft.Stop()

	err := handler(runCtx, unit)
	if err == nil {
		if ackErr := w.queue.Ack(ctx, queue, lease); ackErr != nil {
			logger.Error().Err(ackErr).Str("unit_id", unit.ID).Msg("ack failed")
		}
		return
	}

	logger.Error().Err(err).
		Str("unit_id", unit.ID).
		Str("task_id", unit.TaskID).
		Int("attempt", unit.Attempt).
		Msg("work unit failed")

	retryErr := w.queue.Retry(ctx, queue, lease, unit)
	switch {
	case errors.Is(retryErr, ErrExhausted):
		if w.OnExhausted != nil {
			w.OnExhausted(ctx, unit)
		}
	case retryErr != nil:
		logger.Error().Err(retryErr).Str("unit_id", unit.ID).Msg("retry scheduling failed")
	}
}

func (w *Worker) reapLoop(ctx context.Context) error {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for name := range w.handlers {
				if err := w.queue.Reap(ctx, name); err != nil {
					log.WithQueue(name).Error().Err(err).Msg("reap failed")
				}
			}
		}
	}
}

// QueueFor maps a work kind to its queue name. Kinds without a
// dedicated stage queue are routed to the shared default queue.
func QueueFor(kind types.WorkKind) string {
	switch kind {
	case types.WorkDownload:
		return QueueDownload
	case types.WorkTranscribe:
		return QueueTranscribe
	case types.WorkEnrich:
		return QueueEnrich
	default:
		return QueueDefault
	}
}
