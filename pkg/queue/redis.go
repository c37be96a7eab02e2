package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/lexisub/lexisub/pkg/log"
	"github.com/lexisub/lexisub/pkg/metrics"
	"github.com/lexisub/lexisub/pkg/types"
)

const (
	readyKey    = "lexisub:q:%s"
	inflightKey = "lexisub:q:%s:inflight"
	delayedKey  = "lexisub:q:%s:delayed"
	dlqKey      = "lexisub:q:%s:dlq"
)

// RedisQueue implements at-least-once delivery on Redis primitives:
// a ready list per queue, a lease sorted set scored by deadline, a
// delayed sorted set scored by ready time, and a dead letter list.
type RedisQueue struct {
	client redis.UniversalClient
	opts   Options
}

// NewRedisQueue wraps an existing Redis client
func NewRedisQueue(client redis.UniversalClient, opts Options) *RedisQueue {
	return &RedisQueue{client: client, opts: opts.withDefaults()}
}

// Enqueue makes the unit immediately deliverable. A missing unit ID is
// assigned here so retries of the same unit stay correlated in logs.
func (q *RedisQueue) Enqueue(ctx context.Context, queue string, unit *types.WorkUnit) error {
	if unit.ID == "" {
		unit.ID = uuid.New().String()
	}
	raw, err := json.Marshal(unit)
	if err != nil {
		return fmt.Errorf("failed to marshal work unit: %w", err)
	}
	if err := q.client.LPush(ctx, fmt.Sprintf(readyKey, queue), raw).Err(); err != nil {
		return fmt.Errorf("failed to enqueue: %w", err)
	}
	q.observeDepth(ctx, queue)
	return nil
}

// Dequeue blocks up to `wait` for a unit, then leases it for the
// visibility timeout. The returned lease token must be passed back to
// Ack or Retry. A nil unit with nil error means the wait timed out.
func (q *RedisQueue) Dequeue(ctx context.Context, queue string, wait time.Duration) (*types.WorkUnit, string, error) {
	res, err := q.client.BRPop(ctx, wait, fmt.Sprintf(readyKey, queue)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, "", nil
		}
		return nil, "", fmt.Errorf("failed to dequeue: %w", err)
	}
	raw := res[1]

	var unit types.WorkUnit
	if err := json.Unmarshal([]byte(raw), &unit); err != nil {
		// Undecodable payloads go straight to the dead letter list
		log.WithQueue(queue).Error().Err(err).Msg("dropping undecodable work unit")
		q.client.LPush(ctx, fmt.Sprintf(dlqKey, queue), raw)
		return nil, "", nil
	}

	// The delivery itself consumes an attempt; the rewritten payload
	// carries the count across lease-expiry redeliveries.
	unit.Attempt++
	leased, err := json.Marshal(&unit)
	if err != nil {
		return nil, "", err
	}
	deadline := time.Now().Add(q.opts.LeaseTimeout)
	err = q.client.ZAdd(ctx, fmt.Sprintf(inflightKey, queue), redis.Z{
		Score:  float64(deadline.Unix()),
		Member: leased,
	}).Err()
	if err != nil {
		return nil, "", fmt.Errorf("failed to lease work unit: %w", err)
	}
	q.observeDepth(ctx, queue)
	return &unit, string(leased), nil
}

// Ack releases the lease after successful processing
func (q *RedisQueue) Ack(ctx context.Context, queue, lease string) error {
	return q.client.ZRem(ctx, fmt.Sprintf(inflightKey, queue), lease).Err()
}

// Retry releases the lease and reschedules the unit with exponential
// backoff. When attempts are exhausted the unit is dead-lettered and
// ErrExhausted is returned so the caller can fail the task.
func (q *RedisQueue) Retry(ctx context.Context, queue, lease string, unit *types.WorkUnit) error {
	if err := q.client.ZRem(ctx, fmt.Sprintf(inflightKey, queue), lease).Err(); err != nil {
		return err
	}

	if unit.Attempt >= q.opts.MaxAttempts {
		if err := q.client.LPush(ctx, fmt.Sprintf(dlqKey, queue), lease).Err(); err != nil {
			return err
		}
		metrics.WorkDeadLettered.WithLabelValues(queue).Inc()
		log.WithQueue(queue).Error().
			Str("unit_id", unit.ID).
			Str("task_id", unit.TaskID).
			Int("attempts", unit.Attempt).
			Msg("work unit dead-lettered")
		return ErrExhausted
	}

	delay := q.backoff(unit.Attempt)
	readyAt := time.Now().Add(delay)
	err := q.client.ZAdd(ctx, fmt.Sprintf(delayedKey, queue), redis.Z{
		Score:  float64(readyAt.Unix()),
		Member: lease,
	}).Err()
	if err != nil {
		return err
	}
	metrics.WorkRetries.WithLabelValues(queue).Inc()
	log.WithQueue(queue).Warn().
		Str("unit_id", unit.ID).
		Str("task_id", unit.TaskID).
		Int("attempt", unit.Attempt).
		Dur("delay", delay).
		Msg("work unit scheduled for retry")
	return nil
}

// backoff is base * 2^(attempt-1) with up to 25% jitter, capped
func (q *RedisQueue) backoff(attempt int) time.Duration {
	delay := q.opts.RetryDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= q.opts.BackoffCap {
			break
		}
	}
	if delay > q.opts.BackoffCap {
		delay = q.opts.BackoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	delay += jitter
	if delay > q.opts.BackoffCap {
		delay = q.opts.BackoffCap
	}
	return delay
}

// Reap requeues expired leases and promotes due delayed units. Two
// reapers racing can double-deliver a unit, which at-least-once
// semantics already require consumers to tolerate.
func (q *RedisQueue) Reap(ctx context.Context, queue string) error {
	now := strconv.FormatInt(time.Now().Unix(), 10)

	for _, src := range []string{fmt.Sprintf(inflightKey, queue), fmt.Sprintf(delayedKey, queue)} {
		members, err := q.client.ZRangeByScore(ctx, src, &redis.ZRangeBy{
			Min: "-inf",
			Max: now,
		}).Result()
		if err != nil {
			return fmt.Errorf("failed to scan %s: %w", src, err)
		}
		for _, m := range members {
			removed, err := q.client.ZRem(ctx, src, m).Result()
			if err != nil {
				return err
			}
			if removed == 0 {
				continue // another reaper got it first
			}
			if err := q.client.LPush(ctx, fmt.Sprintf(readyKey, queue), m).Err(); err != nil {
				return err
			}
		}
	}
	q.observeDepth(ctx, queue)
	return nil
}

// Depth returns the number of immediately deliverable units
func (q *RedisQueue) Depth(ctx context.Context, queue string) (int64, error) {
	return q.client.LLen(ctx, fmt.Sprintf(readyKey, queue)).Result()
}

// DeadLetters returns the current contents of the dead letter list
// without consuming them.
func (q *RedisQueue) DeadLetters(ctx context.Context, queue string) ([]*types.WorkUnit, error) {
	raws, err := q.client.LRange(ctx, fmt.Sprintf(dlqKey, queue), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	units := make([]*types.WorkUnit, 0, len(raws))
	for _, raw := range raws {
		var unit types.WorkUnit
		if err := json.Unmarshal([]byte(raw), &unit); err != nil {
			continue
		}
		units = append(units, &unit)
	}
	return units, nil
}

func (q *RedisQueue) observeDepth(ctx context.Context, queue string) {
	if depth, err := q.Depth(ctx, queue); err == nil {
		metrics.QueueDepth.WithLabelValues(queue).Set(float64(depth))
	}
}
