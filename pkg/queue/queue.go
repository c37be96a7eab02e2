package queue

import (
	"context"
	"errors"
	"time"

	"github.com/lexisub/lexisub/pkg/types"
)

// Queue names, one per pipeline stage plus a shared fallback for
// kinds without a dedicated queue.
const (
	QueueDownload   = "download"
	QueueTranscribe = "transcribe"
	QueueEnrich     = "enrich"
	QueueDefault    = "default"
)

// ErrExhausted is returned when a work unit has used up its attempts
// and has been moved to the dead letter queue.
var ErrExhausted = errors.New("work unit retries exhausted")

// Handler processes one leased work unit. A nil return acknowledges
// the unit; any error schedules a retry (or dead-letters it).
type Handler func(ctx context.Context, unit *types.WorkUnit) error

// Options tune delivery behavior. Zero values are replaced by defaults.
type Options struct {
	// MaxAttempts is the total number of deliveries before a unit is
	// dead-lettered. 3 means one initial attempt plus two retries.
	MaxAttempts int

	// RetryDelay is the base delay before the first retry; subsequent
	// retries back off exponentially with jitter up to BackoffCap.
	RetryDelay time.Duration
	BackoffCap time.Duration

	// LeaseTimeout is the visibility timeout: a unit not acked within
	// it is considered lost and redelivered.
	LeaseTimeout time.Duration

	// SoftTimeLimit logs a warning when a handler runs past it;
	// HardTimeLimit cancels the handler context.
	SoftTimeLimit time.Duration
	HardTimeLimit time.Duration
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 60 * time.Second
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 10 * time.Minute
	}
	if opts.LeaseTimeout <= 0 {
		opts.LeaseTimeout = 5 * time.Minute
	}
	if opts.SoftTimeLimit <= 0 {
		opts.SoftTimeLimit = 55 * time.Minute
	}
	if opts.HardTimeLimit <= 0 {
		opts.HardTimeLimit = time.Hour
	}
	return opts
}

// Enqueuer is the producer side of the queue, the only part API
// handlers and stage coordinators need.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, unit *types.WorkUnit) error
}
