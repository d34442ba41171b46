package jobqueue

//go:generate mockgen -source=queue.go -destination=mocks/mock_queue.go -package=mock_jobqueue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/TimKotowski/pg-job-queue/internal/queuedb"
)

// Queue is what a worker needs from a job store.
// Implementations must make Pull atomic: two concurrent pulls never return the same job.
type Queue interface {
	// Push stores a message and returns its id. Without options the job is due immediately.
	Push(ctx context.Context, message Message, opts ...PushOption) (uuid.UUID, error)

	// Pull claims up to max due jobs, earliest due first. max is capped at MaxPullLimit.
	Pull(ctx context.Context, max int) ([]Job, error)

	// Complete removes a finished job. Completing an unknown id is not an error.
	Complete(ctx context.Context, id uuid.UUID) error

	// Fail records a failed attempt. The job is retried until it runs out of attempts.
	Fail(ctx context.Context, id uuid.UUID) error

	// Flush removes every job.
	Flush(ctx context.Context) error
}

// Inspector is implemented by queues that can answer operator queries.
type Inspector interface {
	Lookup(ctx context.Context, id uuid.UUID) (*JobInfo, error)
	Stats(ctx context.Context) (Stats, error)
}

// Job is a claimed job handed to a worker.
type Job struct {
	ID             uuid.UUID
	Message        Message
	FailedAttempts int
	ScheduledFor   time.Time
	CreatedAt      time.Time
}

type Status = queuedb.Status

const (
	StatusQueued  = queuedb.Queued
	StatusRunning = queuedb.Running
	StatusFailed  = queuedb.Failed
)

// JobInfo is the stored state of a job.
type JobInfo struct {
	ID             uuid.UUID
	Status         Status
	FailedAttempts int
	Message        Message
	ScheduledFor   time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Stats struct {
	Queued  int
	Running int
	Failed  int
}

func (s Stats) Total() int {
	return s.Queued + s.Running + s.Failed
}

type pushOptions struct {
	delay        time.Duration
	scheduledFor time.Time
}

type PushOption func(o *pushOptions)

// WithDelay makes the job due d after it is pushed.
func WithDelay(d time.Duration) PushOption {
	return func(o *pushOptions) {
		o.delay = d
	}
}

// WithScheduledFor makes the job due at t. It takes precedence over WithDelay.
func WithScheduledFor(t time.Time) PushOption {
	return func(o *pushOptions) {
		o.scheduledFor = t
	}
}

func scheduledFor(now time.Time, opts []PushOption) time.Time {
	var o pushOptions
	for _, opt := range opts {
		opt(&o)
	}
	switch {
	case !o.scheduledFor.IsZero():
		return o.scheduledFor.UTC().Truncate(time.Microsecond)
	case o.delay > 0:
		return now.Add(o.delay).Truncate(time.Microsecond)
	default:
		return now
	}
}

func clampPullLimit(max int) int {
	if max > MaxPullLimit {
		return MaxPullLimit
	}
	return max
}

// newJobID returns a ULID in UUID form, so ids sort by creation time.
// ulid.Make is monotonic within the process and safe for concurrent use.
func newJobID() uuid.UUID {
	return uuid.UUID(ulid.Make())
}
