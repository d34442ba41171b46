package jobqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/TimKotowski/pg-job-queue/internal/queuedb"
)

var (
	_ Queue     = &MemoryQueue{}
	_ Inspector = &MemoryQueue{}
)

// MemoryQueue keeps jobs in process memory. It follows the same state machine as
// PostgresQueue and is meant for tests and local runs; nothing survives a restart.
type MemoryQueue struct {
	mu     sync.Mutex
	jobs   map[uuid.UUID]*queuedb.Job
	conf   *Config
	clock  clockwork.Clock
	policy queuedb.RetryPolicy
}

func NewMemoryQueue(conf *Config, clock clockwork.Clock) *MemoryQueue {
	return &MemoryQueue{
		jobs:  make(map[uuid.UUID]*queuedb.Job),
		conf:  conf,
		clock: clock,
		policy: queuedb.RetryPolicy{
			MaxAttempts: conf.MaxAttempts,
			Backoff:     conf.RetryBackoff,
		},
	}
}

func (q *MemoryQueue) Push(ctx context.Context, message Message, opts ...PushOption) (uuid.UUID, error) {
	if err := message.isValidMessage(); err != nil {
		return uuid.Nil, err
	}

	// Stored serialized, like a real store, so payloads only ever come back through decoding.
	data, err := json.Marshal(message)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	now := q.now()
	job := &queuedb.Job{
		ID:             newJobID(),
		CreatedAt:      now,
		UpdatedAt:      now,
		ScheduledFor:   scheduledFor(now, opts),
		FailedAttempts: 0,
		Status:         queuedb.Queued,
		Message:        data,
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs[job.ID] = job

	return job.ID, nil
}

func (q *MemoryQueue) Pull(ctx context.Context, max int) ([]Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageError("pull", err)
	}

	limit := clampPullLimit(max)
	if limit <= 0 {
		return nil, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var eligible []*queuedb.Job
	for _, job := range q.jobs {
		if job.Status == queuedb.Queued && !job.ScheduledFor.After(now) && job.FailedAttempts < q.conf.MaxAttempts {
			eligible = append(eligible, job)
		}
	}
	slices.SortFunc(eligible, func(a, b *queuedb.Job) int {
		if c := a.ScheduledFor.Compare(b.ScheduledFor); c != 0 {
			return c
		}
		return bytes.Compare(a.ID[:], b.ID[:])
	})
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	jobs := make([]Job, 0, len(eligible))
	for _, job := range eligible {
		var message Message
		if err := json.Unmarshal(job.Message, &message); err != nil {
			q.fail(job, now)
			continue
		}
		job.Status = queuedb.Running
		job.UpdatedAt = now
		jobs = append(jobs, Job{
			ID:             job.ID,
			Message:        message,
			FailedAttempts: job.FailedAttempts,
			ScheduledFor:   job.ScheduledFor,
			CreatedAt:      job.CreatedAt,
		})
	}

	return jobs, nil
}

func (q *MemoryQueue) Complete(ctx context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.jobs, id)
	return nil
}

func (q *MemoryQueue) Fail(ctx context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return storageError("fail", ErrJobNotFound)
	}
	q.fail(job, q.now())
	return nil
}

// fail mirrors queuedb's guarded transition. Callers hold mu.
func (q *MemoryQueue) fail(job *queuedb.Job, now time.Time) {
	if job.Status == queuedb.Failed {
		return
	}

	job.FailedAttempts++
	job.UpdatedAt = now
	if q.policy.Exhausted(job.FailedAttempts) {
		job.Status = queuedb.Failed
		return
	}

	job.Status = queuedb.Queued
	if retryAt := q.policy.RetryAt(job.FailedAttempts, now); retryAt.After(job.ScheduledFor) {
		job.ScheduledFor = retryAt
	}
}

func (q *MemoryQueue) Flush(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	clear(q.jobs)
	return nil
}

func (q *MemoryQueue) Lookup(ctx context.Context, id uuid.UUID) (*JobInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return nil, storageError("lookup", ErrJobNotFound)
	}

	info := &JobInfo{
		ID:             job.ID,
		Status:         job.Status,
		FailedAttempts: job.FailedAttempts,
		ScheduledFor:   job.ScheduledFor,
		CreatedAt:      job.CreatedAt,
		UpdatedAt:      job.UpdatedAt,
	}
	if err := json.Unmarshal(job.Message, &info.Message); err != nil {
		return nil, storageError("lookup", err)
	}
	return info, nil
}

func (q *MemoryQueue) Stats(ctx context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var stats Stats
	for _, job := range q.jobs {
		switch job.Status {
		case queuedb.Queued:
			stats.Queued++
		case queuedb.Running:
			stats.Running++
		case queuedb.Failed:
			stats.Failed++
		}
	}
	return stats, nil
}

func (q *MemoryQueue) now() time.Time {
	return q.clock.Now().UTC().Truncate(time.Microsecond)
}
