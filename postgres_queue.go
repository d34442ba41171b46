package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/TimKotowski/pg-job-queue/internal/queuedb"
)

var (
	_ Queue     = &PostgresQueue{}
	_ Inspector = &PostgresQueue{}
)

// PostgresQueue is a Queue over the queue table.
type PostgresQueue struct {
	db     queuedb.QueueDB
	conf   *Config
	clock  clockwork.Clock
	policy queuedb.RetryPolicy
	logger *slog.Logger
}

func NewPostgresQueue(db queuedb.QueueDB, conf *Config, clock clockwork.Clock) *PostgresQueue {
	return &PostgresQueue{
		db:    db,
		conf:  conf,
		clock: clock,
		policy: queuedb.RetryPolicy{
			MaxAttempts: conf.MaxAttempts,
			Backoff:     conf.RetryBackoff,
		},
		logger: slog.Default(),
	}
}

func (q *PostgresQueue) Push(ctx context.Context, message Message, opts ...PushOption) (uuid.UUID, error) {
	if err := message.isValidMessage(); err != nil {
		return uuid.Nil, err
	}

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
	if err := q.db.Insert(ctx, job); err != nil {
		return uuid.Nil, storageError("push", err)
	}

	return job.ID, nil
}

func (q *PostgresQueue) Pull(ctx context.Context, max int) ([]Job, error) {
	rows, err := q.db.Claim(ctx, clampPullLimit(max), q.conf.MaxAttempts, q.now())
	if err != nil {
		return nil, storageError("pull", err)
	}

	jobs := make([]Job, 0, len(rows))
	for _, row := range rows {
		var message Message
		if err := json.Unmarshal(row.Message, &message); err != nil {
			// The row is already Running. Count the attempt now rather than leave it for the
			// orphan sweep. The rest of the batch is claimed too and is returned regardless.
			if _, failErr := q.db.Fail(ctx, row.ID, q.policy, q.now()); failErr != nil {
				q.logger.Error("failing undecodable job", "job_id", row.ID, "decode_error", err, "error", failErr)
			}
			continue
		}
		jobs = append(jobs, Job{
			ID:             row.ID,
			Message:        message,
			FailedAttempts: row.FailedAttempts,
			ScheduledFor:   row.ScheduledFor,
			CreatedAt:      row.CreatedAt,
		})
	}

	return jobs, nil
}

func (q *PostgresQueue) Complete(ctx context.Context, id uuid.UUID) error {
	return storageError("complete", q.db.Delete(ctx, id))
}

func (q *PostgresQueue) Fail(ctx context.Context, id uuid.UUID) error {
	_, err := q.db.Fail(ctx, id, q.policy, q.now())
	return storageError("fail", err)
}

func (q *PostgresQueue) Flush(ctx context.Context) error {
	return storageError("flush", q.db.Flush(ctx))
}

func (q *PostgresQueue) Lookup(ctx context.Context, id uuid.UUID) (*JobInfo, error) {
	row, err := q.db.Get(ctx, id)
	if err != nil {
		return nil, storageError("lookup", err)
	}

	info := &JobInfo{
		ID:             row.ID,
		Status:         row.Status,
		FailedAttempts: row.FailedAttempts,
		ScheduledFor:   row.ScheduledFor,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
	}
	if err := json.Unmarshal(row.Message, &info.Message); err != nil {
		return nil, storageError("lookup", err)
	}
	return info, nil
}

func (q *PostgresQueue) Stats(ctx context.Context) (Stats, error) {
	counts, err := q.db.CountByStatus(ctx)
	if err != nil {
		return Stats{}, storageError("stats", err)
	}

	var stats Stats
	for _, c := range counts {
		switch c.Status {
		case queuedb.Queued:
			stats.Queued = c.Count
		case queuedb.Running:
			stats.Running = c.Count
		case queuedb.Failed:
			stats.Failed = c.Count
		}
	}
	return stats, nil
}

// now is truncated to the column precision, otherwise a job pushed and pulled at the
// same instant could be stored rounded up past the claim cutoff.
func (q *PostgresQueue) now() time.Time {
	return q.clock.Now().UTC().Truncate(time.Microsecond)
}
