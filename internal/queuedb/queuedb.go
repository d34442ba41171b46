package queuedb

import (
	"context"
	"database/sql"
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const NoRowsAffected = 0

var ErrJobNotFound = errors.New("job not found")

type QueueDB interface {
	// Insert writes a new job row. The caller assigns the id and timestamps.
	Insert(ctx context.Context, job *Job) error

	// Claim moves up to limit eligible jobs to Running and returns them, earliest due first.
	// A job is eligible when it is Queued, due at or before now, and has fewer than maxAttempts failures.
	// Selection and update happen in one statement with row locks skipped rather than waited on,
	// so concurrent claimers never receive the same row.
	Claim(ctx context.Context, limit, maxAttempts int, now time.Time) ([]Job, error)

	// Delete removes a job. Deleting a job that does not exist is not an error.
	Delete(ctx context.Context, id uuid.UUID) error

	// Fail records a failed attempt and returns the status the job ended up in.
	// Jobs still within policy go back to Queued, the rest become Failed and are never claimed again.
	Fail(ctx context.Context, id uuid.UUID, policy RetryPolicy, now time.Time) (Status, error)

	// Flush removes every job.
	Flush(ctx context.Context) error

	Get(ctx context.Context, id uuid.UUID) (*Job, error)

	CountByStatus(ctx context.Context) ([]StatusCount, error)
}

var (
	_ QueueDB            = &queueDB{}
	_ QueueMaintenanceDB = &queueDB{}
)

type queueDB struct {
	db *bun.DB
}

func NewQueueDB(db *bun.DB) QueueDB {
	return &queueDB{
		db: db,
	}
}

func (r *queueDB) Insert(ctx context.Context, job *Job) error {
	_, err := r.db.NewInsert().Model(job).Exec(ctx)
	return err
}

func (r *queueDB) Claim(ctx context.Context, limit, maxAttempts int, now time.Time) ([]Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	var jobs []Job
	sub := r.db.NewSelect().
		Table("queue").
		Column("id").
		Where("status = ?", Queued).
		Where("scheduled_for <= ?", now).
		Where("failed_attempts < ?", maxAttempts).
		Order("scheduled_for ASC").
		Limit(limit).
		For("UPDATE SKIP LOCKED")

	err := r.db.NewUpdate().
		TableExpr("queue AS q").
		TableExpr("(?) AS sub", sub).
		Set("status = ?", Running).
		Set("updated_at = ?", now).
		Where("q.id = sub.id").
		Returning("q.*").
		Scan(ctx, &jobs)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	// RETURNING gives no ordering guarantee.
	slices.SortFunc(jobs, compareDue)

	return jobs, nil
}

func (r *queueDB) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.NewDelete().
		Model((*Job)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

func (r *queueDB) Fail(ctx context.Context, id uuid.UUID, policy RetryPolicy, now time.Time) (Status, error) {
	return RunInTxWithReturnType(ctx, r.db, func(tx bun.Tx) (Status, error) {
		var job Job
		err := tx.NewSelect().
			Model(&job).
			Where("id = ?", id).
			For("UPDATE").
			Scan(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrJobNotFound
		}
		if err != nil {
			return 0, err
		}

		// Terminal jobs keep their attempt count.
		if job.Status == Failed {
			return Failed, nil
		}

		attempts := job.FailedAttempts + 1
		status := Queued
		scheduledFor := job.ScheduledFor
		if policy.Exhausted(attempts) {
			status = Failed
		} else if retryAt := policy.RetryAt(attempts, now); retryAt.After(scheduledFor) {
			scheduledFor = retryAt
		}

		_, err = tx.NewUpdate().
			Model((*Job)(nil)).
			Set("failed_attempts = ?", attempts).
			Set("status = ?", status).
			Set("scheduled_for = ?", scheduledFor).
			Set("updated_at = ?", now).
			Where("id = ?", id).
			Exec(ctx)
		if err != nil {
			return 0, err
		}

		return status, nil
	})
}

func (r *queueDB) Flush(ctx context.Context) error {
	_, err := r.db.NewTruncateTable().
		Model((*Job)(nil)).
		Exec(ctx)
	return err
}

func (r *queueDB) Get(ctx context.Context, id uuid.UUID) (*Job, error) {
	job := new(Job)
	err := r.db.NewSelect().
		Model(job).
		Where("id = ?", id).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (r *queueDB) CountByStatus(ctx context.Context) ([]StatusCount, error) {
	var counts []StatusCount
	err := r.db.NewSelect().
		Table("queue").
		Column("status").
		ColumnExpr("COUNT(*) AS count").
		Group("status").
		Order("status").
		Scan(ctx, &counts)
	if err != nil {
		return nil, err
	}
	return counts, nil
}

func (r *queueDB) RequeueOrphanedJobs(ctx context.Context, staleBefore time.Time, maxAttempts int, now time.Time) (int, error) {
	res, err := r.db.NewUpdate().
		Model((*Job)(nil)).
		Set("status = CASE WHEN q.failed_attempts + 1 >= ? THEN ? ELSE ? END", maxAttempts, Failed, Queued).
		Set("failed_attempts = q.failed_attempts + 1").
		Set("updated_at = ?", now).
		Where("status = ?", Running).
		Where("updated_at < ?", staleBefore).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return rowsAffected(res)
}

func (r *queueDB) DeleteFailedJobs(ctx context.Context, before time.Time) (int, error) {
	res, err := r.db.NewDelete().
		Model((*Job)(nil)).
		Where("status = ?", Failed).
		Where("updated_at < ?", before).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return rowsAffected(res)
}

func (r *queueDB) ReIndex(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, "REINDEX TABLE CONCURRENTLY queue")
	return err
}

func rowsAffected(res sql.Result) (int, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func compareDue(a, b Job) int {
	if c := a.ScheduledFor.Compare(b.ScheduledFor); c != 0 {
		return c
	}
	return slices.Compare(a.ID[:], b.ID[:])
}
