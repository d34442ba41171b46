package queuedb_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun/extra/bundebug"

	"github.com/TimKotowski/pg-job-queue/internal/queuedb"
	"github.com/TimKotowski/pg-job-queue/testHelper"
	"github.com/TimKotowski/pg-job-queue/testHelper/postgres"
)

var epoch = time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)

func insert(t *testing.T, db queuedb.QueueDB, status queuedb.Status, attempts int, scheduledFor, updatedAt time.Time) uuid.UUID {
	t.Helper()
	job := &queuedb.Job{
		ID:             uuid.UUID(ulid.Make()),
		CreatedAt:      epoch,
		UpdatedAt:      updatedAt,
		ScheduledFor:   scheduledFor,
		FailedAttempts: attempts,
		Status:         status,
		Message:        json.RawMessage(`{"type":"keep_alive","data":{"nonce":"abc"}}`),
	}
	require.NoError(t, db.Insert(context.Background(), job))
	return job.ID
}

func get(t *testing.T, db queuedb.QueueDB, id uuid.UUID) *queuedb.Job {
	t.Helper()
	job, err := db.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func TestQueueDB(t *testing.T) {
	pool := postgres.NewPool(t)
	resource := postgres.SetUp(pool, t)
	if testing.Verbose() {
		resource.DB.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}

	ctx := context.Background()
	db := queuedb.NewQueueDB(resource.DB)
	maintenance, ok := queuedb.NewQueueMaintenanceDB(db)
	require.True(t, ok)

	flush := func(t *testing.T) {
		require.NoError(t, db.Flush(ctx))
	}

	t.Run("claim skips ineligible rows", func(t *testing.T) {
		flush(t)
		due := insert(t, db, queuedb.Queued, 0, epoch, epoch)
		insert(t, db, queuedb.Queued, 0, epoch.Add(time.Second), epoch)
		insert(t, db, queuedb.Running, 0, epoch, epoch)
		insert(t, db, queuedb.Failed, 3, epoch, epoch)
		insert(t, db, queuedb.Queued, 3, epoch, epoch)

		jobs, err := db.Claim(ctx, 10, 3, epoch)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, due, jobs[0].ID)
		assert.Equal(t, queuedb.Running, jobs[0].Status)
		assert.Equal(t, queuedb.Running, get(t, db, due).Status)
	})

	t.Run("claim returns earliest due first", func(t *testing.T) {
		flush(t)
		third := insert(t, db, queuedb.Queued, 0, epoch.Add(-time.Second), epoch)
		first := insert(t, db, queuedb.Queued, 0, epoch.Add(-3*time.Second), epoch)
		second := insert(t, db, queuedb.Queued, 0, epoch.Add(-2*time.Second), epoch)

		jobs, err := db.Claim(ctx, 10, 3, epoch)
		require.NoError(t, err)
		got := testHelper.Map(jobs, func(j queuedb.Job) uuid.UUID { return j.ID })
		assert.Equal(t, []uuid.UUID{first, second, third}, got)
	})

	t.Run("concurrent claims never share a row", func(t *testing.T) {
		flush(t)
		for range 200 {
			insert(t, db, queuedb.Queued, 0, epoch, epoch)
		}

		var (
			mu      sync.Mutex
			claimed []uuid.UUID
			wg      sync.WaitGroup
		)
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					jobs, err := db.Claim(ctx, 9, 3, epoch)
					if !assert.NoError(t, err) || len(jobs) == 0 {
						return
					}
					mu.Lock()
					for _, j := range jobs {
						claimed = append(claimed, j.ID)
					}
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, claimed, 200)
		assert.Empty(t, testHelper.Duplicates(claimed))
	})

	t.Run("fail transitions", func(t *testing.T) {
		flush(t)
		policy := queuedb.RetryPolicy{MaxAttempts: 2, Backoff: time.Minute}
		id := insert(t, db, queuedb.Running, 0, epoch, epoch)

		status, err := db.Fail(ctx, id, policy, epoch)
		require.NoError(t, err)
		assert.Equal(t, queuedb.Queued, status)
		job := get(t, db, id)
		assert.Equal(t, 1, job.FailedAttempts)
		assert.True(t, epoch.Add(time.Minute).Equal(job.ScheduledFor))

		status, err = db.Fail(ctx, id, policy, epoch)
		require.NoError(t, err)
		assert.Equal(t, queuedb.Failed, status)

		status, err = db.Fail(ctx, id, policy, epoch)
		require.NoError(t, err)
		assert.Equal(t, queuedb.Failed, status)
		assert.Equal(t, 2, get(t, db, id).FailedAttempts)

		_, err = db.Fail(ctx, uuid.New(), policy, epoch)
		assert.ErrorIs(t, err, queuedb.ErrJobNotFound)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		flush(t)
		id := insert(t, db, queuedb.Running, 0, epoch, epoch)

		require.NoError(t, db.Delete(ctx, id))
		require.NoError(t, db.Delete(ctx, id))

		_, err := db.Get(ctx, id)
		assert.ErrorIs(t, err, queuedb.ErrJobNotFound)
	})

	t.Run("count by status", func(t *testing.T) {
		flush(t)
		insert(t, db, queuedb.Queued, 0, epoch, epoch)
		insert(t, db, queuedb.Queued, 0, epoch, epoch)
		insert(t, db, queuedb.Running, 0, epoch, epoch)
		insert(t, db, queuedb.Failed, 3, epoch, epoch)

		counts, err := db.CountByStatus(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []queuedb.StatusCount{
			{Status: queuedb.Failed, Count: 1},
			{Status: queuedb.Queued, Count: 2},
			{Status: queuedb.Running, Count: 1},
		}, counts)
	})

	t.Run("requeue orphaned jobs", func(t *testing.T) {
		flush(t)
		now := epoch.Add(time.Hour)
		stale := insert(t, db, queuedb.Running, 0, epoch, epoch)
		lastChance := insert(t, db, queuedb.Running, 2, epoch, epoch)
		fresh := insert(t, db, queuedb.Running, 0, epoch, now)
		queued := insert(t, db, queuedb.Queued, 0, epoch, epoch)

		n, err := maintenance.RequeueOrphanedJobs(ctx, now.Add(-5*time.Minute), 3, now)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		job := get(t, db, stale)
		assert.Equal(t, queuedb.Queued, job.Status)
		assert.Equal(t, 1, job.FailedAttempts)

		job = get(t, db, lastChance)
		assert.Equal(t, queuedb.Failed, job.Status)
		assert.Equal(t, 3, job.FailedAttempts)

		assert.Equal(t, queuedb.Running, get(t, db, fresh).Status)
		assert.Equal(t, queuedb.Queued, get(t, db, queued).Status)
	})

	t.Run("delete failed jobs past retention", func(t *testing.T) {
		flush(t)
		old := insert(t, db, queuedb.Failed, 3, epoch, epoch)
		recent := insert(t, db, queuedb.Failed, 3, epoch, epoch.Add(time.Hour))
		queued := insert(t, db, queuedb.Queued, 0, epoch, epoch)

		n, err := maintenance.DeleteFailedJobs(ctx, epoch.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = db.Get(ctx, old)
		assert.ErrorIs(t, err, queuedb.ErrJobNotFound)
		get(t, db, recent)
		get(t, db, queued)
	})

	t.Run("reindex", func(t *testing.T) {
		assert.NoError(t, maintenance.ReIndex(ctx))
	})
}

func TestRetryPolicy(t *testing.T) {
	p := queuedb.RetryPolicy{MaxAttempts: 3, Backoff: time.Second}
	assert.Equal(t, epoch.Add(time.Second), p.RetryAt(1, epoch))
	assert.Equal(t, epoch.Add(2*time.Second), p.RetryAt(2, epoch))
	assert.Equal(t, epoch.Add(4*time.Second), p.RetryAt(3, epoch))
	assert.Equal(t, epoch.Add(time.Hour), p.RetryAt(40, epoch))

	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))

	assert.Equal(t, epoch, queuedb.RetryPolicy{MaxAttempts: 3}.RetryAt(2, epoch))
}
