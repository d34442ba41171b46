package jobqueue_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jobqueue "github.com/TimKotowski/pg-job-queue"
	"github.com/TimKotowski/pg-job-queue/internal/queuedb"
	"github.com/TimKotowski/pg-job-queue/internal/queuetest"
	"github.com/TimKotowski/pg-job-queue/testHelper"
	"github.com/TimKotowski/pg-job-queue/testHelper/postgres"
)

func TestPostgresQueue(t *testing.T) {
	pool := postgres.NewPool(t)
	resource := postgres.SetUp(pool, t)
	db := queuedb.NewQueueDB(resource.DB)

	queuetest.Run(t, func(t *testing.T, conf *jobqueue.Config, clock clockwork.Clock) queuetest.Queue {
		q := jobqueue.NewPostgresQueue(db, conf, clock)
		require.NoError(t, q.Flush(context.Background()))
		return q
	})
}

// claimOnlyDB returns a fixed claim batch and fails every Fail call.
type claimOnlyDB struct {
	queuedb.QueueDB
	rows   []queuedb.Job
	failed []uuid.UUID
}

func (d *claimOnlyDB) Claim(ctx context.Context, limit, maxAttempts int, now time.Time) ([]queuedb.Job, error) {
	return d.rows, nil
}

func (d *claimOnlyDB) Fail(ctx context.Context, id uuid.UUID, policy queuedb.RetryPolicy, now time.Time) (queuedb.Status, error) {
	d.failed = append(d.failed, id)
	return 0, errors.New("connection reset")
}

func TestPullKeepsBatchWhenFailingUndecodableRow(t *testing.T) {
	good, err := json.Marshal(jobqueue.NewMessage(jobqueue.SendSignInEmail{Email: "your@email.com", Code: "000-000"}))
	require.NoError(t, err)

	first, broken, last := uuid.New(), uuid.New(), uuid.New()
	db := &claimOnlyDB{rows: []queuedb.Job{
		{ID: first, Status: queuedb.Running, Message: good},
		{ID: broken, Status: queuedb.Running, Message: json.RawMessage(`{"data":{}}`)},
		{ID: last, Status: queuedb.Running, Message: good},
	}}

	q := jobqueue.NewPostgresQueue(db, jobqueue.NewConfig(), clockwork.NewFakeClock())
	jobs, err := q.Pull(context.Background(), 10)
	require.NoError(t, err)

	got := testHelper.Map(jobs, func(j jobqueue.Job) uuid.UUID { return j.ID })
	assert.Equal(t, []uuid.UUID{first, last}, got)
	assert.Equal(t, []uuid.UUID{broken}, db.failed)
}
