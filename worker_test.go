package jobqueue_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	jobqueue "github.com/TimKotowski/pg-job-queue"
	mock_jobqueue "github.com/TimKotowski/pg-job-queue/mocks"
)

func pushSignIns(t *testing.T, q jobqueue.Queue, n int) []uuid.UUID {
	t.Helper()
	ids := make([]uuid.UUID, 0, n)
	for range n {
		id, err := q.Push(context.Background(), jobqueue.NewMessage(jobqueue.SendSignInEmail{
			Email: "your@email.com",
			Name:  "ABC DEF",
			Code:  "000-000",
		}))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func newTestWorker(conf *jobqueue.Config, q jobqueue.Queue, r *jobqueue.Registry) (*jobqueue.Worker, *jobqueue.Metrics) {
	metrics := jobqueue.NewMetrics(prometheus.NewRegistry())
	return jobqueue.NewWorker(conf, q, r, jobqueue.WithMetrics(metrics)), metrics
}

func TestWorkerRunOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("successful jobs are completed", func(t *testing.T) {
		conf := jobqueue.NewConfig()
		q := jobqueue.NewMemoryQueue(conf, clockwork.NewRealClock())
		pushSignIns(t, q, 3)

		var handled atomic.Int64
		r := jobqueue.NewRegistry()
		jobqueue.Handle(r, func(ctx context.Context, job jobqueue.Job, p jobqueue.SendSignInEmail) error {
			assert.Equal(t, "your@email.com", p.Email)
			handled.Add(1)
			return nil
		})

		w, metrics := newTestWorker(conf, q, r)
		assert.Equal(t, 3, w.RunOnce(ctx))
		assert.Equal(t, int64(3), handled.Load())

		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Zero(t, stats.Total())

		assert.Equal(t, float64(3), testutil.ToFloat64(metrics.Claimed))
		assert.Equal(t, float64(3), testutil.ToFloat64(metrics.Resolved.WithLabelValues("send_sign_in_email", "success")))
		assert.Zero(t, testutil.ToFloat64(metrics.InFlight))
	})

	t.Run("failed jobs are retried", func(t *testing.T) {
		conf := jobqueue.NewConfig(jobqueue.WithMaxAttempts(2))
		q := jobqueue.NewMemoryQueue(conf, clockwork.NewRealClock())
		id := pushSignIns(t, q, 1)[0]

		r := jobqueue.NewRegistry()
		jobqueue.Handle(r, func(ctx context.Context, job jobqueue.Job, p jobqueue.SendSignInEmail) error {
			return errors.New("smtp unavailable")
		})

		w, metrics := newTestWorker(conf, q, r)
		assert.Equal(t, 1, w.RunOnce(ctx))

		info, err := q.Lookup(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, jobqueue.StatusQueued, info.Status)
		assert.Equal(t, 1, info.FailedAttempts)

		assert.Equal(t, 1, w.RunOnce(ctx))

		info, err = q.Lookup(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, jobqueue.StatusFailed, info.Status)
		assert.Equal(t, 2, info.FailedAttempts)

		assert.Zero(t, w.RunOnce(ctx))
		assert.Equal(t, float64(2), testutil.ToFloat64(metrics.Resolved.WithLabelValues("send_sign_in_email", "failed")))
	})

	t.Run("unknown kind fails the job", func(t *testing.T) {
		conf := jobqueue.NewConfig(jobqueue.WithMaxAttempts(1))
		q := jobqueue.NewMemoryQueue(conf, clockwork.NewRealClock())
		id, err := q.Push(ctx, jobqueue.NewMessage(jobqueue.UnknownPayload{
			Type: "from_a_newer_release",
			Data: []byte(`{}`),
		}))
		require.NoError(t, err)

		w, metrics := newTestWorker(conf, q, jobqueue.NewRegistry())
		assert.Equal(t, 1, w.RunOnce(ctx))

		info, err := q.Lookup(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, jobqueue.StatusFailed, info.Status)
		assert.Equal(t, jobqueue.Kind("from_a_newer_release"), info.Message.Kind())

		assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Resolved.WithLabelValues("unknown", "failed")))
		assert.Equal(t, 1, testutil.CollectAndCount(metrics.Resolved))
	})

	t.Run("panicking handler fails the job", func(t *testing.T) {
		conf := jobqueue.NewConfig()
		q := jobqueue.NewMemoryQueue(conf, clockwork.NewRealClock())
		id := pushSignIns(t, q, 1)[0]

		r := jobqueue.NewRegistry()
		jobqueue.Handle(r, func(ctx context.Context, job jobqueue.Job, p jobqueue.SendSignInEmail) error {
			panic("nil template")
		})

		w, _ := newTestWorker(conf, q, r)
		assert.Equal(t, 1, w.RunOnce(ctx))

		info, err := q.Lookup(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 1, info.FailedAttempts)
	})

	t.Run("handler timeout fails the job", func(t *testing.T) {
		conf := jobqueue.NewConfig(jobqueue.WithHandlerTimeout(50 * time.Millisecond))
		q := jobqueue.NewMemoryQueue(conf, clockwork.NewRealClock())
		id := pushSignIns(t, q, 1)[0]

		release := make(chan struct{})
		t.Cleanup(func() { close(release) })

		r := jobqueue.NewRegistry()
		jobqueue.Handle(r, func(ctx context.Context, job jobqueue.Job, p jobqueue.SendSignInEmail) error {
			// Ignores ctx on purpose.
			<-release
			return nil
		})

		w, _ := newTestWorker(conf, q, r)
		assert.Equal(t, 1, w.RunOnce(ctx))

		info, err := q.Lookup(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, jobqueue.StatusQueued, info.Status)
		assert.Equal(t, 1, info.FailedAttempts)
	})

	t.Run("timed out handlers keep their slot", func(t *testing.T) {
		conf := jobqueue.NewConfig(
			jobqueue.WithConcurrency(1),
			jobqueue.WithHandlerTimeout(20*time.Millisecond),
			jobqueue.WithMaxAttempts(5),
		)
		q := jobqueue.NewMemoryQueue(conf, clockwork.NewRealClock())
		pushSignIns(t, q, 3)

		release := make(chan struct{})
		var active, highest atomic.Int64
		r := jobqueue.NewRegistry()
		jobqueue.Handle(r, func(ctx context.Context, job jobqueue.Job, p jobqueue.SendSignInEmail) error {
			n := active.Add(1)
			defer active.Add(-1)
			for {
				h := highest.Load()
				if n <= h || highest.CompareAndSwap(h, n) {
					break
				}
			}
			// Ignores ctx on purpose.
			<-release
			return nil
		})

		w, metrics := newTestWorker(conf, q, r)
		assert.Equal(t, 1, w.RunOnce(ctx))
		assert.Zero(t, w.RunOnce(ctx))
		assert.Zero(t, w.RunOnce(ctx))

		assert.Equal(t, int64(1), highest.Load())
		assert.Equal(t, float64(1), testutil.ToFloat64(metrics.InFlight))

		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, jobqueue.Stats{Queued: 3}, stats)

		close(release)
		assert.Eventually(t, func() bool {
			return active.Load() == 0 && testutil.ToFloat64(metrics.InFlight) == 0
		}, time.Second, 5*time.Millisecond)

		assert.Equal(t, 1, w.RunOnce(ctx))
		assert.Equal(t, int64(1), highest.Load())
	})

	t.Run("concurrency is bounded", func(t *testing.T) {
		conf := jobqueue.NewConfig(jobqueue.WithConcurrency(4))
		q := jobqueue.NewMemoryQueue(conf, clockwork.NewRealClock())
		pushSignIns(t, q, 10)

		var (
			mu      sync.Mutex
			active  int
			highest int
		)
		r := jobqueue.NewRegistry()
		jobqueue.Handle(r, func(ctx context.Context, job jobqueue.Job, p jobqueue.SendSignInEmail) error {
			mu.Lock()
			active++
			highest = max(highest, active)
			mu.Unlock()

			time.Sleep(20 * time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
			return nil
		})

		w, _ := newTestWorker(conf, q, r)
		assert.Equal(t, 4, w.RunOnce(ctx))
		assert.Equal(t, 4, w.RunOnce(ctx))
		assert.Equal(t, 2, w.RunOnce(ctx))
		assert.Zero(t, w.RunOnce(ctx))

		assert.LessOrEqual(t, highest, 4)
		assert.Positive(t, highest)
	})

	t.Run("claimed jobs are resolved after cancellation", func(t *testing.T) {
		conf := jobqueue.NewConfig()
		q := jobqueue.NewMemoryQueue(conf, clockwork.NewRealClock())
		pushSignIns(t, q, 2)

		runCtx, cancel := context.WithCancel(ctx)
		r := jobqueue.NewRegistry()
		jobqueue.Handle(r, func(ctx context.Context, job jobqueue.Job, p jobqueue.SendSignInEmail) error {
			cancel()
			return nil
		})

		w, _ := newTestWorker(conf, q, r)
		assert.Equal(t, 2, w.RunOnce(runCtx))

		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Zero(t, stats.Total())
	})
}

func TestWorkerPollErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	q := mock_jobqueue.NewMockQueue(ctrl)
	clock := clockwork.NewFakeClock()

	conf := jobqueue.NewConfig(jobqueue.WithPollErrorBackoff(time.Second))
	metrics := jobqueue.NewMetrics(prometheus.NewRegistry())
	w := jobqueue.NewWorker(conf, q, jobqueue.NewRegistry(), jobqueue.WithClock(clock), jobqueue.WithMetrics(metrics))

	q.EXPECT().Pull(gomock.Any(), conf.Concurrency).Return(nil, errors.New("connection refused"))

	done := make(chan int)
	go func() {
		done <- w.RunOnce(context.Background())
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	select {
	case <-done:
		t.Fatal("worker returned before backing off")
	default:
	}

	clock.Advance(time.Second)
	select {
	case n := <-done:
		assert.Zero(t, n)
	case <-ctx.Done():
		t.Fatal("worker did not return after backoff")
	}
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.PollErrors))
}

func TestWorkerKeepAlive(t *testing.T) {
	ctx := context.Background()

	t.Run("empty poll pushes a keep-alive job", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		q := mock_jobqueue.NewMockQueue(ctrl)

		conf := jobqueue.NewConfig(jobqueue.WithKeepAliveJobs(true, time.Minute))
		metrics := jobqueue.NewMetrics(prometheus.NewRegistry())
		w := jobqueue.NewWorker(conf, q, jobqueue.NewRegistry(), jobqueue.WithMetrics(metrics))

		q.EXPECT().Pull(gomock.Any(), conf.Concurrency).Return(nil, nil)
		q.EXPECT().Push(gomock.Any(), gomock.Any(), gomock.Any()).
			DoAndReturn(func(ctx context.Context, m jobqueue.Message, opts ...jobqueue.PushOption) (uuid.UUID, error) {
				assert.Equal(t, jobqueue.KindKeepAlive, m.Kind())
				assert.Len(t, opts, 1)
				return uuid.New(), nil
			})

		assert.Zero(t, w.RunOnce(ctx))
		assert.Equal(t, float64(1), testutil.ToFloat64(metrics.KeepAlivesPushed))
	})

	t.Run("at most one keep-alive per delay", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		q := mock_jobqueue.NewMockQueue(ctrl)
		clock := clockwork.NewFakeClock()

		conf := jobqueue.NewConfig(jobqueue.WithKeepAliveJobs(true, 5*time.Second))
		w := jobqueue.NewWorker(conf, q, jobqueue.NewRegistry(), jobqueue.WithClock(clock))

		q.EXPECT().Pull(gomock.Any(), gomock.Any()).Return(nil, nil).Times(4)
		q.EXPECT().Push(gomock.Any(), gomock.Any(), gomock.Any()).Return(uuid.New(), nil).Times(2)

		w.RunOnce(ctx)
		w.RunOnce(ctx)
		clock.Advance(time.Second)
		w.RunOnce(ctx)
		clock.Advance(4 * time.Second)
		w.RunOnce(ctx)
	})

	t.Run("disabled by default", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		q := mock_jobqueue.NewMockQueue(ctrl)

		w := jobqueue.NewWorker(jobqueue.NewConfig(), q, jobqueue.NewRegistry())
		q.EXPECT().Pull(gomock.Any(), gomock.Any()).Return(nil, nil)

		assert.Zero(t, w.RunOnce(ctx))
	})

	t.Run("keep-alive jobs complete", func(t *testing.T) {
		conf := jobqueue.NewConfig(jobqueue.WithKeepAliveJobs(true, 0))
		q := jobqueue.NewMemoryQueue(conf, clockwork.NewRealClock())
		w, _ := newTestWorker(conf, q, jobqueue.NewRegistry())

		assert.Zero(t, w.RunOnce(ctx))
		assert.Equal(t, 1, w.RunOnce(ctx))

		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		// The second poll found work, so no new keep-alive was pushed.
		assert.Zero(t, stats.Total())
	})
}

func TestWorkerRun(t *testing.T) {
	conf := jobqueue.NewConfig(jobqueue.WithPollInterval(5 * time.Millisecond))
	q := jobqueue.NewMemoryQueue(conf, clockwork.NewRealClock())
	pushSignIns(t, q, 20)

	var handled atomic.Int64
	r := jobqueue.NewRegistry()
	jobqueue.Handle(r, func(ctx context.Context, job jobqueue.Job, p jobqueue.SendSignInEmail) error {
		handled.Add(1)
		return nil
	})

	w, _ := newTestWorker(conf, q, r)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.Run(ctx)
	}()

	assert.Eventually(t, func() bool {
		return handled.Load() == 20
	}, 2*time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, w.Run(ctx), jobqueue.ErrAlreadyRunning)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
