// Package queuetest is a behavioural test suite every jobqueue.Queue implementation must pass.
package queuetest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jobqueue "github.com/TimKotowski/pg-job-queue"
	"github.com/TimKotowski/pg-job-queue/testHelper"
)

// Queue is the surface the suite exercises.
type Queue interface {
	jobqueue.Queue
	jobqueue.Inspector
}

// Factory returns an empty queue built from conf that reads time from clock.
type Factory func(t *testing.T, conf *jobqueue.Config, clock clockwork.Clock) Queue

// Epoch is the fake clock start used by every test.
var Epoch = time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)

func signIn(i int) jobqueue.Message {
	return jobqueue.NewMessage(jobqueue.SendSignInEmail{
		Email: fmt.Sprintf("user-%d@example.com", i),
		Name:  fmt.Sprintf("User %d", i),
		Code:  "000-000",
	})
}

func ids(jobs []jobqueue.Job) []uuid.UUID {
	return testHelper.Map(jobs, func(j jobqueue.Job) uuid.UUID { return j.ID })
}

func pushN(t *testing.T, q Queue, n int, opts ...jobqueue.PushOption) []uuid.UUID {
	t.Helper()
	pushed := make([]uuid.UUID, 0, n)
	for i := range n {
		id, err := q.Push(context.Background(), signIn(i), opts...)
		require.NoError(t, err)
		pushed = append(pushed, id)
	}
	return pushed
}

func lookup(t *testing.T, q Queue, id uuid.UUID) *jobqueue.JobInfo {
	t.Helper()
	info, err := q.Lookup(context.Background(), id)
	require.NoError(t, err)
	return info
}

func Run(t *testing.T, newQueue Factory) {
	ctx := context.Background()
	setup := func(t *testing.T, opts ...jobqueue.ConfigFunc) (Queue, *clockwork.FakeClock) {
		clock := clockwork.NewFakeClockAt(Epoch)
		return newQueue(t, jobqueue.NewConfig(opts...), clock), clock
	}

	t.Run("push returns unique time ordered ids", func(t *testing.T) {
		q, _ := setup(t)
		pushed := pushN(t, q, 200)

		assert.Empty(t, testHelper.Duplicates(pushed))
		assert.True(t, slices.IsSortedFunc(pushed, func(a, b uuid.UUID) int {
			return bytes.Compare(a[:], b[:])
		}), "ids should sort in push order")
	})

	t.Run("push, pull, complete", func(t *testing.T) {
		q, _ := setup(t)
		id, err := q.Push(ctx, signIn(1))
		require.NoError(t, err)

		jobs, err := q.Pull(ctx, 1)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, id, jobs[0].ID)
		assert.Equal(t, jobqueue.StatusRunning, lookup(t, q, id).Status)

		require.NoError(t, q.Complete(ctx, id))

		jobs, err = q.Pull(ctx, 1)
		require.NoError(t, err)
		assert.Empty(t, jobs)

		_, err = q.Lookup(ctx, id)
		assert.ErrorIs(t, err, jobqueue.ErrJobNotFound)

		// Completing twice is not an error.
		assert.NoError(t, q.Complete(ctx, id))
	})

	t.Run("delayed job is not claimed before it is due", func(t *testing.T) {
		q, clock := setup(t)
		id, err := q.Push(ctx, signIn(1), jobqueue.WithDelay(10*time.Second))
		require.NoError(t, err)

		jobs, err := q.Pull(ctx, 1)
		require.NoError(t, err)
		assert.Empty(t, jobs)

		clock.Advance(9 * time.Second)
		jobs, err = q.Pull(ctx, 1)
		require.NoError(t, err)
		assert.Empty(t, jobs)

		clock.Advance(time.Second)
		jobs, err = q.Pull(ctx, 1)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, id, jobs[0].ID)
	})

	t.Run("scheduled for an absolute time", func(t *testing.T) {
		q, clock := setup(t)
		due := Epoch.Add(time.Hour)
		id, err := q.Push(ctx, signIn(1), jobqueue.WithScheduledFor(due))
		require.NoError(t, err)
		assert.True(t, due.Equal(lookup(t, q, id).ScheduledFor))

		clock.Advance(time.Hour)
		jobs, err := q.Pull(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{id}, ids(jobs))
	})

	t.Run("exhausted job becomes terminal", func(t *testing.T) {
		q, _ := setup(t, jobqueue.WithMaxAttempts(3))
		id, err := q.Push(ctx, signIn(1))
		require.NoError(t, err)

		for range 3 {
			require.NoError(t, q.Fail(ctx, id))
		}

		jobs, err := q.Pull(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, jobs)

		info := lookup(t, q, id)
		assert.Equal(t, jobqueue.StatusFailed, info.Status)
		assert.Equal(t, 3, info.FailedAttempts)

		// Failing a terminal job changes nothing.
		require.NoError(t, q.Fail(ctx, id))
		info = lookup(t, q, id)
		assert.Equal(t, jobqueue.StatusFailed, info.Status)
		assert.Equal(t, 3, info.FailedAttempts)

		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, jobqueue.Stats{Failed: 1}, stats)
	})

	t.Run("failed attempts count up across retries", func(t *testing.T) {
		q, _ := setup(t, jobqueue.WithMaxAttempts(5))
		id, err := q.Push(ctx, signIn(1))
		require.NoError(t, err)

		for k := 1; k < 5; k++ {
			jobs, err := q.Pull(ctx, 1)
			require.NoError(t, err)
			require.Len(t, jobs, 1)
			assert.Equal(t, k-1, jobs[0].FailedAttempts)

			require.NoError(t, q.Fail(ctx, id))

			info := lookup(t, q, id)
			assert.Equal(t, k, info.FailedAttempts)
			assert.Equal(t, jobqueue.StatusQueued, info.Status)
		}

		jobs, err := q.Pull(ctx, 1)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		require.NoError(t, q.Fail(ctx, id))

		info := lookup(t, q, id)
		assert.Equal(t, 5, info.FailedAttempts)
		assert.Equal(t, jobqueue.StatusFailed, info.Status)
	})

	t.Run("retry backoff delays the next claim", func(t *testing.T) {
		q, clock := setup(t, jobqueue.WithMaxAttempts(3), jobqueue.WithRetryBackoff(time.Minute))
		id, err := q.Push(ctx, signIn(1))
		require.NoError(t, err)

		jobs, err := q.Pull(ctx, 1)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		require.NoError(t, q.Fail(ctx, id))

		jobs, err = q.Pull(ctx, 1)
		require.NoError(t, err)
		assert.Empty(t, jobs)

		clock.Advance(time.Minute)
		jobs, err = q.Pull(ctx, 1)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		require.NoError(t, q.Fail(ctx, id))

		// Second retry waits twice as long.
		clock.Advance(time.Minute)
		jobs, err = q.Pull(ctx, 1)
		require.NoError(t, err)
		assert.Empty(t, jobs)

		clock.Advance(time.Minute)
		jobs, err = q.Pull(ctx, 1)
		require.NoError(t, err)
		assert.Len(t, jobs, 1)
	})

	t.Run("batches do not overlap", func(t *testing.T) {
		q, _ := setup(t)
		pushed := pushN(t, q, 150)

		first, err := q.Pull(ctx, 100)
		require.NoError(t, err)
		second, err := q.Pull(ctx, 100)
		require.NoError(t, err)
		third, err := q.Pull(ctx, 100)
		require.NoError(t, err)

		assert.LessOrEqual(t, len(first), 100)
		assert.Len(t, first, 100)
		assert.Len(t, second, 50)
		assert.Empty(t, third)

		claimed := append(ids(first), ids(second)...)
		assert.Empty(t, testHelper.Duplicates(claimed))
		assert.ElementsMatch(t, pushed, claimed)
	})

	t.Run("pull is clamped", func(t *testing.T) {
		q, _ := setup(t)
		pushN(t, q, jobqueue.MaxPullLimit+20)

		jobs, err := q.Pull(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, jobs)

		jobs, err = q.Pull(ctx, 1000)
		require.NoError(t, err)
		assert.Len(t, jobs, jobqueue.MaxPullLimit)
	})

	t.Run("concurrent pulls are disjoint", func(t *testing.T) {
		q, _ := setup(t)
		pushed := pushN(t, q, 90)

		var (
			mu      sync.Mutex
			claimed []uuid.UUID
			wg      sync.WaitGroup
		)
		for range 6 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					jobs, err := q.Pull(ctx, 7)
					if !assert.NoError(t, err) || len(jobs) == 0 {
						return
					}
					mu.Lock()
					claimed = append(claimed, ids(jobs)...)
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Empty(t, testHelper.Duplicates(claimed))
		assert.ElementsMatch(t, pushed, claimed)
	})

	t.Run("earliest due is claimed first", func(t *testing.T) {
		q, clock := setup(t)
		late, err := q.Push(ctx, signIn(1), jobqueue.WithDelay(3*time.Minute))
		require.NoError(t, err)
		early, err := q.Push(ctx, signIn(2), jobqueue.WithDelay(time.Minute))
		require.NoError(t, err)
		middle, err := q.Push(ctx, signIn(3), jobqueue.WithDelay(2*time.Minute))
		require.NoError(t, err)

		clock.Advance(time.Hour)
		jobs, err := q.Pull(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{early, middle}, ids(jobs))

		jobs, err = q.Pull(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{late}, ids(jobs))
	})

	t.Run("running jobs are not claimed again", func(t *testing.T) {
		q, _ := setup(t)
		pushN(t, q, 3)

		jobs, err := q.Pull(ctx, 10)
		require.NoError(t, err)
		require.Len(t, jobs, 3)

		jobs, err = q.Pull(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, jobs)

		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, jobqueue.Stats{Running: 3}, stats)
	})

	t.Run("message round trips", func(t *testing.T) {
		q, _ := setup(t)
		want := jobqueue.NewMessage(jobqueue.SendSignInEmail{
			Email: "your@email.com",
			Name:  "ABC DEF",
			Code:  "000-000",
		})
		_, err := q.Push(ctx, want)
		require.NoError(t, err)

		jobs, err := q.Pull(ctx, 1)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, want, jobs[0].Message)
	})

	t.Run("unknown kinds are preserved", func(t *testing.T) {
		q, _ := setup(t)
		_, err := q.Push(ctx, jobqueue.NewMessage(jobqueue.UnknownPayload{
			Type: "resize_avatar",
			Data: json.RawMessage(`{"user_id":42,"sizes":[64,128]}`),
		}))
		require.NoError(t, err)

		jobs, err := q.Pull(ctx, 1)
		require.NoError(t, err)
		require.Len(t, jobs, 1)

		got, ok := jobs[0].Message.Payload.(jobqueue.UnknownPayload)
		require.True(t, ok, "payload is %T", jobs[0].Message.Payload)
		assert.Equal(t, jobqueue.Kind("resize_avatar"), got.Type)
		assert.JSONEq(t, `{"user_id":42,"sizes":[64,128]}`, string(got.Data))
	})

	t.Run("invalid messages are rejected", func(t *testing.T) {
		q, _ := setup(t)
		_, err := q.Push(ctx, jobqueue.Message{})
		assert.ErrorIs(t, err, jobqueue.ErrInvalidMessage)

		_, err = q.Push(ctx, jobqueue.NewMessage(jobqueue.SendSignInEmail{Name: "no email"}))
		assert.ErrorIs(t, err, jobqueue.ErrInvalidMessage)

		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Zero(t, stats.Total())
	})

	t.Run("failing an unknown job", func(t *testing.T) {
		q, _ := setup(t)
		err := q.Fail(ctx, uuid.New())

		var storageErr *jobqueue.StorageError
		assert.ErrorAs(t, err, &storageErr)
		assert.ErrorIs(t, err, jobqueue.ErrJobNotFound)
	})

	t.Run("flush", func(t *testing.T) {
		q, _ := setup(t)
		pushN(t, q, 5)
		_, err := q.Pull(ctx, 2)
		require.NoError(t, err)

		require.NoError(t, q.Flush(ctx))

		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Zero(t, stats.Total())
	})
}
