package queuedb

import (
	"context"
	"time"
)

type QueueMaintenanceDB interface {
	// ReIndex rebuilds the queue table indexes.
	// Every job is inserted once and deleted once, so the table churns hard and its
	// B-Tree indexes fill up with empty or nearly empty pages that vacuum does not compact.
	ReIndex(ctx context.Context) error

	// RequeueOrphanedJobs returns jobs that have sat in Running since before staleBefore to the queue.
	// A worker that died mid-handler never resolves its jobs, so each orphaned run counts as a failed attempt
	// and jobs out of attempts become Failed instead of looping forever.
	RequeueOrphanedJobs(ctx context.Context, staleBefore time.Time, maxAttempts int, now time.Time) (int, error)

	// DeleteFailedJobs deletes terminal jobs last touched before the given time.
	DeleteFailedJobs(ctx context.Context, before time.Time) (int, error)
}

func NewQueueMaintenanceDB(db QueueDB) (QueueMaintenanceDB, bool) {
	m, ok := db.(QueueMaintenanceDB)
	return m, ok
}
