package jobqueue

import (
	"context"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/TimKotowski/pg-job-queue/internal/queuedb"
)

var (
	_ PeriodicJobHandler = &cleanUpJobHandler{}
	_ PeriodicJobHandler = &orphanedJobHandler{}
	_ PeriodicJobHandler = &reindexJobHandler{}
)

type PeriodicHandleFunc = func(ctx context.Context) error

type PeriodicJobRegister interface {
	Register(handle PeriodicJobHandler)
}

type PeriodicJobHandler interface {
	PeriodicJobMeta
	Handle(ctx context.Context) error
}

type PeriodicJobMeta interface {
	// PeriodicSchedule is a standard five field crontab spec, or a descriptor such as "@every 1m".
	PeriodicSchedule() string
	Name() string
}

type baseJobHandler struct {
	db     queuedb.QueueMaintenanceDB
	conf   *Config
	clock  clockwork.Clock
	logger *slog.Logger
}

// cleanUpJobHandler purges Failed jobs older than the retention window.
type cleanUpJobHandler struct {
	baseJobHandler
}

func newCleanUpJob(b baseJobHandler) *cleanUpJobHandler {
	return &cleanUpJobHandler{baseJobHandler: b}
}

func (c *cleanUpJobHandler) Handle(ctx context.Context) error {
	if c.conf.FailedRetention <= 0 {
		return nil
	}

	n, err := c.db.DeleteFailedJobs(ctx, c.clock.Now().UTC().Add(-c.conf.FailedRetention))
	if err != nil {
		return err
	}
	if n > 0 {
		c.logger.Info("deleted failed jobs past retention", "count", n, "retention", c.conf.FailedRetention)
	}
	return nil
}

func (c *cleanUpJobHandler) PeriodicSchedule() string {
	return c.conf.CleanUpSchedule
}

func (c *cleanUpJobHandler) Name() string {
	return "Clean Up Job"
}

// Crashed pods, rolling deployments can leave jobs Running with nobody working on them.
// orphanedJobHandler hands them back to the queue.
type orphanedJobHandler struct {
	baseJobHandler
}

func newOrphanedJob(b baseJobHandler) *orphanedJobHandler {
	return &orphanedJobHandler{baseJobHandler: b}
}

func (o *orphanedJobHandler) Handle(ctx context.Context) error {
	now := o.clock.Now().UTC()
	n, err := o.db.RequeueOrphanedJobs(ctx, now.Add(-o.conf.StaleThreshold), o.conf.MaxAttempts, now)
	if err != nil {
		return err
	}
	if n > 0 {
		o.logger.Info("requeued orphaned jobs", "count", n, "threshold", o.conf.StaleThreshold)
	}
	return nil
}

func (o *orphanedJobHandler) PeriodicSchedule() string {
	return o.conf.OrphanSweepSchedule
}

func (o *orphanedJobHandler) Name() string {
	return "Orphaned Job"
}

type reindexJobHandler struct {
	baseJobHandler
}

func newReindexJobHandler(b baseJobHandler) *reindexJobHandler {
	return &reindexJobHandler{baseJobHandler: b}
}

func (r *reindexJobHandler) Handle(ctx context.Context) error {
	return r.db.ReIndex(ctx)
}

// PeriodicSchedule defaults to a little past midnight to stay clear of the hourly jobs.
func (r *reindexJobHandler) PeriodicSchedule() string {
	return r.conf.ReIndexSchedule
}

func (r *reindexJobHandler) Name() string {
	return "ReIndex Job"
}
