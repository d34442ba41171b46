// Package jobqueue is a durable job queue on PostgreSQL.
//
// Producers Push typed messages, optionally delayed. Workers Pull batches of due
// jobs, run them through a Registry of handlers and resolve each one with Complete
// or Fail. Claiming is a single UPDATE over rows locked with FOR UPDATE SKIP LOCKED,
// so any number of workers, in any number of processes, can share one table.
package jobqueue

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"github.com/uptrace/bun"

	"github.com/TimKotowski/pg-job-queue/internal/queuedb"
	"github.com/TimKotowski/pg-job-queue/migrations"
)

// JobQueue owns the database connection, the Postgres-backed Queue and the
// background maintenance jobs.
type JobQueue struct {
	ctx         context.Context
	conf        *Config
	db          *bun.DB
	queue       *PostgresQueue
	maintenance *BackgroundJobProcessor
	clock       clockwork.Clock
	state       atomic.Uint32
}

func NewFromConfig(ctx context.Context, conf *Config) (*JobQueue, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	db, err := GetDBConnection(conf)
	if err != nil {
		return nil, err
	}

	return newJobQueue(ctx, conf, db, clockwork.NewRealClock()), nil
}

// NewFromDB wraps an already open connection.
func NewFromDB(ctx context.Context, conf *Config, db *bun.DB, clock clockwork.Clock) *JobQueue {
	return newJobQueue(ctx, conf, db, clock)
}

func newJobQueue(ctx context.Context, conf *Config, db *bun.DB, clock clockwork.Clock) *JobQueue {
	repository := queuedb.NewQueueDB(db)
	maintenanceDB, _ := queuedb.NewQueueMaintenanceDB(repository)

	return &JobQueue{
		ctx:         ctx,
		conf:        conf,
		db:          db,
		queue:       NewPostgresQueue(repository, conf, clock),
		maintenance: NewBackgroundJobProcessor(conf, maintenanceDB, clock),
		clock:       clock,
	}
}

// Init applies pending migrations and starts the maintenance jobs.
func (o *JobQueue) Init() error {
	if !o.state.CompareAndSwap(uninitialized, running) {
		return errors.New("initializing job queue already occurred, and job queue is actively running")
	}

	if err := migrations.Migrate(o.ctx, o.db); err != nil {
		o.state.Store(uninitialized)
		return storageError("migrate", err)
	}

	o.maintenance.SetUp()
	o.maintenance.Start(o.ctx)

	return nil
}

func (o *JobQueue) Queue() *PostgresQueue {
	return o.queue
}

// NewWorker returns a worker that pulls from this queue.
func (o *JobQueue) NewWorker(registry *Registry, opts ...WorkerOption) *Worker {
	opts = append([]WorkerOption{WithClock(o.clock)}, opts...)
	return NewWorker(o.conf, o.queue, registry, opts...)
}

// Close stops the maintenance jobs and closes the database connection.
func (o *JobQueue) Close() error {
	if o.state.CompareAndSwap(running, uninitialized) {
		o.maintenance.Close()
	}
	return o.db.Close()
}
