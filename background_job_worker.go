package jobqueue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"github.com/TimKotowski/pg-job-queue/internal/queuedb"
)

const (
	cronExecutors      = 3
	periodicJobTimeout = 5 * time.Minute
)

type JobScheduler interface {
	SetUp()
	Start(ctx context.Context)
	Close()
}

var (
	_ PeriodicJobRegister = &BackgroundJobProcessor{}
	_ JobScheduler        = &BackgroundJobProcessor{}
)

// BackgroundJobProcessor runs the queue's maintenance jobs on their cron schedules.
type BackgroundJobProcessor struct {
	baseJobHandler
	registeredJobs map[string]PeriodicHandleFunc
	jobMetas       []PeriodicJobMeta
	jobsChan       chan string
	cancel         context.CancelFunc
	wg             sync.WaitGroup
}

type cronJobScheduler struct {
	meta      PeriodicJobMeta
	schedule  cron.Schedule
	nextRunAt time.Time
}

func NewBackgroundJobProcessor(conf *Config, db queuedb.QueueMaintenanceDB, clock clockwork.Clock) *BackgroundJobProcessor {
	b := baseJobHandler{conf: conf, db: db, clock: clock, logger: slog.Default()}
	bgJobProcessor := &BackgroundJobProcessor{
		baseJobHandler: b,
		registeredJobs: make(map[string]PeriodicHandleFunc),
		jobMetas:       make([]PeriodicJobMeta, 0),
		jobsChan:       make(chan string),
	}

	return bgJobProcessor
}

// SetUp registers the built-in maintenance jobs.
func (b *BackgroundJobProcessor) SetUp() {
	handlers := []PeriodicJobHandler{
		newCleanUpJob(b.baseJobHandler),
		newOrphanedJob(b.baseJobHandler),
		newReindexJobHandler(b.baseJobHandler),
	}

	for _, j := range handlers {
		b.Register(j)
	}
}

// Register adds a periodic job. Must be called before Start.
func (b *BackgroundJobProcessor) Register(handle PeriodicJobHandler) {
	if _, ok := b.registeredJobs[handle.Name()]; !ok {
		b.jobMetas = append(b.jobMetas, handle)
	}
	b.registeredJobs[handle.Name()] = handle.Handle
}

func (b *BackgroundJobProcessor) Start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.cronJobOrchestrator(ctx)
	}()

	for range cronExecutors {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.cronJobExecutor(ctx)
		}()
	}
}

// Close stops scheduling and waits for running jobs to return.
func (b *BackgroundJobProcessor) Close() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
}

func (b *BackgroundJobProcessor) cronJobOrchestrator(ctx context.Context) {
	queue := NewJobSchedulerQueue()
	now := b.clock.Now()
	for _, j := range b.jobMetas {
		schedule, err := cron.ParseStandard(j.PeriodicSchedule())
		if err != nil {
			b.logger.Error("unable to parse crontab schedule", "job", j.Name(), "schedule", j.PeriodicSchedule(), "error", err)
			continue
		}
		queue.Push(&cronJobScheduler{
			meta:      j,
			schedule:  schedule,
			nextRunAt: schedule.Next(now),
		})
	}
	if queue.Len() == 0 {
		return
	}

	for {
		dur := queue.Peek().nextRunAt.Sub(b.clock.Now())
		// in case of negative make sure timer just fires right away, the cron is already ready for a next run.
		if dur <= 0 {
			dur = time.Millisecond
		}
		wait := b.clock.NewTimer(dur)
		select {
		case <-ctx.Done():
			wait.Stop()
			return
		case <-wait.Chan():
		}

		// More than one cron can be due at once when frequent jobs line up with longer waiting ones.
		now := b.clock.Now()
		var ready []*cronJobScheduler
		for queue.Len() > 0 && !queue.Peek().nextRunAt.After(now) {
			ready = append(ready, queue.Pop())
		}

		// TODO: Record cron runs in the database before executing, so several replicas
		// do not all run the same maintenance job at the same time.
		for _, cronJob := range ready {
			select {
			case <-ctx.Done():
				return
			case b.jobsChan <- cronJob.meta.Name():
			}
			cronJob.nextRunAt = cronJob.schedule.Next(now)
			queue.Push(cronJob)
		}
	}
}

func (b *BackgroundJobProcessor) cronJobExecutor(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cronName := <-b.jobsChan:
			b.execute(ctx, cronName)
		}
	}
}

func (b *BackgroundJobProcessor) execute(ctx context.Context, cronName string) {
	handler, ok := b.registeredJobs[cronName]
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, periodicJobTimeout)
	defer cancel()

	if err := handler(ctx); err != nil {
		b.logger.Error("failed to execute periodic job", "job", cronName, "error", err)
	}
}
