package jobqueue

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const (
	uninitialized = iota
	running
)

// Worker polls a Queue and runs the claimed jobs through a Registry.
//
// Each iteration claims only as many jobs as there are free handler slots, runs them
// concurrently, waits for all of them to resolve and then sleeps Config.PollInterval.
// A slot stays taken until its handler returns, even after the handler timed out and
// its job was failed, so no more than Config.Concurrency handlers ever run at once.
// Coordination with other workers, in this process or any other, happens only through
// the queue's atomic claim.
type Worker struct {
	queue    Queue
	registry *Registry
	acker    Acknowledger
	conf     *Config
	clock    clockwork.Clock
	logger   *slog.Logger
	metrics  *Metrics
	state    atomic.Uint32
	slots    *semaphore.Weighted

	// At most one keep-alive per KeepAliveDelay, however often polls come back empty.
	keepAlive *rate.Limiter
}

type WorkerOption func(w *Worker)

func WithLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = logger
	}
}

func WithMetrics(metrics *Metrics) WorkerOption {
	return func(w *Worker) {
		w.metrics = metrics
	}
}

func WithClock(clock clockwork.Clock) WorkerOption {
	return func(w *Worker) {
		w.clock = clock
	}
}

func NewWorker(conf *Config, queue Queue, registry *Registry, opts ...WorkerOption) *Worker {
	w := &Worker{
		queue:    queue,
		registry: registry,
		acker:    newAcknowledgement(queue),
		conf:     conf,
		clock:    clockwork.NewRealClock(),
		logger:   slog.Default(),
		slots:    semaphore.NewWeighted(int64(conf.Concurrency)),

		keepAlive: rate.NewLimiter(rate.Every(conf.KeepAliveDelay), 1),
	}

	for _, opt := range opts {
		opt(w)
	}
	if w.metrics == nil {
		w.metrics = NewMetrics(nil)
	}

	return w
}

// Run polls until ctx is cancelled. Jobs already claimed when that happens still run
// to completion and are resolved before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	if !w.state.CompareAndSwap(uninitialized, running) {
		return fmt.Errorf("worker: %w", ErrAlreadyRunning)
	}
	defer w.state.Store(uninitialized)

	w.logger.Info("worker started", "concurrency", w.conf.Concurrency, "poll_interval", w.conf.PollInterval)
	for {
		if ctx.Err() != nil {
			break
		}
		w.RunOnce(ctx)
		if !w.sleep(ctx, w.conf.PollInterval) {
			break
		}
	}
	w.logger.Info("worker stopped")

	return nil
}

// RunOnce performs a single poll, dispatch and resolve pass and returns how many
// jobs it processed.
func (w *Worker) RunOnce(ctx context.Context) int {
	free := w.acquireSlots()
	if free == 0 {
		w.logger.Debug("all handler slots busy, skipping poll")
		return 0
	}

	jobs, err := w.queue.Pull(ctx, free)
	if len(jobs) < free {
		w.slots.Release(int64(free - len(jobs)))
	}
	if err != nil {
		if ctx.Err() != nil {
			return 0
		}
		w.metrics.PollErrors.Inc()
		w.logger.Error("pulling jobs", "error", err)
		w.sleep(ctx, w.conf.PollErrorBackoff)
		return 0
	}

	if len(jobs) == 0 {
		if w.conf.KeepAliveJobs && w.keepAlive.AllowN(w.clock.Now(), 1) {
			w.pushKeepAlive(ctx)
		}
		return 0
	}

	w.metrics.Claimed.Add(float64(len(jobs)))
	w.logger.Debug("fetched jobs", "count", len(jobs))
	w.dispatch(ctx, jobs)

	return len(jobs)
}

// acquireSlots takes every free handler slot, up to Concurrency.
func (w *Worker) acquireSlots() int {
	n := 0
	for n < w.conf.Concurrency && w.slots.TryAcquire(1) {
		n++
	}
	return n
}

func (w *Worker) dispatch(ctx context.Context, jobs []Job) {
	var g errgroup.Group
	g.SetLimit(w.conf.Concurrency)
	for _, job := range jobs {
		g.Go(func() error {
			w.process(ctx, job)
			return nil
		})
	}
	_ = g.Wait()
}

func (w *Worker) process(ctx context.Context, job Job) {
	// A claimed job is resolved even when the worker is shutting down.
	ctx = context.WithoutCancel(ctx)
	kind := job.Message.Kind()

	// Kinds come from stored rows, so only registered ones become metric labels.
	label := string(kind)
	if _, ok := w.registry.lookup(kind); !ok {
		label = "unknown"
	}

	ack := Success
	if err := w.execute(ctx, job); err != nil {
		ack = Failure
		w.logger.Error("job handler failed",
			"job_id", job.ID, "kind", kind, "failed_attempts", job.FailedAttempts, "error", err)
	}
	w.metrics.Resolved.WithLabelValues(label, ack.String()).Inc()

	if err := w.acker.Acknowledge(ctx, job, ack); err != nil {
		// The job stays Running until the orphan sweep picks it up.
		w.metrics.ResolveErrors.Inc()
		w.logger.Error("resolving job", "job_id", job.ID, "ack", ack.String(), "error", err)
	}
}

// execute runs the handler for job under the handler timeout and releases the job's
// slot once the handler has returned. A handler that ignores its context has its job
// failed at the deadline but keeps the slot until it finishes.
func (w *Worker) execute(ctx context.Context, job Job) error {
	kind := job.Message.Kind()
	handle, ok := w.registry.lookup(kind)
	if !ok {
		w.slots.Release(1)
		return &HandlerError{JobID: job.ID, Kind: kind, Err: ErrUnknownJobType}
	}

	ctx, cancel := context.WithTimeout(ctx, w.conf.HandlerTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		err := w.runHandler(ctx, handle, job)
		// Released before reporting, so the next poll sees the slot as free.
		w.slots.Release(1)
		done <- err
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		return &HandlerError{JobID: job.ID, Kind: kind, Err: err}
	}

	return nil
}

func (w *Worker) runHandler(ctx context.Context, handle HandleFunc, job Job) (err error) {
	kind := job.Message.Kind()
	w.metrics.InFlight.Inc()
	start := w.clock.Now()
	defer func() {
		w.metrics.HandlerDuration.WithLabelValues(string(kind)).Observe(w.clock.Since(start).Seconds())
		w.metrics.InFlight.Dec()
	}()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	return handle(ctx, job)
}

func (w *Worker) pushKeepAlive(ctx context.Context) {
	message := NewMessage(KeepAlive{Nonce: nonce(16)})
	id, err := w.queue.Push(ctx, message, WithDelay(w.conf.KeepAliveDelay))
	if err != nil {
		w.logger.Warn("pushing keep-alive job", "error", err)
		return
	}
	w.metrics.KeepAlivesPushed.Inc()
	w.logger.Debug("pushed keep-alive job", "job_id", id)
}

// sleep waits for d or until ctx is done, and reports whether ctx is still live.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := w.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}

const alphanumeric = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func nonce(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = alphanumeric[rand.IntN(len(alphanumeric))]
	}
	return string(b)
}
