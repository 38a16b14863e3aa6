package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/jobengine/pkg/async"
	"github.com/dmitrymomot/jobengine/pkg/logger"
	"github.com/dmitrymomot/jobengine/pkg/ratelimiter"
)

// errOwnershipLost cancels a handler whose job was reclaimed by the stall
// detector or removed from the store.
var errOwnershipLost = errors.New("job ownership lost")

// Worker processes jobs of one queue with a fixed number of slots.
type Worker struct {
	id      string
	queue   string
	store   Store
	handler Handler
	bus     *EventBus
	limiter *ratelimiter.Limiter
	logger  *slog.Logger

	concurrency       int
	pollInterval      time.Duration
	heartbeatInterval time.Duration
	jobTimeout        time.Duration
	shutdownTimeout   time.Duration
	storeTimeout      time.Duration

	wake   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	stopMu sync.Mutex // Protects stopping state and WaitGroup operations
	cancel context.CancelFunc
	active map[string]context.CancelCauseFunc

	stopping atomic.Bool
	paused   atomic.Bool
}

// NewWorker creates a worker for queue. It does not check that the queue exists;
// claims against an unknown queue fail and are logged.
func NewWorker(store Store, queue string, handler Handler, opts ...WorkerOption) (*Worker, error) {
	if store == nil {
		return nil, ErrStoreNil
	}
	if handler == nil {
		return nil, ErrHandlerNil
	}
	if queue == "" {
		return nil, fmt.Errorf("%w: queue name is empty", ErrInvalidArgument)
	}

	o := defaultWorkerOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.id == "" {
		o.id = uuid.NewString()
	}

	w := &Worker{
		id:                o.id,
		queue:             queue,
		store:             store,
		handler:           handler,
		bus:               o.bus,
		logger:            o.logger,
		concurrency:       o.concurrency,
		pollInterval:      o.pollInterval,
		heartbeatInterval: o.heartbeatInterval,
		jobTimeout:        o.jobTimeout,
		shutdownTimeout:   o.shutdownTimeout,
		storeTimeout:      o.storeTimeout,
		wake:              make(chan struct{}, o.concurrency),
		active:            make(map[string]context.CancelCauseFunc),
	}

	if o.rateLimit.Limit > 0 {
		ls := o.limiterStore
		if ls == nil {
			ls = ratelimiter.NewMemoryStore(ratelimiter.WithCleanupInterval(0))
		}
		limiter, err := ratelimiter.New(ls, o.rateLimit)
		if err != nil {
			return nil, fmt.Errorf("%w: rate limit: %v", ErrInvalidArgument, err)
		}
		w.limiter = limiter
	}

	return w, nil
}

// ID returns the worker identifier recorded on claimed jobs.
func (w *Worker) ID() string { return w.id }

// Queue returns the queue the worker consumes.
func (w *Worker) Queue() string { return w.queue }

// Concurrency returns the number of slots.
func (w *Worker) Concurrency() int { return w.concurrency }

// Pause stops new claims. Active jobs keep running.
func (w *Worker) Pause() { w.paused.Store(true) }

// Resume allows claims again.
func (w *Worker) Resume() {
	w.paused.Store(false)
	w.Notify()
}

// Paused reports whether the worker is locally paused.
func (w *Worker) Paused() bool { return w.paused.Load() }

// Running reports whether the worker has been started and not stopped.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancel != nil
}

// ActiveCount returns the number of jobs currently being handled.
func (w *Worker) ActiveCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.active)
}

// Notify wakes idle slots so newly enqueued jobs are claimed without waiting
// for the poll interval.
func (w *Worker) Notify() {
	for range cap(w.wake) {
		select {
		case w.wake <- struct{}{}:
		default:
			return
		}
	}
}

// CancelActive cancels the handler of jobID if this worker is running it.
func (w *Worker) CancelActive(jobID string) bool {
	w.mu.Lock()
	cancel, ok := w.active[jobID]
	w.mu.Unlock()
	if ok {
		cancel(ErrJobCancelled)
	}
	return ok
}

// Start begins processing jobs in the background
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.cancel != nil {
		w.mu.Unlock()
		return ErrWorkerRunning
	}
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.mu.Unlock()

	w.stopping.Store(false)

	w.stopMu.Lock()
	for range w.concurrency {
		w.wg.Add(1)
		go w.slot(loopCtx)
	}
	w.stopMu.Unlock()

	w.logger.Info("worker started",
		logger.WorkerID(w.id),
		logger.Queue(w.queue),
		slog.Int("concurrency", w.concurrency))

	return nil
}

// Stop cancels claiming and waits for active jobs. Handlers still running
// after the shutdown timeout are cancelled and ErrShutdownTimeout is returned.
func (w *Worker) Stop() error {
	w.mu.Lock()
	if w.cancel == nil {
		w.mu.Unlock()
		return ErrWorkerNotRunning
	}

	w.stopMu.Lock()
	w.stopping.Store(true)
	w.stopMu.Unlock()

	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()

	cancel()

	w.logger.Info("worker stopping, waiting for active jobs to complete",
		logger.WorkerID(w.id),
		logger.Queue(w.queue))

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(w.shutdownTimeout):
		w.mu.Lock()
		for _, c := range w.active {
			c(ErrShutdownTimeout)
		}
		n := len(w.active)
		w.mu.Unlock()
		w.logger.Warn("worker shutdown timed out, active jobs cancelled",
			logger.WorkerID(w.id),
			logger.Queue(w.queue),
			logger.Count(n))
		return ErrShutdownTimeout
	}

	w.logger.Info("worker stopped",
		logger.WorkerID(w.id),
		logger.Queue(w.queue))

	return nil
}

// Run starts the worker and returns a function suitable for errgroup
func (w *Worker) Run(ctx context.Context) func() error {
	return func() error {
		if err := w.Start(ctx); err != nil {
			return err
		}

		<-ctx.Done()

		return w.Stop()
	}
}

func (w *Worker) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), w.storeTimeout)
}

// slot claims and runs jobs one at a time until ctx is done.
func (w *Worker) slot(ctx context.Context) {
	defer w.wg.Done()

	for {
		if ctx.Err() != nil || w.stopping.Load() {
			return
		}
		if w.paused.Load() {
			if !w.idle(ctx) {
				return
			}
			continue
		}

		var reservation *ratelimiter.Reservation
		if w.limiter != nil {
			r, err := w.limiter.Wait(ctx, w.queue)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				w.logger.Warn("rate limiter unavailable",
					logger.WorkerID(w.id),
					logger.Queue(w.queue),
					logger.Error(err))
				if !w.idle(ctx) {
					return
				}
				continue
			}
			reservation = r
		}

		job, err := w.claim()
		if err != nil {
			if reservation != nil {
				sctx, cancel := w.storeContext()
				_ = reservation.Cancel(sctx)
				cancel()
			}
			if !errors.Is(err, ErrNoJobToClaim) {
				w.logger.Error("failed to claim job",
					logger.WorkerID(w.id),
					logger.Queue(w.queue),
					logger.Error(err))
			}
			if !w.idle(ctx) {
				return
			}
			continue
		}

		w.process(job)
	}
}

// idle sleeps for the poll interval or until woken. It returns false when
// ctx is done.
func (w *Worker) idle(ctx context.Context) bool {
	timer := time.NewTimer(w.pollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	case <-w.wake:
	}
	return true
}

func (w *Worker) claim() (*Job, error) {
	ctx, cancel := w.storeContext()
	defer cancel()
	return w.store.ClaimNext(ctx, w.queue, w.id)
}

func (w *Worker) track(jobID string, cancel context.CancelCauseFunc) {
	w.mu.Lock()
	w.active[jobID] = cancel
	w.mu.Unlock()
}

func (w *Worker) untrack(jobID string) {
	w.mu.Lock()
	delete(w.active, jobID)
	w.mu.Unlock()
}

// process runs the handler for a claimed job and records the outcome.
// The job context is detached from the worker lifecycle so graceful shutdown
// lets jobs finish.
func (w *Worker) process(job *Job) {
	start := time.Now()
	w.bus.Publish(context.Background(), newJobEvent(EventActive, job))

	w.logger.Debug("claimed job",
		logger.WorkerID(w.id),
		logger.Queue(job.Queue),
		logger.JobID(job.ID),
		logger.JobName(job.Name),
		logger.Attempt(job.AttemptsMade, job.MaxAttempts))

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = w.jobTimeout
	}

	jobCtx, cancel := context.WithCancelCause(WithJob(context.Background(), job))
	defer cancel(nil)
	w.track(job.ID, cancel)
	defer w.untrack(job.ID)

	go w.heartbeat(jobCtx, job, cancel)

	runCtx, runCancel := context.WithTimeoutCause(jobCtx, timeout, ErrTimeout)
	defer runCancel()

	future := async.Async(runCtx, job.Payload, func(ctx context.Context, payload json.RawMessage) (any, error) {
		return w.handler.Handle(ctx, payload, w.progressFunc(job))
	})
	result, err := future.AwaitContext(runCtx)
	if err != nil && runCtx.Err() != nil && errors.Is(err, runCtx.Err()) {
		err = w.interruption(context.Cause(runCtx), timeout)
	}
	if errors.Is(err, async.ErrPanic) {
		err = fmt.Errorf("%w: %v", ErrHandlerPanic, err)
	}
	cancel(nil)

	duration := time.Since(start)
	switch {
	case err == nil:
		w.complete(job, result, duration)
	case errors.Is(err, errOwnershipLost):
		w.logger.Warn("job ownership lost, dropping result",
			logger.WorkerID(w.id),
			logger.Queue(job.Queue),
			logger.JobID(job.ID),
			logger.Duration(duration))
	default:
		retryable := !IsPermanent(err) && !errors.Is(err, ErrHandlerNotFound)
		w.fail(job, err, retryable, duration)
	}
}

// interruption turns a cancellation cause into the error recorded on the job.
func (w *Worker) interruption(cause error, timeout time.Duration) error {
	switch {
	case errors.Is(cause, ErrTimeout):
		return fmt.Errorf("%w after %s", ErrTimeout, timeout)
	case cause != nil:
		return cause
	default:
		return context.Canceled
	}
}

func (w *Worker) progressFunc(job *Job) ProgressFunc {
	return func(_ context.Context, p Progress) error {
		ctx, cancel := w.storeContext()
		defer cancel()

		updated, err := w.store.UpdateProgress(ctx, job.Queue, job.ID, p)
		if err != nil {
			return fmt.Errorf("update progress: %w", err)
		}
		w.bus.Publish(ctx, newJobEvent(EventProgress, updated))
		return nil
	}
}

// heartbeat refreshes the job lease until ctx is done. It cancels the handler
// when cancellation was requested or the job is no longer held.
func (w *Worker) heartbeat(ctx context.Context, job *Job, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		sctx, scancel := w.storeContext()
		cancelRequested, err := w.store.Heartbeat(sctx, job.Queue, job.ID, w.id)
		scancel()

		switch {
		case errors.Is(err, ErrJobNotOwned), errors.Is(err, ErrJobNotFound):
			cancel(errOwnershipLost)
			return
		case err != nil:
			w.logger.Warn("heartbeat failed",
				logger.WorkerID(w.id),
				logger.Queue(job.Queue),
				logger.JobID(job.ID),
				logger.Error(err))
		case cancelRequested:
			cancel(ErrJobCancelled)
			return
		}
	}
}

func (w *Worker) complete(job *Job, result any, duration time.Duration) {
	raw, err := encodePayload(result)
	if err != nil {
		w.fail(job, Permanent(fmt.Errorf("encode result: %w", err)), false, duration)
		return
	}

	ctx, cancel := w.storeContext()
	defer cancel()

	done, err := w.store.Complete(ctx, job.Queue, job.ID, w.id, raw)
	if err != nil {
		w.logger.Error("failed to complete job",
			logger.WorkerID(w.id),
			logger.Queue(job.Queue),
			logger.JobID(job.ID),
			logger.Error(err))
		return
	}
	w.bus.Publish(ctx, newJobEvent(EventCompleted, done))

	w.logger.Info("job completed",
		logger.WorkerID(w.id),
		logger.Queue(job.Queue),
		logger.JobID(job.ID),
		logger.JobName(job.Name),
		logger.Duration(duration))
}

func (w *Worker) fail(job *Job, execErr error, retryable bool, duration time.Duration) {
	ctx, cancel := w.storeContext()
	defer cancel()

	failed, err := w.store.Fail(ctx, job.Queue, job.ID, w.id, execErr.Error(), retryable)
	switch {
	case errors.Is(err, ErrJobCancelled):
		w.bus.Publish(ctx, newJobEvent(EventRemoved, failed))
		w.bus.publishFailedChildren(ctx, failed)
		w.logger.Info("job cancelled",
			logger.WorkerID(w.id),
			logger.Queue(job.Queue),
			logger.JobID(job.ID),
			logger.Duration(duration))
		return
	case err != nil:
		w.logger.Error("failed to record job failure",
			logger.WorkerID(w.id),
			logger.Queue(job.Queue),
			logger.JobID(job.ID),
			logger.Error(err))
		return
	}

	if failed.State == StateDelayed {
		w.bus.Publish(ctx, newJobEvent(EventRetrying, failed))
		w.logger.Warn("job failed, retry scheduled",
			logger.WorkerID(w.id),
			logger.Queue(job.Queue),
			logger.JobID(job.ID),
			logger.JobName(job.Name),
			logger.Attempt(failed.AttemptsMade, failed.MaxAttempts),
			logger.Delay(time.Until(failed.RunAfter)),
			logger.Error(execErr))
		return
	}

	w.bus.Publish(ctx, newJobEvent(EventFailed, failed))
	w.bus.publishFailedChildren(ctx, failed)
	w.logger.Error("job failed",
		logger.WorkerID(w.id),
		logger.Queue(job.Queue),
		logger.JobID(job.ID),
		logger.JobName(job.Name),
		logger.Attempt(failed.AttemptsMade, failed.MaxAttempts),
		logger.Duration(duration),
		logger.Error(execErr))
}
