// Package queue implements a job queue and orchestration engine: durable
// jobs with retries and backoff, delayed and repeating (cron) jobs, per-queue
// pause and drain, parent/child gating and lifecycle events.
//
// The package is organised around a few components that meet only through
// the Store interface:
//
//   - Store            persists queues, jobs and repeat definitions (MemoryStorage here, pgstore for PostgreSQL)
//   - Worker           claims jobs of one queue with bounded concurrency and an optional rolling-window rate limit
//   - Scheduler        materializes RepeatDefinitions when their cron schedule falls due
//   - StallDetector    requeues active jobs whose worker stopped heartbeating
//   - RetentionSweeper prunes terminal jobs per queue policy
//   - EventBus         fans lifecycle Events out to subscribers over pkg/broadcast
//   - Engine           wires everything and exposes the control operations
//
// # Lifecycle
//
// Jobs move through waiting, active, completed, failed and delayed following
// a single transition table shared by every Store. A failed attempt goes to
// delayed while attempts remain and to failed otherwise. Delivery is
// at-least-once: handlers must be idempotent.
//
// # Usage
//
//	store := queue.NewMemoryStorage()
//	engine, err := queue.NewEngine(store)
//	if err != nil {
//		return err
//	}
//	if err := engine.RegisterQueue(ctx, queue.QueueConfig{Name: "emails"}); err != nil {
//		return err
//	}
//
//	send := queue.NewTaskHandler("send-email",
//		func(ctx context.Context, p SendEmail, progress queue.ProgressFunc) (any, error) {
//			return nil, mailer.Send(ctx, p.To, p.Subject)
//		})
//	if _, err := engine.AddWorker("emails", send, queue.WithConcurrency(10)); err != nil {
//		return err
//	}
//
//	g, ctx := errgroup.WithContext(ctx)
//	g.Go(engine.Run(ctx))
//
//	_, err = engine.CreateJob(ctx, "emails", "send-email", SendEmail{To: "a@example.com"},
//		queue.WithDelay(time.Minute))
//
// # Errors
//
// Every error wraps one of ErrNotFound, ErrInvalidTransition, ErrHandlerFailed,
// ErrTimeout, ErrStoreUnavailable or ErrInvalidArgument. KindOf maps an error
// to its Kind for transports such as the admin API. Wrap a handler error with
// Permanent to fail a job without retries.
package queue
