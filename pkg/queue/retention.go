package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/dmitrymomot/jobengine/pkg/logger"
)

// RetentionSweeper applies each queue's RemoveOnComplete and RemoveOnFail
// policies.
type RetentionSweeper struct {
	store    Store
	bus      *EventBus
	configs  func() []QueueConfig
	interval time.Duration
	logger   *slog.Logger
}

// NewRetentionSweeper sweeps the queues returned by configs on every run.
func NewRetentionSweeper(store Store, configs func() []QueueConfig, interval time.Duration, bus *EventBus, l *slog.Logger) (*RetentionSweeper, error) {
	if store == nil {
		return nil, ErrStoreNil
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if l == nil {
		l = slog.Default()
	}
	return &RetentionSweeper{store: store, bus: bus, configs: configs, interval: interval, logger: l}, nil
}

// Sweep prunes every queue once and returns how many jobs were removed.
func (r *RetentionSweeper) Sweep(ctx context.Context) int {
	total := 0
	for _, cfg := range r.configs() {
		total += r.prune(ctx, cfg.Name, StateCompleted, cfg.RemoveOnComplete)
		total += r.prune(ctx, cfg.Name, StateFailed, cfg.RemoveOnFail)
	}
	return total
}

func (r *RetentionSweeper) prune(ctx context.Context, queue string, state JobState, policy RetentionPolicy) int {
	if !policy.Enabled() {
		return 0
	}
	ids, err := r.store.Prune(ctx, queue, state, policy.MaxAge, policy.MaxCount)
	if err != nil {
		r.logger.ErrorContext(ctx, "retention sweep failed",
			logger.Queue(queue),
			logger.State(state.Name()),
			logger.Error(err))
		return 0
	}
	for _, id := range ids {
		r.bus.Publish(ctx, Event{Type: EventRemoved, Queue: queue, JobID: id})
	}
	if len(ids) > 0 {
		r.logger.InfoContext(ctx, "retention sweep removed jobs",
			logger.Queue(queue),
			logger.State(state.Name()),
			logger.Count(len(ids)))
	}
	return len(ids)
}

// Run sweeps on every interval until ctx is done.
func (r *RetentionSweeper) Run(ctx context.Context) func() error {
	return func() error {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				r.Sweep(ctx)
			}
		}
	}
}
