package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dmitrymomot/jobengine/pkg/logger"
)

// Scheduler materializes repeat definitions into jobs when they fall due.
type Scheduler struct {
	store    Store
	bus      *EventBus
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
	resolve  func(queue string) (QueueConfig, bool)

	mu sync.Mutex // Serializes ticks
}

// SchedulerOption is a functional option for configuring a scheduler
type SchedulerOption func(*Scheduler)

// WithCheckInterval sets how often due definitions are checked
func WithCheckInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithSchedulerLogger sets the logger for the scheduler
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSchedulerEventBus publishes added events for materialized jobs.
func WithSchedulerEventBus(bus *EventBus) SchedulerOption {
	return func(s *Scheduler) {
		if bus != nil {
			s.bus = bus
		}
	}
}

// WithSchedulerClock replaces the time source.
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithQueueResolver supplies queue defaults for materialized jobs.
func WithQueueResolver(fn func(queue string) (QueueConfig, bool)) SchedulerOption {
	return func(s *Scheduler) {
		if fn != nil {
			s.resolve = fn
		}
	}
}

// NewScheduler creates a scheduler for the repeat definitions in store.
func NewScheduler(store Store, opts ...SchedulerOption) (*Scheduler, error) {
	if store == nil {
		return nil, ErrStoreNil
	}

	s := &Scheduler{
		store:    store,
		interval: 30 * time.Second,
		logger:   slog.Default(),
		now:      time.Now,
		resolve: func(queue string) (QueueConfig, bool) {
			return QueueConfig{Name: queue}, true
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Register validates def, computes its first run, and saves it. Registering
// an existing key replaces the definition.
func (s *Scheduler) Register(ctx context.Context, def RepeatDefinition) (*RepeatDefinition, error) {
	if def.Key == "" {
		return nil, fmt.Errorf("%w: repeat key is empty", ErrInvalidArgument)
	}
	if def.Template.Name == "" {
		return nil, fmt.Errorf("%w: repeat %s has no job name", ErrInvalidArgument, def.Key)
	}
	if _, ok := s.resolve(def.Queue); !ok {
		return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, def.Queue)
	}

	next, err := NextFireTime(def.Schedule, def.Timezone, s.now())
	if err != nil {
		return nil, err
	}
	def.NextRunAt = next

	if err := s.store.SaveRepeat(ctx, &def); err != nil {
		return nil, fmt.Errorf("save repeat %s: %w", def.Key, err)
	}

	s.logger.InfoContext(ctx, "repeat registered",
		logger.RepeatKey(def.Key),
		logger.Queue(def.Queue),
		slog.String("schedule", def.Schedule),
		slog.Time("next_run_at", def.NextRunAt))

	return &def, nil
}

// Remove deletes the definition and its pending jobs.
func (s *Scheduler) Remove(ctx context.Context, key string) ([]*Job, error) {
	removed, err := s.store.RemoveRepeat(ctx, key)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "repeat removed", logger.RepeatKey(key), logger.Count(len(removed)))
	return removed, nil
}

// List returns all repeat definitions.
func (s *Scheduler) List(ctx context.Context) ([]*RepeatDefinition, error) {
	return s.store.ListRepeats(ctx)
}

// Tick materializes every due definition. A definition whose previous job is
// still pending stays due, so the next job follows its completion, and
// missed fire times are coalesced into one job.
// It returns the jobs created.
func (s *Scheduler) Tick(ctx context.Context) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	defs, err := s.store.ListRepeats(ctx)
	if err != nil {
		return nil, fmt.Errorf("list repeats: %w", err)
	}

	now := s.now()
	var created []*Job
	for _, def := range defs {
		if def.NextRunAt.After(now) {
			continue
		}
		job, err := s.materialize(ctx, def, now)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to materialize repeat",
				logger.RepeatKey(def.Key),
				logger.Queue(def.Queue),
				logger.Error(err))
			continue
		}
		if job != nil {
			created = append(created, job)
		}
	}
	return created, nil
}

func (s *Scheduler) materialize(ctx context.Context, def *RepeatDefinition, now time.Time) (*Job, error) {
	cfg, ok := s.resolve(def.Queue)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, def.Queue)
	}

	opts := []EnqueueOption{withRepeatKey(def.Key)}
	if def.Template.Priority != 0 {
		opts = append(opts, WithPriority(def.Template.Priority))
	}
	if def.Template.MaxAttempts > 0 {
		opts = append(opts, WithMaxAttempts(def.Template.MaxAttempts))
	}
	if def.Template.Timeout > 0 {
		opts = append(opts, WithTimeout(def.Template.Timeout))
	}

	job, err := newJob(cfg, def.Template.Name, def.Template.Payload, now, opts...)
	if err != nil {
		return nil, err
	}

	ok, err = s.store.EnqueueRepeat(ctx, job)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.logger.DebugContext(ctx, "repeat instance still pending",
			logger.RepeatKey(def.Key),
			logger.Queue(def.Queue))
		return nil, nil
	}

	next, err := NextFireTime(def.Schedule, def.Timezone, now)
	if err != nil {
		return nil, err
	}
	if err := s.store.AdvanceRepeat(ctx, def.Key, next); err != nil {
		return nil, fmt.Errorf("advance repeat %s: %w", def.Key, err)
	}

	s.bus.Publish(ctx, newJobEvent(EventAdded, job))
	s.logger.InfoContext(ctx, "repeat materialized",
		logger.RepeatKey(def.Key),
		logger.Queue(def.Queue),
		logger.JobID(job.ID),
		slog.Time("next_run_at", next))

	return job, nil
}

// Run ticks once immediately and then on every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) func() error {
	return func() error {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.logger.InfoContext(ctx, "scheduler started", slog.Duration("interval", s.interval))

		for {
			if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
				s.logger.ErrorContext(ctx, "scheduler tick failed", logger.Error(err))
			}

			select {
			case <-ctx.Done():
				s.logger.Info("scheduler stopped")
				return nil
			case <-ticker.C:
			}
		}
	}
}
