package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/dmitrymomot/jobengine/pkg/logger"
)

// StallDetector requeues active jobs whose worker stopped heartbeating.
type StallDetector struct {
	store    Store
	bus      *EventBus
	queues   func() []string
	timeout  time.Duration
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// StallOption configures a StallDetector.
type StallOption func(*StallDetector)

// WithStallTimeout sets how old a heartbeat may be before the job is stalled.
func WithStallTimeout(d time.Duration) StallOption {
	return func(s *StallDetector) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithStallInterval sets how often the detector checks.
func WithStallInterval(d time.Duration) StallOption {
	return func(s *StallDetector) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithStallEventBus sets the bus for stall events.
func WithStallEventBus(bus *EventBus) StallOption {
	return func(s *StallDetector) {
		if bus != nil {
			s.bus = bus
		}
	}
}

// WithStallLogger sets the logger.
func WithStallLogger(l *slog.Logger) StallOption {
	return func(s *StallDetector) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithStallClock replaces the time source.
func WithStallClock(now func() time.Time) StallOption {
	return func(s *StallDetector) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStallDetector checks the queues returned by queues on every run.
func NewStallDetector(store Store, queues func() []string, opts ...StallOption) (*StallDetector, error) {
	if store == nil {
		return nil, ErrStoreNil
	}
	s := &StallDetector{
		store:    store,
		queues:   queues,
		timeout:  30 * time.Second,
		interval: 15 * time.Second,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Check requeues stalled jobs in every queue and returns them.
func (s *StallDetector) Check(ctx context.Context) []*Job {
	before := s.now().Add(-s.timeout)

	var all []*Job
	for _, q := range s.queues() {
		jobs, err := s.store.RequeueStalled(ctx, q, before)
		if err != nil {
			s.logger.ErrorContext(ctx, "stall check failed", logger.Queue(q), logger.Error(err))
		}
		for _, job := range jobs {
			s.publish(ctx, job)
		}
		all = append(all, jobs...)
	}
	return all
}

func (s *StallDetector) publish(ctx context.Context, job *Job) {
	s.bus.Publish(ctx, newJobEvent(EventStalled, job))

	var follow EventType
	switch job.State {
	case StateDelayed:
		follow = EventRetrying
	case StateFailed:
		follow = EventFailed
	default:
		follow = EventRemoved
	}
	s.bus.Publish(ctx, newJobEvent(follow, job))
	s.bus.publishFailedChildren(ctx, job)

	s.logger.WarnContext(ctx, "job stalled",
		logger.Queue(job.Queue),
		logger.JobID(job.ID),
		logger.State(job.State.Name()),
		logger.Attempt(job.AttemptsMade, job.MaxAttempts))
}

// Run checks on every interval until ctx is done.
func (s *StallDetector) Run(ctx context.Context) func() error {
	return func() error {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				s.Check(ctx)
			}
		}
	}
}
