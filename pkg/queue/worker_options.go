package queue

import (
	"log/slog"
	"time"

	"github.com/dmitrymomot/jobengine/pkg/ratelimiter"
)

// WorkerOption is a functional option for configuring a worker
type WorkerOption func(*workerOptions)

type workerOptions struct {
	id                string
	concurrency       int
	rateLimit         ratelimiter.Config
	limiterStore      ratelimiter.Store
	pollInterval      time.Duration
	heartbeatInterval time.Duration
	jobTimeout        time.Duration
	shutdownTimeout   time.Duration
	storeTimeout      time.Duration
	bus               *EventBus
	logger            *slog.Logger
}

func defaultWorkerOptions() *workerOptions {
	return &workerOptions{
		concurrency:       5,
		pollInterval:      time.Second,
		heartbeatInterval: 5 * time.Second,
		jobTimeout:        5 * time.Minute,
		shutdownTimeout:   30 * time.Second,
		storeTimeout:      10 * time.Second,
		logger:            slog.Default(),
	}
}

// WithWorkerID sets a stable worker identifier instead of a random UUID.
func WithWorkerID(id string) WorkerOption {
	return func(o *workerOptions) {
		if id != "" {
			o.id = id
		}
	}
}

// WithConcurrency sets how many jobs the worker runs at once.
func WithConcurrency(n int) WorkerOption {
	return func(o *workerOptions) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithRateLimit admits at most limit job starts in any rolling window.
func WithRateLimit(limit int, window time.Duration) WorkerOption {
	return func(o *workerOptions) {
		if limit > 0 && window > 0 {
			o.rateLimit = ratelimiter.Config{Limit: limit, Window: window}
		}
	}
}

// WithLimiterStore shares rate limit state, for example through Redis so the
// limit holds across processes.
func WithLimiterStore(s ratelimiter.Store) WorkerOption {
	return func(o *workerOptions) {
		if s != nil {
			o.limiterStore = s
		}
	}
}

// WithPollInterval sets how long an idle slot sleeps between claim attempts.
func WithPollInterval(d time.Duration) WorkerOption {
	return func(o *workerOptions) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithHeartbeatInterval sets how often active jobs refresh their lease.
func WithHeartbeatInterval(d time.Duration) WorkerOption {
	return func(o *workerOptions) {
		if d > 0 {
			o.heartbeatInterval = d
		}
	}
}

// WithJobTimeout sets the handler deadline for jobs without their own timeout.
func WithJobTimeout(d time.Duration) WorkerOption {
	return func(o *workerOptions) {
		if d > 0 {
			o.jobTimeout = d
		}
	}
}

// WithShutdownTimeout bounds how long Stop waits for active jobs.
func WithShutdownTimeout(d time.Duration) WorkerOption {
	return func(o *workerOptions) {
		if d > 0 {
			o.shutdownTimeout = d
		}
	}
}

// WithWorkerEventBus sets the bus for lifecycle events.
func WithWorkerEventBus(bus *EventBus) WorkerOption {
	return func(o *workerOptions) {
		if bus != nil {
			o.bus = bus
		}
	}
}

// WithWorkerLogger sets the logger for the worker
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(o *workerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}
