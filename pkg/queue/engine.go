package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/jobengine/pkg/broadcast"
	"github.com/dmitrymomot/jobengine/pkg/logger"
	"github.com/dmitrymomot/jobengine/pkg/ratelimiter"
)

// Engine wires the store, workers, scheduler, stall detector, retention
// sweeper and event bus together and exposes the control operations.
type Engine struct {
	store        Store
	bus          *EventBus
	cfg          Config
	logger       *slog.Logger
	limiterStore ratelimiter.Store
	now          func() time.Time

	scheduler *Scheduler
	stall     *StallDetector
	retention *RetentionSweeper

	mu      sync.RWMutex
	queues  map[string]QueueConfig
	order   []string
	workers []*Worker
	runners []Runner

	running atomic.Bool
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEventBus sets the bus. Without it the engine publishes in process.
func WithEventBus(bus *EventBus) EngineOption {
	return func(e *Engine) {
		if bus != nil {
			e.bus = bus
		}
	}
}

// WithEngineLogger sets the logger shared by all components.
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithConfig replaces DefaultConfig. Zero fields keep their defaults.
func WithConfig(cfg Config) EngineOption {
	return func(e *Engine) {
		e.cfg = cfg.withDefaults()
	}
}

// WithSharedLimiterStore backs every worker's rate limiter with s.
func WithSharedLimiterStore(s ratelimiter.Store) EngineOption {
	return func(e *Engine) {
		if s != nil {
			e.limiterStore = s
		}
	}
}

// WithEngineClock replaces the time source of the engine's timers.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine creates an engine over store.
func NewEngine(store Store, opts ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, ErrStoreNil
	}

	e := &Engine{
		store:  store,
		cfg:    DefaultConfig(),
		logger: slog.Default(),
		now:    time.Now,
		queues: make(map[string]QueueConfig),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.bus == nil {
		e.bus = NewEventBus(broadcast.NewMemoryBroadcaster[Event](e.cfg.EventBuffer), WithEventBusLogger(e.logger))
	}

	var err error
	e.scheduler, err = NewScheduler(store,
		WithCheckInterval(e.cfg.SchedulerInterval),
		WithSchedulerLogger(e.logger.With(logger.Component("scheduler"))),
		WithSchedulerEventBus(e.bus),
		WithSchedulerClock(e.now),
		WithQueueResolver(e.QueueConfig),
	)
	if err != nil {
		return nil, err
	}

	e.stall, err = NewStallDetector(store, e.QueueNames,
		WithStallTimeout(e.cfg.StallTimeout),
		WithStallInterval(e.cfg.StallCheckInterval),
		WithStallEventBus(e.bus),
		WithStallLogger(e.logger.With(logger.Component("stall_detector"))),
		WithStallClock(e.now),
	)
	if err != nil {
		return nil, err
	}

	e.retention, err = NewRetentionSweeper(store, e.queueConfigs, e.cfg.RetentionInterval, e.bus,
		e.logger.With(logger.Component("retention")))
	if err != nil {
		return nil, err
	}

	return e, nil
}

// RegisterQueue creates the queue in the store and records its defaults.
func (e *Engine) RegisterQueue(ctx context.Context, cfg QueueConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("%w: queue name is empty", ErrInvalidArgument)
	}
	cfg.Defaults = cfg.Defaults.withDefaults()
	if err := cfg.Defaults.Backoff.Validate(); err != nil {
		return fmt.Errorf("queue %s: %w", cfg.Name, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.queues[cfg.Name]; ok {
		return fmt.Errorf("%w: %s", ErrQueueExists, cfg.Name)
	}
	if _, err := e.store.CreateQueue(ctx, cfg.Name); err != nil {
		return fmt.Errorf("create queue %s: %w", cfg.Name, err)
	}
	e.queues[cfg.Name] = cfg
	e.order = append(e.order, cfg.Name)

	e.logger.InfoContext(ctx, "queue registered",
		logger.Queue(cfg.Name),
		slog.Int("max_attempts", cfg.Defaults.MaxAttempts))
	return nil
}

// AddWorker attaches a worker handle to a registered queue. Engine settings
// are applied first so opts can override them.
func (e *Engine) AddWorker(queue string, handler Handler, opts ...WorkerOption) (*Worker, error) {
	if e.running.Load() {
		return nil, fmt.Errorf("%w: engine is already running", ErrInvalidTransition)
	}
	if _, ok := e.QueueConfig(queue); !ok {
		return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, queue)
	}

	base := []WorkerOption{
		WithConcurrency(e.cfg.DefaultConcurrency),
		WithRateLimit(e.cfg.RateLimit, e.cfg.RateWindow),
		WithPollInterval(e.cfg.PollInterval),
		WithHeartbeatInterval(e.cfg.HeartbeatInterval),
		WithJobTimeout(e.cfg.JobTimeout),
		WithShutdownTimeout(e.cfg.ShutdownTimeout),
		WithWorkerEventBus(e.bus),
		WithWorkerLogger(e.logger.With(logger.Component("worker"))),
		WithLimiterStore(e.limiterStore),
	}
	w, err := NewWorker(e.store, queue, handler, append(base, opts...)...)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.workers = append(e.workers, w)
	e.mu.Unlock()
	return w, nil
}

// Apply registers the queues, workers and repeat schedules of defs. Every
// worker uses handler, typically a Mux.
func (e *Engine) Apply(ctx context.Context, defs *Definitions, handler Handler, opts ...WorkerOption) error {
	for _, cfg := range defs.QueueConfigs() {
		if err := e.RegisterQueue(ctx, cfg); err != nil {
			return err
		}
		ws := defs.WorkerSettings(cfg.Name)
		wopts := []WorkerOption{WithConcurrency(ws.Concurrency), WithRateLimit(ws.RateLimit.Limit, ws.RateLimit.Window)}
		if _, err := e.AddWorker(cfg.Name, handler, append(wopts, opts...)...); err != nil {
			return err
		}
	}

	repeats, err := defs.RepeatDefinitions()
	if err != nil {
		return err
	}
	for _, def := range repeats {
		if _, err := e.scheduler.Register(ctx, def); err != nil {
			return err
		}
	}
	return nil
}

// Scheduler returns the repeat scheduler.
func (e *Engine) Scheduler() *Scheduler { return e.scheduler }

// StallDetector returns the stall detector.
func (e *Engine) StallDetector() *StallDetector { return e.stall }

// RetentionSweeper returns the retention sweeper.
func (e *Engine) RetentionSweeper() *RetentionSweeper { return e.retention }

// Bus returns the event bus.
func (e *Engine) Bus() *EventBus { return e.bus }

// Store returns the backing store.
func (e *Engine) Store() Store { return e.store }

// QueueNames lists registered queues in registration order.
func (e *Engine) QueueNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.order...)
}

// QueueConfig returns the registered configuration of queue.
func (e *Engine) QueueConfig(queue string) (QueueConfig, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cfg, ok := e.queues[queue]
	return cfg, ok
}

func (e *Engine) queueConfigs() []QueueConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]QueueConfig, 0, len(e.order))
	for _, name := range e.order {
		out = append(out, e.queues[name])
	}
	return out
}

// Workers returns the worker handles of queue, or all handles when queue is empty.
func (e *Engine) Workers(queue string) []*Worker {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []*Worker
	for _, w := range e.workers {
		if queue == "" || w.Queue() == queue {
			out = append(out, w)
		}
	}
	return out
}

// Concurrency sums the slots of every worker handle on queue.
func (e *Engine) Concurrency(queue string) int {
	total := 0
	for _, w := range e.Workers(queue) {
		total += w.Concurrency()
	}
	return total
}

func (e *Engine) notify(queue string) {
	for _, w := range e.Workers(queue) {
		w.Notify()
	}
}

// Runner is a background loop started by Engine.Run alongside the workers.
type Runner interface {
	Run(ctx context.Context) func() error
}

// AddRunner registers r to run inside Run's error group. Runners added
// after Run has started are picked up by the next Run.
func (e *Engine) AddRunner(r Runner) {
	if r == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runners = append(e.runners, r)
}

// Run starts every worker and background loop and returns a function
// suitable for errgroup. It returns when ctx is done and all workers stopped.
func (e *Engine) Run(ctx context.Context) func() error {
	return func() error {
		if !e.running.CompareAndSwap(false, true) {
			return fmt.Errorf("%w: engine is already running", ErrInvalidTransition)
		}
		defer e.running.Store(false)

		g, gctx := errgroup.WithContext(ctx)
		for _, w := range e.Workers("") {
			g.Go(w.Run(gctx))
		}
		g.Go(e.scheduler.Run(gctx))
		g.Go(e.stall.Run(gctx))
		g.Go(e.retention.Run(gctx))
		e.mu.RLock()
		runners := append([]Runner(nil), e.runners...)
		e.mu.RUnlock()
		for _, r := range runners {
			g.Go(r.Run(gctx))
		}

		e.logger.InfoContext(ctx, "engine started",
			logger.Count(len(e.QueueNames())),
			slog.Int("workers", len(e.Workers(""))))

		err := g.Wait()
		e.logger.Info("engine stopped", logger.Error(err))
		return err
	}
}

// Close releases the bus and the store. Call it after Run has returned.
func (e *Engine) Close() error {
	return errors.Join(e.bus.Close(), e.store.Close())
}

// WorkerHealth describes one worker handle.
type WorkerHealth struct {
	ID          string `json:"id"`
	Queue       string `json:"queue"`
	Concurrency int    `json:"concurrency"`
	Running     bool   `json:"running"`
	Paused      bool   `json:"paused"`
	Active      int    `json:"active"`
	Counts      Counts `json:"counts"`
}

// WorkerHealth reports every worker handle with its queue counts.
func (e *Engine) WorkerHealth(ctx context.Context) ([]WorkerHealth, error) {
	workers := e.Workers("")
	counts := make(map[string]Counts)
	out := make([]WorkerHealth, 0, len(workers))
	for _, w := range workers {
		c, ok := counts[w.Queue()]
		if !ok {
			var err error
			if c, err = e.store.Counts(ctx, w.Queue()); err != nil {
				return nil, fmt.Errorf("counts for %s: %w", w.Queue(), err)
			}
			counts[w.Queue()] = c
		}
		out = append(out, WorkerHealth{
			ID:          w.ID(),
			Queue:       w.Queue(),
			Concurrency: w.Concurrency(),
			Running:     w.Running(),
			Paused:      w.Paused(),
			Active:      w.ActiveCount(),
			Counts:      c,
		})
	}
	return out, nil
}
