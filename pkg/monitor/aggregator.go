package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dmitrymomot/jobengine/pkg/async"
	"github.com/dmitrymomot/jobengine/pkg/broadcast"
	"github.com/dmitrymomot/jobengine/pkg/cache"
	"github.com/dmitrymomot/jobengine/pkg/logger"
	"github.com/dmitrymomot/jobengine/pkg/queue"
)

// Source is the read side of the engine the aggregator needs.
// *queue.Engine satisfies it.
type Source interface {
	QueueNames() []string
	QueueStats(ctx context.Context, queue string) (queue.QueueStats, error)
	ListJobs(ctx context.Context, queue string, filter queue.ListFilter) ([]*queue.Job, error)
	GetJob(ctx context.Context, queue, jobID string) (*queue.Job, error)
	Bus() *queue.EventBus
}

// Aggregator keeps a window of recent events and computes dashboard views.
type Aggregator struct {
	src       Source
	interval  time.Duration
	now       func() time.Time
	logger    *slog.Logger
	snapshots broadcast.Broadcaster[Snapshot]
	jobs      *cache.LRU[queue.JobRef, *queue.Job]
	sample    int

	mu     sync.RWMutex
	events *ring
	latest *Snapshot
}

// Option configures an Aggregator.
type Option func(*options)

type options struct {
	ringSize  int
	cacheSize int
	sample    int
	interval  time.Duration
	now       func() time.Time
	logger    *slog.Logger
	snapshots broadcast.Broadcaster[Snapshot]
}

// WithRingSize sets how many recent events are kept. Default 200.
func WithRingSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.ringSize = n
		}
	}
}

// WithJobCacheSize sets how many job snapshots are cached. Default 500.
func WithJobCacheSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.cacheSize = n
		}
	}
}

// WithPerformanceSample caps how many finished jobs per queue Performance
// reads. The default is 1000.
func WithPerformanceSample(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.sample = n
		}
	}
}

// WithInterval sets the snapshot period. Default 5s.
func WithInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithClock replaces the time source used for windows and timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithSnapshotBroadcaster publishes snapshots through b instead of an
// in-process broadcaster.
func WithSnapshotBroadcaster(b broadcast.Broadcaster[Snapshot]) Option {
	return func(o *options) {
		if b != nil {
			o.snapshots = b
		}
	}
}

// New creates an aggregator over src.
func New(src Source, opts ...Option) (*Aggregator, error) {
	if src == nil {
		return nil, ErrSourceNil
	}
	o := options{
		ringSize:  200,
		cacheSize: 500,
		sample:    1000,
		interval:  5 * time.Second,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.snapshots == nil {
		o.snapshots = broadcast.NewMemoryBroadcaster[Snapshot](16)
	}
	return &Aggregator{
		src:       src,
		interval:  o.interval,
		now:       o.now,
		logger:    o.logger.With(logger.Component("monitor")),
		snapshots: o.snapshots,
		jobs:      cache.NewLRU[queue.JobRef, *queue.Job](o.cacheSize),
		sample:    o.sample,
		events:    newRing(o.ringSize),
	}, nil
}

// Run consumes the global event channel and publishes a Snapshot every
// interval until ctx ends. It returns a function suitable for errgroup.
func (a *Aggregator) Run(ctx context.Context) func() error {
	return func() error {
		sub := a.src.Bus().Subscribe(ctx, queue.EventFilter{})
		defer sub.Close()

		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()

		a.refresh(ctx)
		events := sub.Receive(ctx)
		for {
			select {
			case <-ctx.Done():
				return nil
			case msg, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				a.Record(msg.Data)
			case <-ticker.C:
				a.refresh(ctx)
			}
		}
	}
}

// Record adds an event to the recent window and updates the job cache.
func (a *Aggregator) Record(e queue.Event) {
	a.mu.Lock()
	a.events.push(e)
	a.mu.Unlock()

	if e.JobID == "" {
		return
	}
	ref := queue.JobRef{Queue: e.Queue, ID: e.JobID}
	if e.Type == queue.EventRemoved {
		a.jobs.Remove(ref)
		return
	}
	if e.Job != nil {
		a.jobs.Put(ref, e.Job.Clone())
	}
}

// Job returns a job snapshot, served from the cache when the job was seen recently.
func (a *Aggregator) Job(ctx context.Context, queueName, jobID string) (*queue.Job, error) {
	ref := queue.JobRef{Queue: queueName, ID: jobID}
	if j, ok := a.jobs.Get(ref); ok {
		return j.Clone(), nil
	}
	j, err := a.src.GetJob(ctx, queueName, jobID)
	if err != nil {
		return nil, err
	}
	a.jobs.Put(ref, j.Clone())
	return j, nil
}

// Subscribe returns a subscriber receiving every published Snapshot.
func (a *Aggregator) Subscribe(ctx context.Context) broadcast.Subscriber[Snapshot] {
	return a.snapshots.Subscribe(ctx)
}

// Latest returns the most recent snapshot, if one was computed.
func (a *Aggregator) Latest() (Snapshot, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.latest == nil {
		return Snapshot{}, false
	}
	return *a.latest, true
}

// Close stops snapshot delivery.
func (a *Aggregator) Close() error {
	return a.snapshots.Close()
}

func (a *Aggregator) refresh(ctx context.Context) {
	snap, err := a.Snapshot(ctx)
	if err != nil {
		if ctx.Err() == nil {
			a.logger.WarnContext(ctx, "snapshot failed", logger.Error(err))
		}
		return
	}

	a.mu.Lock()
	a.latest = &snap
	a.mu.Unlock()

	if err := a.snapshots.Broadcast(ctx, broadcast.Message[Snapshot]{Data: snap}); err != nil {
		a.logger.WarnContext(ctx, "snapshot publish failed", logger.Error(err))
	}
}

// perQueue runs fn for every queue concurrently and returns results in queue order.
func perQueue[U any](ctx context.Context, names []string, fn func(context.Context, string) (U, error)) ([]U, error) {
	futures := make([]*async.Future[U], len(names))
	for i, name := range names {
		futures[i] = async.Async(ctx, name, fn)
	}
	return async.WaitAll(futures...)
}
