package queue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/jobengine/pkg/logger"
	"github.com/dmitrymomot/jobengine/pkg/queue"
)

var epoch = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: epoch}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newClockedStore(t *testing.T, clock *fakeClock, queues ...string) *queue.MemoryStorage {
	t.Helper()
	s := queue.NewMemoryStorage(queue.WithMemoryClock(clock.Now))
	for _, q := range queues {
		_, err := s.CreateQueue(context.Background(), q)
		require.NoError(t, err)
	}
	return s
}

func testJob(queueName, id string) *queue.Job {
	return &queue.Job{
		ID:          id,
		Queue:       queueName,
		Name:        "test",
		Priority:    queue.PriorityNormal,
		MaxAttempts: 3,
		Backoff:     queue.Backoff{Kind: queue.BackoffExponential, BaseDelay: 2 * time.Second},
	}
}

func mustEnqueue(t *testing.T, s queue.Store, job *queue.Job) *queue.Job {
	t.Helper()
	require.NoError(t, s.Enqueue(context.Background(), job))
	return job
}

// fastConfig keeps every loop short so engine tests finish quickly.
func fastConfig() queue.Config {
	cfg := queue.DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.StallCheckInterval = 50 * time.Millisecond
	cfg.SchedulerInterval = 50 * time.Millisecond
	cfg.RetentionInterval = 50 * time.Millisecond
	cfg.ShutdownTimeout = time.Second
	cfg.RateLimit = 0
	return cfg
}

func newTestEngine(t *testing.T, queues ...queue.QueueConfig) (*queue.Engine, *queue.MemoryStorage) {
	t.Helper()
	store := queue.NewMemoryStorage()
	e, err := queue.NewEngine(store,
		queue.WithConfig(fastConfig()),
		queue.WithEngineLogger(logger.Discard()))
	require.NoError(t, err)
	for _, q := range queues {
		require.NoError(t, e.RegisterQueue(context.Background(), q))
	}
	return e, store
}

// runEngine starts e and stops it when the test ends.
func runEngine(t *testing.T, e *queue.Engine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx)() }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("engine did not stop")
		}
	})
}

func fastRetryQueue(name string, attempts int) queue.QueueConfig {
	return queue.QueueConfig{
		Name: name,
		Defaults: queue.JobOptions{
			MaxAttempts: attempts,
			Backoff:     queue.Backoff{Kind: queue.BackoffFixed, BaseDelay: 10 * time.Millisecond},
		},
	}
}

func jobState(t *testing.T, s queue.Store, q, id string) queue.JobState {
	t.Helper()
	job, err := s.GetJob(context.Background(), q, id)
	require.NoError(t, err)
	return job.State
}
