package monitor_test

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/jobengine/pkg/monitor"
	"github.com/dmitrymomot/jobengine/pkg/queue"
)

var epoch = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

type fakeSource struct {
	mu      sync.Mutex
	names   []string
	stats   map[string]queue.QueueStats
	jobs    map[string][]*queue.Job
	bus     *queue.EventBus
	getJobs atomic.Int32
}

func newFakeSource(names ...string) *fakeSource {
	src := &fakeSource{
		names: names,
		stats: make(map[string]queue.QueueStats),
		jobs:  make(map[string][]*queue.Job),
		bus:   queue.NewEventBus(nil),
	}
	for _, n := range names {
		src.stats[n] = queue.QueueStats{Name: n}
	}
	return src
}

func (s *fakeSource) setStats(st queue.QueueStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats[st.Name] = st
}

// add appends jobs; ListJobs returns them newest first by finish time.
func (s *fakeSource) add(jobs ...*queue.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range jobs {
		s.jobs[j.Queue] = append(s.jobs[j.Queue], j)
	}
}

func (s *fakeSource) QueueNames() []string { return slices.Clone(s.names) }

func (s *fakeSource) QueueStats(_ context.Context, name string) (queue.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stats[name]
	if !ok {
		return queue.QueueStats{}, queue.ErrQueueNotFound
	}
	return st, nil
}

func (s *fakeSource) ListJobs(_ context.Context, name string, f queue.ListFilter) ([]*queue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*queue.Job
	for _, j := range s.jobs[name] {
		if len(f.States) > 0 && !slices.Contains(f.States, j.State) {
			continue
		}
		if !f.FinishedAfter.IsZero() && (j.FinishedAt == nil || !j.FinishedAt.After(f.FinishedAfter)) {
			continue
		}
		out = append(out, j.Clone())
	}
	slices.SortStableFunc(out, func(a, b *queue.Job) int { return b.FinishedAt.Compare(*a.FinishedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *fakeSource) GetJob(_ context.Context, name, id string) (*queue.Job, error) {
	s.getJobs.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs[name] {
		if j.ID == id {
			return j.Clone(), nil
		}
	}
	return nil, queue.ErrJobNotFound
}

func (s *fakeSource) Bus() *queue.EventBus { return s.bus }

// finished builds a terminal job that ran for d and finished at end.
func finished(q, id string, state queue.JobState, end time.Time, d time.Duration, reason string) *queue.Job {
	start := end.Add(-d)
	return &queue.Job{
		ID:            id,
		Queue:         q,
		Name:          "task",
		State:         state,
		AttemptsMade:  1,
		CreatedAt:     start,
		ProcessedAt:   &start,
		FinishedAt:    &end,
		FailureReason: reason,
	}
}

func newAggregator(t *testing.T, src monitor.Source, opts ...monitor.Option) *monitor.Aggregator {
	t.Helper()
	agg, err := monitor.New(src, append([]monitor.Option{monitor.WithClock(func() time.Time { return epoch })}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = agg.Close() })
	return agg
}

func TestNew(t *testing.T) {
	t.Parallel()

	_, err := monitor.New(nil)
	assert.ErrorIs(t, err, monitor.ErrSourceNil)
}

func TestComputeHealth(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		counts queue.Counts
		want   monitor.HealthStatus
	}{
		{"empty", queue.Counts{}, monitor.HealthHealthy},
		{"no failures", queue.Counts{Completed: 10}, monitor.HealthHealthy},
		{"five percent", queue.Counts{Completed: 95, Failed: 5}, monitor.HealthHealthy},
		{"six percent", queue.Counts{Completed: 94, Failed: 6}, monitor.HealthWarning},
		{"ten percent", queue.Counts{Completed: 90, Failed: 10}, monitor.HealthWarning},
		{"eleven percent", queue.Counts{Completed: 89, Failed: 11}, monitor.HealthCritical},
		{"all failed", queue.Counts{Failed: 3}, monitor.HealthCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := monitor.ComputeHealth(tt.counts)
			assert.Equal(t, tt.want, h.Status)
			assert.Equal(t, tt.counts.Total(), h.TotalJobs)
			assert.Equal(t, tt.counts.Failed, h.FailedJobs)
		})
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		reason string
		want   monitor.FailureCategory
	}{
		{"handler timeout exceeded", monitor.CategoryTimeout},
		{"request Timed Out after 30s", monitor.CategoryTimeout},
		{"Connection refused", monitor.CategoryConnection},
		{"connection timeout", monitor.CategoryTimeout},
		{"paper not found", monitor.CategoryNotFound},
		{"permission denied", monitor.CategoryPermission},
		{"401 Unauthorized", monitor.CategoryPermission},
		{"validation failed: title is required", monitor.CategoryValidation},
		{"Rate limit exceeded", monitor.CategoryRateLimit},
		{"boom", monitor.CategoryOther},
		{"", monitor.CategoryOther},
	}
	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, monitor.Classify(tt.reason))
		})
	}
}

func TestParseTimeRange(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]monitor.TimeRange{
		"":     monitor.RangeHour,
		"hour": monitor.RangeHour,
		"day":  monitor.RangeDay,
		"week": monitor.RangeWeek,
	} {
		got, err := monitor.ParseTimeRange(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := monitor.ParseTimeRange("month")
	assert.ErrorIs(t, err, monitor.ErrInvalidTimeRange)
	assert.ErrorIs(t, err, queue.ErrInvalidArgument)

	assert.Equal(t, time.Hour, monitor.RangeHour.Duration())
	assert.Equal(t, 24*time.Hour, monitor.RangeDay.Duration())
	assert.Equal(t, 7*24*time.Hour, monitor.RangeWeek.Duration())
}

func TestAggregator_Overview(t *testing.T) {
	t.Parallel()

	src := newFakeSource("emails", "exports")
	src.setStats(queue.QueueStats{Name: "emails", Counts: queue.Counts{Waiting: 2, Completed: 90, Failed: 3}})
	src.setStats(queue.QueueStats{Name: "exports", Counts: queue.Counts{Active: 1, Failed: 4}})
	src.add(
		finished("emails", "e1", queue.StateCompleted, epoch.Add(-time.Minute), time.Second, ""),
		finished("exports", "x1", queue.StateFailed, epoch.Add(-30*time.Second), time.Second, "boom"),
	)

	agg := newAggregator(t, src)
	ov, err := agg.Overview(context.Background())
	require.NoError(t, err)

	assert.Equal(t, epoch, ov.Timestamp)
	assert.Equal(t, queue.Counts{Waiting: 2, Active: 1, Completed: 90, Failed: 7}, ov.Totals)
	assert.Equal(t, 100, ov.TotalJobs)
	require.Len(t, ov.Queues, 2)
	assert.Equal(t, "emails", ov.Queues[0].Name)
	assert.Equal(t, monitor.HealthWarning, ov.Health.Status)
	assert.InDelta(t, 0.07, ov.Health.FailureRatio, 1e-9)

	// The ring is empty, so activity comes from the store, newest first.
	require.Len(t, ov.RecentActivity, 2)
	assert.Equal(t, "x1", ov.RecentActivity[0].JobID)
	assert.Equal(t, queue.EventFailed, ov.RecentActivity[0].Type)
	assert.Equal(t, "e1", ov.RecentActivity[1].JobID)
	assert.Equal(t, queue.EventCompleted, ov.RecentActivity[1].Type)
}

func TestAggregator_SnapshotUnknownQueue(t *testing.T) {
	t.Parallel()

	src := newFakeSource("emails")
	src.names = append(src.names, "ghost")
	agg := newAggregator(t, src)

	_, err := agg.Snapshot(context.Background())
	assert.ErrorIs(t, err, queue.ErrQueueNotFound)
}

func TestAggregator_StoreActivityCapsPerState(t *testing.T) {
	t.Parallel()

	src := newFakeSource("emails")
	for i := range 8 {
		src.add(finished("emails", fmt.Sprintf("c%d", i), queue.StateCompleted, epoch.Add(-time.Duration(i)*time.Minute), time.Second, ""))
		src.add(finished("emails", fmt.Sprintf("f%d", i), queue.StateFailed, epoch.Add(-time.Duration(i)*time.Minute-time.Second), time.Second, "boom"))
	}
	agg := newAggregator(t, src)

	acts, err := agg.RecentActivity(context.Background(), 50)
	require.NoError(t, err)

	// Ten newest finished jobs are read, five of each state at most.
	require.Len(t, acts, 10)
	for i := 1; i < len(acts); i++ {
		assert.False(t, acts[i].Timestamp.After(acts[i-1].Timestamp))
	}
}

func TestAggregator_RecordAndJobCache(t *testing.T) {
	t.Parallel()

	src := newFakeSource("emails")
	job := finished("emails", "e1", queue.StateCompleted, epoch, time.Second, "")
	src.add(job)
	agg := newAggregator(t, src, monitor.WithRingSize(3))
	ctx := context.Background()

	// A job seen on the bus is served without a store read.
	agg.Record(queue.Event{Type: queue.EventCompleted, Queue: "emails", JobID: "e1", Job: job, Timestamp: epoch})
	got, err := agg.Job(ctx, "emails", "e1")
	require.NoError(t, err)
	assert.Equal(t, queue.StateCompleted, got.State)
	assert.Zero(t, src.getJobs.Load())

	// Removal evicts the cache entry.
	agg.Record(queue.Event{Type: queue.EventRemoved, Queue: "emails", JobID: "e1", Timestamp: epoch.Add(time.Second)})
	_, err = agg.Job(ctx, "emails", "e1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), src.getJobs.Load())

	// The store result is cached.
	_, err = agg.Job(ctx, "emails", "e1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), src.getJobs.Load())

	_, err = agg.Job(ctx, "emails", "missing")
	assert.ErrorIs(t, err, queue.ErrJobNotFound)

	// The ring keeps the last three events, newest first.
	for i := range 4 {
		agg.Record(queue.Event{Type: queue.EventAdded, Queue: "emails", JobID: fmt.Sprintf("n%d", i), Timestamp: epoch.Add(time.Duration(i) * time.Minute)})
	}
	acts, err := agg.RecentActivity(ctx, 10)
	require.NoError(t, err)
	require.Len(t, acts, 3)
	assert.Equal(t, []string{"n3", "n2", "n1"}, []string{acts[0].JobID, acts[1].JobID, acts[2].JobID})

	acts, err = agg.RecentActivity(ctx, 1)
	require.NoError(t, err)
	require.Len(t, acts, 1)
	assert.Equal(t, "n3", acts[0].JobID)
}

func TestAggregator_Performance(t *testing.T) {
	t.Parallel()

	src := newFakeSource("emails", "idle")
	src.setStats(queue.QueueStats{Name: "emails", Counts: queue.Counts{Active: 2}, Workers: 1, Concurrency: 8})
	src.add(
		finished("emails", "c1", queue.StateCompleted, epoch.Add(-10*time.Minute), 2*time.Second, ""),
		finished("emails", "c2", queue.StateCompleted, epoch.Add(-20*time.Minute), 4*time.Second, ""),
		finished("emails", "c3", queue.StateCompleted, epoch.Add(-30*time.Minute), 6*time.Second, ""),
		finished("emails", "f1", queue.StateFailed, epoch.Add(-40*time.Minute), time.Second, "boom"),
		// Outside the hour window but inside the day.
		finished("emails", "old", queue.StateCompleted, epoch.Add(-3*time.Hour), 10*time.Second, ""),
	)
	agg := newAggregator(t, src)
	ctx := context.Background()

	perf, err := agg.Performance(ctx, monitor.RangeHour)
	require.NoError(t, err)
	assert.Equal(t, monitor.RangeHour, perf.Range)
	assert.Equal(t, epoch.Add(-time.Hour), perf.Since)
	require.Len(t, perf.Queues, 2)

	emails := perf.Queues[0]
	assert.Equal(t, "emails", emails.Queue)
	assert.Equal(t, 3, emails.Throughput)
	assert.Equal(t, 1, emails.Failed)
	assert.InDelta(t, 4000, emails.AverageDurationMS, 1e-9)
	assert.InDelta(t, 75, emails.SuccessRate, 1e-9)
	assert.InDelta(t, 25, emails.Utilization, 1e-9)

	idle := perf.Queues[1]
	assert.Zero(t, idle.Throughput)
	assert.InDelta(t, 100, idle.SuccessRate, 1e-9)
	assert.Zero(t, idle.Utilization)

	perf, err = agg.Performance(ctx, monitor.RangeDay)
	require.NoError(t, err)
	assert.Equal(t, 4, perf.Queues[0].Throughput)

	assert.False(t, perf.Queues[0].Sampled)

	_, err = agg.Performance(ctx, "month")
	assert.ErrorIs(t, err, queue.ErrInvalidArgument)

	capped := newAggregator(t, src, monitor.WithPerformanceSample(2))
	perf, err = capped.Performance(ctx, monitor.RangeHour)
	require.NoError(t, err)
	assert.True(t, perf.Queues[0].Sampled)
	assert.Equal(t, 2, perf.Queues[0].Throughput, "only the newest two finished jobs are read")
	assert.False(t, perf.Queues[1].Sampled)
}

func TestAggregator_Failures(t *testing.T) {
	t.Parallel()

	src := newFakeSource("emails", "exports")
	reasons := []string{"connection reset", "handler timeout exceeded", "boom"}
	for i := range 30 {
		src.add(finished("emails", fmt.Sprintf("e%d", i), queue.StateFailed, epoch.Add(-time.Duration(i)*time.Minute), time.Second, reasons[i%3]))
	}
	src.add(finished("exports", "x1", queue.StateFailed, epoch.Add(-90*time.Second), time.Second, "Rate limit hit"))
	src.add(finished("exports", "ok", queue.StateCompleted, epoch, time.Second, ""))
	agg := newAggregator(t, src)

	report, err := agg.Failures(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 31, report.Total)
	assert.Equal(t, 10, report.Categories[monitor.CategoryConnection])
	assert.Equal(t, 10, report.Categories[monitor.CategoryTimeout])
	assert.Equal(t, 10, report.Categories[monitor.CategoryOther])
	assert.Equal(t, 1, report.Categories[monitor.CategoryRateLimit])

	require.Len(t, report.Queues, 2)
	assert.Equal(t, 30, report.Queues[0].Total)
	assert.Equal(t, 1, report.Queues[1].Total)

	require.Len(t, report.Recent, 20)
	assert.Equal(t, "e0", report.Recent[0].JobID)
	assert.Equal(t, "e1", report.Recent[1].JobID)
	assert.Equal(t, "x1", report.Recent[2].JobID)
	assert.Equal(t, monitor.CategoryRateLimit, report.Recent[2].Category)
}

func TestAggregator_Run(t *testing.T) {
	t.Parallel()

	src := newFakeSource("emails")
	src.setStats(queue.QueueStats{Name: "emails", Counts: queue.Counts{Waiting: 1}})
	agg := newAggregator(t, src, monitor.WithInterval(20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := agg.Subscribe(ctx)
	defer sub.Close()

	done := make(chan error, 1)
	go func() { done <- agg.Run(ctx)() }()

	select {
	case msg := <-sub.Receive(ctx):
		assert.Equal(t, 1, msg.Data.Totals.Waiting)
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot published")
	}
	latest, ok := agg.Latest()
	require.True(t, ok)
	assert.Equal(t, 1, latest.Totals.Waiting)

	// The first snapshot is taken after subscribing to the bus.
	src.Bus().Publish(ctx, queue.Event{Type: queue.EventAdded, Queue: "emails", JobID: "j1"})
	require.Eventually(t, func() bool {
		acts, err := agg.RecentActivity(ctx, 1)
		return err == nil && len(acts) == 1 && acts[0].JobID == "j1"
	}, 2*time.Second, 10*time.Millisecond)

	// Snapshots keep following the counts.
	src.setStats(queue.QueueStats{Name: "emails", Counts: queue.Counts{Waiting: 5}})
	require.Eventually(t, func() bool {
		s, ok := agg.Latest()
		return ok && s.Totals.Waiting == 5
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}
}
