package adminapi_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/jobengine/pkg/adminapi"
	"github.com/dmitrymomot/jobengine/pkg/logger"
	"github.com/dmitrymomot/jobengine/pkg/monitor"
	"github.com/dmitrymomot/jobengine/pkg/queue"
)

type envelope struct {
	Data  json.RawMessage       `json:"data"`
	Meta  map[string]any        `json:"meta"`
	Error *adminapi.ErrorDetail `json:"error"`
}

type fixture struct {
	engine  *queue.Engine
	handler http.Handler
}

func newFixture(t *testing.T, opts ...adminapi.Option) *fixture {
	t.Helper()
	ctx := context.Background()

	e, err := queue.NewEngine(queue.NewMemoryStorage(), queue.WithEngineLogger(logger.Discard()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	for _, name := range []string{"email-notifications", "exports"} {
		require.NoError(t, e.RegisterQueue(ctx, queue.QueueConfig{Name: name}))
	}

	agg, err := monitor.New(e, monitor.WithLogger(logger.Discard()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = agg.Close() })

	srv, err := adminapi.New(e, agg, append([]adminapi.Option{adminapi.WithLogger(logger.Discard())}, opts...)...)
	require.NoError(t, err)
	return &fixture{engine: e, handler: srv.Handler()}
}

func (f *fixture) do(t *testing.T, method, target string, body any) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(method, target, &buf))

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec.Code, env
}

func decodeData[T any](t *testing.T, env envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

// finish claims the next job of q and completes or fails it.
func (f *fixture) finish(t *testing.T, q string, fail bool) *queue.Job {
	t.Helper()
	ctx := context.Background()
	store := f.engine.Store()
	job, err := store.ClaimNext(ctx, q, "test-worker")
	require.NoError(t, err)
	if fail {
		job, err = store.Fail(ctx, q, job.ID, "test-worker", "connection refused", false)
	} else {
		job, err = store.Complete(ctx, q, job.ID, "test-worker", nil)
	}
	require.NoError(t, err)
	return job
}

func TestNew(t *testing.T) {
	t.Parallel()

	_, err := adminapi.New(nil, nil)
	assert.ErrorIs(t, err, adminapi.ErrEngineNil)

	e, err := queue.NewEngine(queue.NewMemoryStorage())
	require.NoError(t, err)
	_, err = adminapi.New(e, nil)
	assert.ErrorIs(t, err, adminapi.ErrMonitorNil)
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	f := newFixture(t, adminapi.WithHealthCheck("store", func(context.Context) error { return errors.New("down") }))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "NOT_READY", rec.Body.String())

	f = newFixture(t)
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	t.Run("by type", func(t *testing.T) {
		t.Parallel()
		code, env := f.do(t, http.MethodPost, "/jobs", map[string]any{
			"type": "email_notifications",
			"name": "send-email",
			"data": map[string]string{"to": "a@example.com"},
			"options": map[string]any{
				"jobId":    "welcome-1",
				"priority": 1,
				"attempts": 2,
			},
		})
		require.Equal(t, http.StatusCreated, code)
		got := decodeData[map[string]string](t, env)
		assert.Equal(t, map[string]string{"jobId": "welcome-1", "queue": "email-notifications", "status": "created"}, got)

		job, err := f.engine.GetJob(context.Background(), "email-notifications", "welcome-1")
		require.NoError(t, err)
		assert.Equal(t, "send-email", job.Name)
		assert.Equal(t, queue.PriorityCritical, job.Priority)
		assert.Equal(t, 2, job.MaxAttempts)
		assert.JSONEq(t, `{"to":"a@example.com"}`, string(job.Payload))
	})

	t.Run("delayed", func(t *testing.T) {
		t.Parallel()
		code, env := f.do(t, http.MethodPost, "/jobs", map[string]any{
			"queue": "exports", "name": "export", "options": map[string]any{"delay": 60000},
		})
		require.Equal(t, http.StatusCreated, code)
		id := decodeData[map[string]string](t, env)["jobId"]
		job, err := f.engine.GetJob(context.Background(), "exports", id)
		require.NoError(t, err)
		assert.Equal(t, queue.StateDelayed, job.State)
	})

	t.Run("unknown queue", func(t *testing.T) {
		t.Parallel()
		code, env := f.do(t, http.MethodPost, "/jobs", map[string]any{"queue": "nope", "name": "x"})
		assert.Equal(t, http.StatusNotFound, code)
		require.NotNil(t, env.Error)
		assert.Equal(t, string(queue.KindNotFound), env.Error.Code)
	})

	t.Run("missing name", func(t *testing.T) {
		t.Parallel()
		code, env := f.do(t, http.MethodPost, "/jobs", map[string]any{"queue": "exports"})
		assert.Equal(t, http.StatusBadRequest, code)
		assert.Equal(t, string(queue.KindInvalidArgument), env.Error.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		t.Parallel()
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader("{")))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestDashboardViews(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.CreateJob(ctx, "exports", "export", nil)
	require.NoError(t, err)
	_, err = f.engine.CreateJob(ctx, "exports", "export", nil)
	require.NoError(t, err)
	f.finish(t, "exports", true)

	code, env := f.do(t, http.MethodGet, "/jobs", nil)
	require.Equal(t, http.StatusOK, code)
	ov := decodeData[monitor.Overview](t, env)
	assert.Equal(t, 2, ov.TotalJobs)
	assert.Equal(t, 1, ov.Totals.Failed)
	assert.Equal(t, monitor.HealthCritical, ov.Health.Status)
	require.Len(t, ov.RecentActivity, 1)

	code, env = f.do(t, http.MethodGet, "/jobs?view=queues", nil)
	require.Equal(t, http.StatusOK, code)
	stats := decodeData[[]queue.QueueStats](t, env)
	require.Len(t, stats, 2)
	assert.Equal(t, "email-notifications", stats[0].Name)

	code, env = f.do(t, http.MethodGet, "/jobs?view=performance&range=day", nil)
	require.Equal(t, http.StatusOK, code)
	perf := decodeData[monitor.Performance](t, env)
	assert.Equal(t, monitor.RangeDay, perf.Range)

	code, env = f.do(t, http.MethodGet, "/jobs?view=failures", nil)
	require.Equal(t, http.StatusOK, code)
	report := decodeData[monitor.FailureReport](t, env)
	assert.Equal(t, 1, report.Total)
	assert.Equal(t, 1, report.Categories[monitor.CategoryConnection])

	code, env = f.do(t, http.MethodGet, "/jobs?view=activity&limit=5", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 5, env.Meta["limit"])

	for _, target := range []string{"/jobs?view=bogus", "/jobs?view=performance&range=month", "/jobs?view=activity&limit=-1"} {
		code, env = f.do(t, http.MethodGet, target, nil)
		assert.Equal(t, http.StatusBadRequest, code, target)
		assert.Equal(t, string(queue.KindInvalidArgument), env.Error.Code, target)
	}
}

func TestQueueRoutes(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	for range 3 {
		_, err := f.engine.CreateJob(ctx, "exports", "export", nil)
		require.NoError(t, err)
	}

	code, env := f.do(t, http.MethodGet, "/jobs/exports?view=jobs&status=waiting&limit=2", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decodeData[[]queue.Job](t, env), 2)

	code, env = f.do(t, http.MethodGet, "/jobs/exports?view=jobs&status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, http.MethodPost, "/jobs/exports", map[string]string{"action": "pause"})
	require.Equal(t, http.StatusOK, code)
	code, env = f.do(t, http.MethodGet, "/jobs/exports", nil)
	require.Equal(t, http.StatusOK, code)
	stats := decodeData[queue.QueueStats](t, env)
	assert.True(t, stats.Paused)
	assert.Equal(t, 3, stats.Counts.Paused)

	code, _ = f.do(t, http.MethodPost, "/jobs/exports", map[string]string{"action": "resume"})
	require.Equal(t, http.StatusOK, code)

	code, env = f.do(t, http.MethodPost, "/jobs/exports", map[string]string{"action": "drain"})
	require.Equal(t, http.StatusOK, code)
	drained := decodeData[map[string]any](t, env)
	assert.Len(t, drained["removed"], 3)

	code, _ = f.do(t, http.MethodPost, "/jobs/exports", map[string]string{"action": "explode"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, env = f.do(t, http.MethodGet, "/jobs/nope", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, string(queue.KindNotFound), env.Error.Code)
}

func TestJobRoutes(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.CreateJob(ctx, "exports", "export", nil, queue.WithJobID("failed-1"))
	require.NoError(t, err)
	f.finish(t, "exports", true)
	_, err = f.engine.CreateJob(ctx, "exports", "export", nil, queue.WithJobID("waiting-1"))
	require.NoError(t, err)

	code, env := f.do(t, http.MethodGet, "/jobs/exports/failed-1", nil)
	require.Equal(t, http.StatusOK, code)
	job := decodeData[queue.Job](t, env)
	assert.Equal(t, queue.StateFailed, job.State)
	assert.Equal(t, "connection refused", job.FailureReason)

	code, _ = f.do(t, http.MethodGet, "/jobs/exports/missing", nil)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = f.do(t, http.MethodGet, "/jobs/nope/failed-1", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = f.do(t, http.MethodPost, "/jobs/exports/failed-1", map[string]string{"action": "retry"})
	require.Equal(t, http.StatusOK, code)
	retried, err := f.engine.GetJob(ctx, "exports", "failed-1")
	require.NoError(t, err)
	assert.Equal(t, queue.StateWaiting, retried.State)

	code, env = f.do(t, http.MethodPost, "/jobs/exports/waiting-1", map[string]string{"action": "retry"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, string(queue.KindInvalidTransition), env.Error.Code)

	code, env = f.do(t, http.MethodPost, "/jobs/exports/waiting-1", map[string]string{"action": "cancel"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{"waiting-1"}, decodeData[map[string]any](t, env)["removed"])

	code, _ = f.do(t, http.MethodDelete, "/jobs/exports/failed-1", nil)
	require.Equal(t, http.StatusOK, code)
	_, err = f.engine.GetJob(ctx, "exports", "failed-1")
	assert.ErrorIs(t, err, queue.ErrJobNotFound)

	code, _ = f.do(t, http.MethodDelete, "/jobs/exports/failed-1", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestCleanJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	for range 2 {
		_, err := f.engine.CreateJob(ctx, "exports", "export", nil)
		require.NoError(t, err)
		f.finish(t, "exports", false)
	}

	code, env := f.do(t, http.MethodDelete, "/jobs?queue=exports&status=completed", nil)
	require.Equal(t, http.StatusOK, code)
	res := decodeData[map[string]any](t, env)
	assert.EqualValues(t, 24, res["olderThanHours"])
	assert.EqualValues(t, 0, res["removed"])

	code, env = f.do(t, http.MethodDelete, "/jobs?queue=exports&status=completed&olderThan=0", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 2, decodeData[map[string]any](t, env)["removed"])

	code, _ = f.do(t, http.MethodDelete, "/jobs?queue=exports", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = f.do(t, http.MethodDelete, "/jobs?queue=exports&status=waiting", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = f.do(t, http.MethodDelete, "/jobs?queue=nope&status=failed", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestRepeatRoutes(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	code, env := f.do(t, http.MethodPost, "/repeats", map[string]any{
		"key":      "daily-report",
		"queue":    "email-notifications",
		"schedule": "0 9 * * *",
		"timezone": "America/New_York",
		"template": map[string]any{"name": "daily-report", "payload": map[string]string{"kind": "daily"}},
	})
	require.Equal(t, http.StatusCreated, code)
	def := decodeData[queue.RepeatDefinition](t, env)
	assert.Equal(t, "daily-report", def.Key)
	assert.False(t, def.NextRunAt.IsZero())

	code, env = f.do(t, http.MethodGet, "/repeats", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decodeData[[]queue.RepeatDefinition](t, env), 1)

	code, env = f.do(t, http.MethodPost, "/repeats", map[string]any{
		"key": "bad", "queue": "exports", "schedule": "not a cron", "template": map[string]any{"name": "x"},
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, string(queue.KindInvalidArgument), env.Error.Code)

	code, _ = f.do(t, http.MethodDelete, "/repeats/daily-report", nil)
	require.Equal(t, http.StatusOK, code)
	code, _ = f.do(t, http.MethodDelete, "/repeats/daily-report", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestUnknownRoute(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	code, env := f.do(t, http.MethodGet, "/nowhere", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, string(queue.KindNotFound), env.Error.Code)
}

func TestEventStream(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ts := httptest.NewServer(f.handler)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events?queue=exports&types=added", nil)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	lines := make(chan string, 64)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	// next returns the data line following the named event.
	next := func(name string) string {
		t.Helper()
		timeout := time.After(3 * time.Second)
		seen := false
		for {
			select {
			case line, ok := <-lines:
				require.True(t, ok, "stream closed before %s", name)
				if line == "event: "+name {
					seen = true
					continue
				}
				if seen && strings.HasPrefix(line, "data: ") {
					return strings.TrimPrefix(line, "data: ")
				}
			case <-timeout:
				require.FailNow(t, "timed out waiting for "+name)
			}
		}
	}

	var ov monitor.Overview
	require.NoError(t, json.Unmarshal([]byte(next(adminapi.EventInitialStats)), &ov))
	assert.Len(t, ov.Queues, 2)

	// Another queue and another type are filtered out.
	_, err = f.engine.CreateJob(ctx, "email-notifications", "send-email", nil, queue.WithJobID("ignored"))
	require.NoError(t, err)
	require.NoError(t, f.engine.PauseQueue(ctx, "exports"))
	_, err = f.engine.CreateJob(ctx, "exports", "export", nil, queue.WithJobID("watched"))
	require.NoError(t, err)

	var ev queue.Event
	require.NoError(t, json.Unmarshal([]byte(next("job:added")), &ev))
	assert.Equal(t, "watched", ev.JobID)
	assert.Equal(t, "exports", ev.Queue)
}

func TestEventStreamRejectsBadFilter(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	code, _ := f.do(t, http.MethodGet, "/events?types=exploded", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = f.do(t, http.MethodGet, "/events?queue=nope", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestJobEventName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "job:completed", adminapi.JobEventName(queue.EventCompleted))
	assert.Equal(t, "job:progress", adminapi.JobEventName(queue.EventProgress))
	assert.Equal(t, adminapi.EventQueueStatus, adminapi.JobEventName(queue.EventQueuePaused))
	assert.Equal(t, adminapi.EventQueueStatus, adminapi.JobEventName(queue.EventQueueResumed))
}

func TestWorkerRoute(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	code, env := f.do(t, http.MethodGet, "/workers", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, decodeData[[]queue.WorkerHealth](t, env))

	_, err := f.engine.AddWorker("exports", queue.NewMux("test"), queue.WithWorkerID("exports-1"), queue.WithConcurrency(4))
	require.NoError(t, err)
	_, err = f.engine.CreateJob(context.Background(), "exports", "csv", nil)
	require.NoError(t, err)

	code, env = f.do(t, http.MethodGet, "/workers", nil)
	require.Equal(t, http.StatusOK, code)
	workers := decodeData[[]queue.WorkerHealth](t, env)
	require.Len(t, workers, 1)
	assert.Equal(t, "exports-1", workers[0].ID)
	assert.Equal(t, "exports", workers[0].Queue)
	assert.Equal(t, 4, workers[0].Concurrency)
	assert.False(t, workers[0].Running)
	assert.Equal(t, 1, workers[0].Counts.Waiting)
}
