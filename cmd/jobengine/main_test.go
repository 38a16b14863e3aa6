package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/jobengine/pkg/queue"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	t.Parallel()

	t.Run("built-in definitions", func(t *testing.T) {
		t.Parallel()
		out, err := execute(t, "validate")
		require.NoError(t, err)
		assert.Contains(t, out, "paper-processing")
		assert.Contains(t, out, "daily-report")
		assert.Contains(t, out, "America/New_York")
		assert.Contains(t, out, "7 queues, 5 repeats: ok")
	})

	t.Run("json output", func(t *testing.T) {
		t.Parallel()
		out, err := execute(t, "validate", "--json")
		require.NoError(t, err)

		var res struct {
			Queues []struct {
				Name   string `json:"name"`
				Worker struct {
					Concurrency int `json:"concurrency"`
				} `json:"worker"`
			} `json:"queues"`
			Repeats []struct {
				Key string `json:"key"`
			} `json:"repeats"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &res))
		require.Len(t, res.Queues, 7)
		assert.Equal(t, "paper-processing", res.Queues[0].Name)
		assert.Equal(t, 3, res.Queues[0].Worker.Concurrency)
		assert.Len(t, res.Repeats, 5)
	})

	t.Run("custom file", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "queues.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
queues:
  - name: reports
    worker:
      concurrency: 2
repeats:
  - key: nightly
    queue: reports
    schedule: "0 3 * * *"
    job:
      name: nightly-report
`), 0o600))

		out, err := execute(t, "validate", "-f", path)
		require.NoError(t, err)
		assert.Contains(t, out, "reports")
		assert.Contains(t, out, "nightly-report")
		assert.Contains(t, out, "1 queues, 1 repeats: ok")
	})

	t.Run("invalid file", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
queues:
  - name: reports
repeats:
  - key: broken
    queue: missing
    schedule: "not a cron"
    job:
      name: x
`), 0o600))

		_, err := execute(t, "validate", "-f", path)
		require.Error(t, err)
		assert.ErrorIs(t, err, queue.ErrInvalidArgument)
	})

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()
		_, err := execute(t, "validate", "-f", filepath.Join(t.TempDir(), "nope.yaml"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestNewLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log, err := newLogger(logConfig{Env: "production", Service: "jobengine", Format: "json", Level: "warn"}, &buf)
	require.NoError(t, err)

	log.Info("dropped")
	log.Warn("kept")
	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), `"msg":"kept"`)
	assert.Contains(t, buf.String(), `"service":"jobengine"`)

	_, err = newLogger(logConfig{Format: "xml"}, &buf)
	assert.Error(t, err)
}

type progressRecorder struct {
	mu    sync.Mutex
	steps []queue.Progress
}

func (r *progressRecorder) record(_ context.Context, p queue.Progress) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, p)
	return nil
}

func runBuiltin(t *testing.T, ctx context.Context, name string, payload string, rec *progressRecorder) (any, error) {
	t.Helper()
	mux := builtinHandlers(queue.DefaultDefinitions())
	ctx = queue.WithJob(ctx, &queue.Job{ID: "j1", Queue: "scheduled-tasks", Name: name})
	return mux.Handle(ctx, json.RawMessage(payload), rec.record)
}

func TestBuiltinHandlers(t *testing.T) {
	t.Parallel()

	t.Run("registers repeat job names", func(t *testing.T) {
		t.Parallel()
		names := builtinHandlers(queue.DefaultDefinitions()).Names()
		assert.ElementsMatch(t, []string{
			"echo", "simulate",
			"daily-report", "weekly-digest", "monthly-analytics", "health-check", "weekly-cleanup",
		}, names)
	})

	t.Run("echo", func(t *testing.T) {
		t.Parallel()
		res, err := runBuiltin(t, context.Background(), "echo", `{"hello":"world"}`, &progressRecorder{})
		require.NoError(t, err)
		assert.JSONEq(t, `{"hello":"world"}`, string(res.(json.RawMessage)))
	})

	t.Run("simulate reports progress", func(t *testing.T) {
		t.Parallel()
		rec := &progressRecorder{}
		res, err := runBuiltin(t, context.Background(), "daily-report", `{"steps":4,"step_ms":1}`, rec)
		require.NoError(t, err)
		assert.Equal(t, 4, res.(simulateResult).Steps)

		require.Len(t, rec.steps, 4)
		assert.InDelta(t, 25.0, rec.steps[0].Percentage, 0.001)
		assert.InDelta(t, 100.0, rec.steps[3].Percentage, 0.001)
		assert.Equal(t, 4, rec.steps[3].CurrentStep)
		assert.Equal(t, 4, rec.steps[3].TotalSteps)
	})

	t.Run("simulate failure", func(t *testing.T) {
		t.Parallel()
		_, err := runBuiltin(t, context.Background(), "simulate", `{"steps":1,"step_ms":1,"fail":"connection refused"}`, &progressRecorder{})
		require.EqualError(t, err, "connection refused")
		assert.False(t, queue.IsPermanent(err))

		_, err = runBuiltin(t, context.Background(), "simulate", `{"steps":1,"step_ms":1,"fail":"bad input","permanent":true}`, &progressRecorder{})
		require.Error(t, err)
		assert.True(t, queue.IsPermanent(err))
	})

	t.Run("simulate stops on cancel", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := runBuiltin(t, ctx, "simulate", `{"steps":50,"step_ms":100}`, &progressRecorder{})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("unknown name", func(t *testing.T) {
		t.Parallel()
		_, err := runBuiltin(t, context.Background(), "nope", `{}`, &progressRecorder{})
		assert.ErrorIs(t, err, queue.ErrHandlerNotFound)
	})
}
