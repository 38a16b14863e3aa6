package queue_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/jobengine/pkg/queue"
)

func TestDefaultDefinitions(t *testing.T) {
	t.Parallel()

	defs := queue.DefaultDefinitions()
	require.Len(t, defs.Queues, 7)
	require.Len(t, defs.Repeats, 5)

	configs := make(map[string]queue.QueueConfig)
	for _, cfg := range defs.QueueConfigs() {
		configs[cfg.Name] = cfg
	}

	paper := configs["paper-processing"]
	assert.Equal(t, 5, paper.Defaults.MaxAttempts)
	assert.Equal(t, queue.BackoffExponential, paper.Defaults.Backoff.Kind)
	assert.Equal(t, 2*time.Second, paper.Defaults.Backoff.BaseDelay)
	assert.Equal(t, queue.RetentionPolicy{MaxCount: 100, MaxAge: 24 * time.Hour}, paper.RemoveOnComplete)
	assert.Equal(t, queue.RetentionPolicy{MaxCount: 500, MaxAge: 168 * time.Hour}, paper.RemoveOnFail)

	assert.Equal(t, 1, configs["email-notifications"].Defaults.MaxAttempts)
	assert.Equal(t, 3, configs["experiment-data"].Defaults.MaxAttempts)

	assert.Equal(t, 3, defs.WorkerSettings("paper-processing").Concurrency)
	assert.Equal(t, 10, defs.WorkerSettings("email-notifications").Concurrency)
	assert.Equal(t, 5, defs.WorkerSettings("data-export").Concurrency)
	assert.Equal(t, queue.RateLimit{Limit: 10, Window: time.Second}, defs.WorkerSettings("data-export").RateLimit)

	repeats, err := defs.RepeatDefinitions()
	require.NoError(t, err)
	byKey := make(map[string]queue.RepeatDefinition)
	for _, r := range repeats {
		byKey[r.Key] = r
	}
	cleanup := byKey["weekly-cleanup"]
	assert.Equal(t, "database-cleanup", cleanup.Queue)
	assert.Equal(t, "0 2 * * 0", cleanup.Schedule)
	assert.Equal(t, "America/New_York", cleanup.Timezone)
	assert.JSONEq(t, `{"action":"clean_temp_data","older_than_days":7,"dry_run":false}`, string(cleanup.Template.Payload))

	assert.Empty(t, byKey["health-check"].Timezone)
	assert.JSONEq(t, `{"task_type":"system_health_check"}`, string(byKey["health-check"].Template.Payload))
}

func TestLoadDefinitions(t *testing.T) {
	t.Parallel()

	t.Run("overrides", func(t *testing.T) {
		t.Parallel()
		defs, err := queue.LoadDefinitions(strings.NewReader(`
defaults:
  job:
    max_attempts: 4
  worker:
    concurrency: 2
queues:
  - name: fast
    job:
      backoff:
        kind: fixed
        base_delay: 500ms
      timeout: 10s
    remove_on_complete:
      max_count: 5
    worker:
      rate_limit:
        limit: 3
        window: 2s
`))
		require.NoError(t, err)
		cfgs := defs.QueueConfigs()
		require.Len(t, cfgs, 1)
		cfg := cfgs[0]
		assert.Equal(t, 4, cfg.Defaults.MaxAttempts)
		assert.Equal(t, queue.Backoff{Kind: queue.BackoffFixed, BaseDelay: 500 * time.Millisecond}, cfg.Defaults.Backoff)
		assert.Equal(t, 10*time.Second, cfg.Defaults.Timeout)
		assert.Equal(t, queue.PriorityNormal, cfg.Defaults.Priority)
		assert.Equal(t, queue.RetentionPolicy{MaxCount: 5}, cfg.RemoveOnComplete)

		ws := defs.WorkerSettings("fast")
		assert.Equal(t, 2, ws.Concurrency)
		assert.Equal(t, queue.RateLimit{Limit: 3, Window: 2 * time.Second}, ws.RateLimit)
	})

	t.Run("empty document", func(t *testing.T) {
		t.Parallel()
		defs, err := queue.LoadDefinitions(strings.NewReader(""))
		require.NoError(t, err)
		assert.Empty(t, defs.Queues)
	})

	invalid := map[string]string{
		"unknown field":   "queues:\n  - name: a\n    colour: red\n",
		"duplicate queue": "queues:\n  - name: a\n  - name: a\n",
		"unnamed queue":   "queues:\n  - job:\n      max_attempts: 2\n",
		"bad backoff":     "queues:\n  - name: a\n    job:\n      backoff:\n        kind: linear\n",
		"unknown queue":   "queues:\n  - name: a\nrepeats:\n  - key: r\n    queue: b\n    schedule: '@daily'\n    job:\n      name: x\n",
		"bad schedule":    "queues:\n  - name: a\nrepeats:\n  - key: r\n    queue: a\n    schedule: 'every day'\n    job:\n      name: x\n",
		"bad timezone":    "queues:\n  - name: a\nrepeats:\n  - key: r\n    queue: a\n    schedule: '@daily'\n    timezone: Nowhere/City\n    job:\n      name: x\n",
		"no job name":     "queues:\n  - name: a\nrepeats:\n  - key: r\n    queue: a\n    schedule: '@daily'\n",
	}
	for name, doc := range invalid {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := queue.LoadDefinitions(strings.NewReader(doc))
			assert.ErrorIs(t, err, queue.ErrInvalidArgument)
		})
	}
}
