package queue_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/jobengine/pkg/queue"
)

func TestNextState(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		from      queue.JobState
		event     string
		made, max int
		retryable bool
		want      queue.JobState
	}{
		{"claim", queue.StateWaiting, queue.LifecycleClaim, 0, 3, false, queue.StateActive},
		{"promote", queue.StateDelayed, queue.LifecyclePromote, 1, 3, false, queue.StateWaiting},
		{"complete", queue.StateActive, queue.LifecycleComplete, 1, 3, false, queue.StateCompleted},
		{"fail with attempts left", queue.StateActive, queue.LifecycleFail, 1, 3, true, queue.StateDelayed},
		{"fail exhausted", queue.StateActive, queue.LifecycleFail, 3, 3, true, queue.StateFailed},
		{"fail permanent", queue.StateActive, queue.LifecycleFail, 1, 3, false, queue.StateFailed},
		{"stall with attempts left", queue.StateActive, queue.LifecycleStall, 1, 2, true, queue.StateDelayed},
		{"stall exhausted", queue.StateActive, queue.LifecycleStall, 2, 2, true, queue.StateFailed},
		{"retry", queue.StateFailed, queue.LifecycleRetry, 3, 3, false, queue.StateWaiting},
		{"cancel waiting", queue.StateWaiting, queue.LifecycleCancel, 0, 3, false, queue.StateRemoved},
		{"cancel delayed", queue.StateDelayed, queue.LifecycleCancel, 1, 3, false, queue.StateRemoved},
		{"parent failed", queue.StateWaiting, queue.LifecycleParentFailed, 0, 3, false, queue.StateFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := queue.NextState(tt.from, tt.event, tt.made, tt.max, tt.retryable)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNextState_Invalid(t *testing.T) {
	t.Parallel()

	invalid := []struct {
		from  queue.JobState
		event string
	}{
		{queue.StateCompleted, queue.LifecycleClaim},
		{queue.StateCompleted, queue.LifecycleRetry},
		{queue.StateActive, queue.LifecycleCancel},
		{queue.StateWaiting, queue.LifecycleComplete},
		{queue.StateFailed, queue.LifecycleFail},
		{queue.StateActive, queue.LifecycleParentFailed},
	}
	for _, tt := range invalid {
		_, err := queue.NextState(tt.from, tt.event, 0, 3, true)
		assert.ErrorIs(t, err, queue.ErrInvalidTransition, "%s on %s", tt.event, tt.from)
		assert.Equal(t, queue.KindInvalidTransition, queue.KindOf(err))
	}
}

func TestParseJobState(t *testing.T) {
	t.Parallel()

	st, err := queue.ParseJobState("delayed")
	require.NoError(t, err)
	assert.Equal(t, queue.StateDelayed, st)

	_, err = queue.ParseJobState("removed")
	assert.ErrorIs(t, err, queue.ErrInvalidArgument)
}
