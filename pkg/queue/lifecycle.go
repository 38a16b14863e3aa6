package queue

import (
	"context"
	"fmt"

	"github.com/dmitrymomot/jobengine/pkg/statemachine"
)

// jobEvent names a lifecycle trigger.
type jobEvent string

func (e jobEvent) Name() string { return string(e) }

const (
	eventClaim        jobEvent = "claim"
	eventPromote      jobEvent = "promote"
	eventComplete     jobEvent = "complete"
	eventFail         jobEvent = "fail"
	eventStall        jobEvent = "stall"
	eventRetry        jobEvent = "retry"
	eventCancel       jobEvent = "cancel"
	eventParentFailed jobEvent = "parent_failed"
)

// failure is the guard input for fail and stall events.
type failure struct {
	attemptsMade int
	maxAttempts  int
	retryable    bool
}

func canRetry(_ context.Context, _ JobState, _ jobEvent, data any) bool {
	f, ok := data.(failure)
	return ok && f.retryable && f.attemptsMade < f.maxAttempts
}

// lifecycle is shared by every store implementation.
var lifecycle = statemachine.New(
	statemachine.Transition[JobState, jobEvent]{From: StateWaiting, Event: eventClaim, To: StateActive},
	statemachine.Transition[JobState, jobEvent]{From: StateDelayed, Event: eventPromote, To: StateWaiting},
	statemachine.Transition[JobState, jobEvent]{From: StateActive, Event: eventComplete, To: StateCompleted},
	statemachine.Transition[JobState, jobEvent]{
		From: StateActive, Event: eventFail, To: StateDelayed,
		Guards: []statemachine.Guard[JobState, jobEvent]{canRetry},
	},
	statemachine.Transition[JobState, jobEvent]{From: StateActive, Event: eventFail, To: StateFailed},
	statemachine.Transition[JobState, jobEvent]{
		From: StateActive, Event: eventStall, To: StateDelayed,
		Guards: []statemachine.Guard[JobState, jobEvent]{canRetry},
	},
	statemachine.Transition[JobState, jobEvent]{From: StateActive, Event: eventStall, To: StateFailed},
	statemachine.Transition[JobState, jobEvent]{From: StateFailed, Event: eventRetry, To: StateWaiting},
	statemachine.Transition[JobState, jobEvent]{From: StateWaiting, Event: eventCancel, To: StateRemoved},
	statemachine.Transition[JobState, jobEvent]{From: StateDelayed, Event: eventCancel, To: StateRemoved},
	statemachine.Transition[JobState, jobEvent]{From: StateWaiting, Event: eventParentFailed, To: StateFailed},
	statemachine.Transition[JobState, jobEvent]{From: StateDelayed, Event: eventParentFailed, To: StateFailed},
)

// NextState resolves a lifecycle transition. Store implementations outside
// this package use it so every backend follows the same table.
func NextState(from JobState, event string, attemptsMade, maxAttempts int, retryable bool) (JobState, error) {
	return nextState(from, jobEvent(event), failure{attemptsMade: attemptsMade, maxAttempts: maxAttempts, retryable: retryable})
}

func nextState(from JobState, event jobEvent, data any) (JobState, error) {
	to, err := lifecycle.Fire(context.Background(), from, event, data)
	if err != nil {
		return "", fmt.Errorf("%w: %s from %s: %v", ErrInvalidTransition, event, from, err)
	}
	return to, nil
}

// Lifecycle event names accepted by NextState.
const (
	LifecycleClaim        = string(eventClaim)
	LifecyclePromote      = string(eventPromote)
	LifecycleComplete     = string(eventComplete)
	LifecycleFail         = string(eventFail)
	LifecycleStall        = string(eventStall)
	LifecycleRetry        = string(eventRetry)
	LifecycleCancel       = string(eventCancel)
	LifecycleParentFailed = string(eventParentFailed)
)

// transition moves j along the lifecycle, leaving it untouched on error.
func (j *Job) transition(event jobEvent, data any) error {
	to, err := nextState(j.State, event, data)
	if err != nil {
		return err
	}
	j.State = to
	return nil
}
