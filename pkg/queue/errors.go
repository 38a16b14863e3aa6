package queue

import (
	"errors"
	"fmt"

	"github.com/dmitrymomot/jobengine/pkg/ratelimiter"
	"github.com/dmitrymomot/jobengine/pkg/statemachine"
)

// Error classes. Every error returned by this package wraps one of them.
var (
	// ErrNotFound is the class of lookups for queues, jobs, or repeat definitions that do not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is the class of operations not allowed in the job's current state.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrHandlerFailed is the class of failures raised by job handlers.
	ErrHandlerFailed = errors.New("handler failed")

	// ErrTimeout is returned when a handler exceeds its deadline.
	ErrTimeout = errors.New("handler timeout exceeded")

	// ErrStoreUnavailable is the class of backing store connectivity failures.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrInvalidArgument is the class of malformed input such as empty names or bad cron expressions.
	ErrInvalidArgument = errors.New("invalid argument")
)

var (
	// ErrQueueNotFound is returned for operations on an unregistered queue.
	ErrQueueNotFound = fmt.Errorf("queue %w", ErrNotFound)

	// ErrJobNotFound is returned when the job does not exist in the queue.
	ErrJobNotFound = fmt.Errorf("job %w", ErrNotFound)

	// ErrRepeatNotFound is returned when no repeat definition has the key.
	ErrRepeatNotFound = fmt.Errorf("repeat definition %w", ErrNotFound)

	// ErrQueueExists is returned when registering a queue name twice.
	ErrQueueExists = fmt.Errorf("%w: queue already registered", ErrInvalidTransition)

	// ErrDuplicateJob is returned when a job ID is already used in the queue.
	ErrDuplicateJob = fmt.Errorf("%w: job already exists", ErrInvalidTransition)

	// ErrJobNotOwned is returned when a worker reports on a job it no longer holds.
	ErrJobNotOwned = fmt.Errorf("%w: job is not held by this worker", ErrInvalidTransition)

	// ErrParentFailed is returned when enqueueing a child of a failed parent.
	ErrParentFailed = fmt.Errorf("%w: parent job failed", ErrInvalidTransition)

	// ErrJobCancelled is returned by Fail when the job was cancelled while active and has been removed.
	ErrJobCancelled = errors.New("job cancelled")

	// ErrNoJobToClaim indicates no eligible job exists. Not an error condition for workers.
	ErrNoJobToClaim = errors.New("no job to claim")

	// ErrHandlerNotFound is returned when no handler is registered for the job name.
	ErrHandlerNotFound = fmt.Errorf("%w: no handler registered for job name", ErrHandlerFailed)

	// ErrHandlerPanic is returned when a handler panics.
	ErrHandlerPanic = fmt.Errorf("%w: handler panicked", ErrHandlerFailed)

	// ErrStoreNil is returned when a component is constructed without a store.
	ErrStoreNil = errors.New("store cannot be nil")

	// ErrHandlerNil is returned when a worker is constructed without a handler.
	ErrHandlerNil = errors.New("handler cannot be nil")

	// ErrWorkerRunning is returned by Start on a worker that is already running.
	ErrWorkerRunning = errors.New("worker already started")

	// ErrWorkerNotRunning is returned by Stop on a worker that was never started.
	ErrWorkerNotRunning = errors.New("worker not started")

	// ErrShutdownTimeout is returned when active jobs outlive the shutdown timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded while waiting for active jobs")
)

// Kind classifies errors for callers that report them outside Go, such as
// the admin API.
type Kind string

const (
	KindNotFound          Kind = "NotFound"
	KindInvalidTransition Kind = "InvalidTransition"
	KindHandlerError      Kind = "HandlerError"
	KindTimeout           Kind = "Timeout"
	KindStoreUnavailable  Kind = "StoreUnavailable"
	KindInvalidArgument   Kind = "InvalidArgument"
	KindInternal          Kind = "Internal"
)

// KindOf maps err onto the error taxonomy. Nil maps to the empty kind.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidTransition),
		statemachine.IsNoTransitionAvailableError(err),
		statemachine.IsTransitionRejectedError(err):
		return KindInvalidTransition
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrHandlerFailed):
		return KindHandlerError
	case errors.Is(err, ErrStoreUnavailable), errors.Is(err, ratelimiter.ErrStoreUnavailable):
		return KindStoreUnavailable
	case errors.Is(err, ErrInvalidArgument):
		return KindInvalidArgument
	default:
		return KindInternal
	}
}

// permanentError marks a handler error that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the worker fails the job without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
