package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Store persists queues, jobs and repeat definitions. Implementations must
// make every method atomic with respect to concurrent callers, in particular
// ClaimNext and EnqueueRepeat, and must apply lifecycle rules through
// NextState.
//
// A call that fails the pending descendants of a job reports them in the
// FailedChildren of the snapshot it returns.
type Store interface {
	// CreateQueue registers a queue, returning the existing record when the
	// name is already known so a restarted engine keeps its paused flag.
	CreateQueue(ctx context.Context, name string) (*Queue, error)
	GetQueue(ctx context.Context, name string) (*Queue, error)
	ListQueues(ctx context.Context) ([]*Queue, error)
	// SetPaused reports whether the flag actually changed.
	SetPaused(ctx context.Context, queue string, paused bool) (bool, error)

	// Enqueue inserts a job in waiting, or delayed when RunAfter is in the future.
	Enqueue(ctx context.Context, job *Job) error
	// EnqueueRepeat inserts job unless a pending job with the same RepeatKey exists.
	EnqueueRepeat(ctx context.Context, job *Job) (bool, error)

	// ClaimNext moves the best eligible job to active for workerID and
	// counts the attempt. It returns ErrNoJobToClaim when nothing is eligible.
	ClaimNext(ctx context.Context, queue, workerID string) (*Job, error)
	// Heartbeat refreshes the lease and reports whether cancel was requested.
	Heartbeat(ctx context.Context, queue, jobID, workerID string) (bool, error)
	UpdateProgress(ctx context.Context, queue, jobID string, progress Progress) (*Job, error)
	Complete(ctx context.Context, queue, jobID, workerID string, result json.RawMessage) (*Job, error)
	// Fail records a failed attempt. Jobs with attempts left move to delayed
	// with NextDelay backoff unless retryable is false. A job with a pending
	// cancel request is removed instead and ErrJobCancelled is returned with
	// its last snapshot.
	Fail(ctx context.Context, queue, jobID, workerID, reason string, retryable bool) (*Job, error)
	// RequeueStalled applies failure rules to active jobs whose last
	// heartbeat is older than heartbeatBefore.
	RequeueStalled(ctx context.Context, queue string, heartbeatBefore time.Time) ([]*Job, error)

	// Cancel removes waiting or delayed jobs and flags active ones.
	Cancel(ctx context.Context, queue, jobID string) (*Job, bool, error)
	// Retry moves a failed job back to waiting. It returns
	// ErrInvalidTransition when the job's repeat already has a pending job.
	Retry(ctx context.Context, queue, jobID string) (*Job, error)
	Remove(ctx context.Context, queue, jobID string) (*Job, error)
	// Drain removes every job that is not active and returns their removed
	// snapshots.
	Drain(ctx context.Context, queue string) ([]*Job, error)
	// Prune removes terminal jobs in state that are older than olderThan and
	// outside the newest keepLatest. A zero value disables either criterion.
	Prune(ctx context.Context, queue string, state JobState, olderThan time.Duration, keepLatest int) ([]string, error)

	Counts(ctx context.Context, queue string) (Counts, error)
	GetJob(ctx context.Context, queue, jobID string) (*Job, error)
	// ListJobs returns matching jobs, most recently touched first.
	ListJobs(ctx context.Context, queue string, filter ListFilter) ([]*Job, error)

	// SaveRepeat inserts or replaces a repeat definition.
	SaveRepeat(ctx context.Context, def *RepeatDefinition) error
	GetRepeat(ctx context.Context, key string) (*RepeatDefinition, error)
	ListRepeats(ctx context.Context) ([]*RepeatDefinition, error)
	AdvanceRepeat(ctx context.Context, key string, next time.Time) error
	// RemoveRepeat deletes the definition and its non-active pending jobs.
	RemoveRepeat(ctx context.Context, key string) ([]*Job, error)

	Close() error
}
