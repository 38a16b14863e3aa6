package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EnqueueOption adjusts a job before it is stored.
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	id          string
	priority    Priority
	delay       time.Duration
	runAt       time.Time
	maxAttempts int
	backoff     *Backoff
	timeout     time.Duration
	parent      *JobRef
	repeatKey   string
}

// WithJobID sets a producer-chosen job ID instead of a random UUID.
func WithJobID(id string) EnqueueOption {
	return func(o *enqueueOptions) {
		if id != "" {
			o.id = id
		}
	}
}

// WithPriority overrides the queue's default priority.
func WithPriority(p Priority) EnqueueOption {
	return func(o *enqueueOptions) {
		if p >= PriorityCritical && p <= PriorityLow {
			o.priority = p
		}
	}
}

// WithDelay makes the job eligible only after d.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) {
		if d > 0 {
			o.delay = d
		}
	}
}

// WithRunAt makes the job eligible at t. It takes precedence over WithDelay.
func WithRunAt(t time.Time) EnqueueOption {
	return func(o *enqueueOptions) {
		if !t.IsZero() {
			o.runAt = t
		}
	}
}

// WithMaxAttempts overrides the queue's attempt budget.
func WithMaxAttempts(n int) EnqueueOption {
	return func(o *enqueueOptions) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// WithBackoff overrides the queue's retry backoff.
func WithBackoff(b Backoff) EnqueueOption {
	return func(o *enqueueOptions) {
		if b.Validate() == nil {
			o.backoff = &b
		}
	}
}

// WithTimeout overrides the handler deadline for this job.
func WithTimeout(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithParent gates the job on the completion of another job.
func WithParent(ref JobRef) EnqueueOption {
	return func(o *enqueueOptions) {
		if ref.Queue != "" && ref.ID != "" {
			o.parent = &ref
		}
	}
}

func withRepeatKey(key string) EnqueueOption {
	return func(o *enqueueOptions) {
		o.repeatKey = key
	}
}

// newJob builds a job for queue from its defaults and opts. Payloads that are
// already encoded are stored as is.
func newJob(cfg QueueConfig, name string, payload any, now time.Time, opts ...EnqueueOption) (*Job, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: job name is empty", ErrInvalidArgument)
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}

	o := enqueueOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	defaults := cfg.Defaults.withDefaults()
	job := &Job{
		ID:          o.id,
		Queue:       cfg.Name,
		Name:        name,
		Payload:     raw,
		Priority:    defaults.Priority,
		MaxAttempts: defaults.MaxAttempts,
		Backoff:     defaults.Backoff,
		Timeout:     defaults.Timeout,
		CreatedAt:   now,
		RunAfter:    now,
		Parent:      o.parent,
		RepeatKey:   o.repeatKey,
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if o.priority != 0 {
		job.Priority = o.priority
	}
	if o.maxAttempts > 0 {
		job.MaxAttempts = o.maxAttempts
	}
	if o.backoff != nil {
		job.Backoff = *o.backoff
	}
	if o.timeout > 0 {
		job.Timeout = o.timeout
	}
	switch {
	case !o.runAt.IsZero():
		job.RunAfter = o.runAt
	case o.delay > 0:
		job.RunAfter = now.Add(o.delay)
	}
	job.State = StateWaiting
	if job.RunAfter.After(now) {
		job.State = StateDelayed
	}
	return job, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidArgument)
		}
		return p, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: encode payload: %v", ErrInvalidArgument, err)
	}
	return raw, nil
}
