package queue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/dmitrymomot/jobengine/pkg/logger"
)

func (e *Engine) requireQueue(queue string) (QueueConfig, error) {
	cfg, ok := e.QueueConfig(queue)
	if !ok {
		return QueueConfig{}, fmt.Errorf("%w: %s", ErrQueueNotFound, queue)
	}
	return cfg, nil
}

// CreateJob enqueues a job named name on queue. Payload is JSON encoded
// unless it is already a json.RawMessage.
func (e *Engine) CreateJob(ctx context.Context, queue, name string, payload any, opts ...EnqueueOption) (*Job, error) {
	cfg, err := e.requireQueue(queue)
	if err != nil {
		return nil, err
	}
	job, err := newJob(cfg, name, payload, e.now(), opts...)
	if err != nil {
		return nil, err
	}
	if err := e.store.Enqueue(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueue %s on %s: %w", name, queue, err)
	}

	e.bus.Publish(ctx, newJobEvent(EventAdded, job))
	e.notify(queue)
	e.logger.DebugContext(ctx, "job created",
		logger.Queue(queue),
		logger.JobID(job.ID),
		logger.JobName(name),
		logger.State(job.State.Name()))
	return job, nil
}

// JobSpec describes one job of a batch or chain.
type JobSpec struct {
	Queue   string
	Name    string
	Payload any
	Options []EnqueueOption
}

// BulkOption configures EnqueueBulk.
type BulkOption func(*bulkOptions)

type bulkOptions struct {
	rate int
}

// WithStagger spreads a batch so that at most rate jobs become eligible per
// second: item i is delayed by floor(i/rate) seconds.
func WithStagger(rate int) BulkOption {
	return func(o *bulkOptions) {
		if rate > 0 {
			o.rate = rate
		}
	}
}

// StaggerDelay returns the delay of item i in a batch staggered at rate per second.
func StaggerDelay(i, rate int) time.Duration {
	if rate <= 0 || i <= 0 {
		return 0
	}
	return time.Duration(i/rate) * time.Second
}

// EnqueueBulk creates every job in order. It stops at the first error and
// returns the jobs created so far.
func (e *Engine) EnqueueBulk(ctx context.Context, items []JobSpec, opts ...BulkOption) ([]*Job, error) {
	o := bulkOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	jobs := make([]*Job, 0, len(items))
	for i, item := range items {
		jobOpts := item.Options
		if d := StaggerDelay(i, o.rate); d > 0 {
			jobOpts = append([]EnqueueOption{WithDelay(d)}, jobOpts...)
		}
		job, err := e.CreateJob(ctx, item.Queue, item.Name, item.Payload, jobOpts...)
		if err != nil {
			return jobs, fmt.Errorf("bulk item %d: %w", i, err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// EnqueueChain creates the steps so each one runs only after the previous
// step completed. A terminal failure of a step fails the rest of the chain.
func (e *Engine) EnqueueChain(ctx context.Context, steps ...JobSpec) ([]*Job, error) {
	jobs := make([]*Job, 0, len(steps))
	var parent *JobRef
	for i, step := range steps {
		opts := slices.Clip(step.Options)
		if parent != nil {
			opts = append(opts, WithParent(*parent))
		}
		job, err := e.CreateJob(ctx, step.Queue, step.Name, step.Payload, opts...)
		if err != nil {
			return jobs, fmt.Errorf("chain step %d: %w", i, err)
		}
		jobs = append(jobs, job)
		ref := job.Ref()
		parent = &ref
	}
	return jobs, nil
}

// PauseQueue stops claims on queue. The event fires only when the flag changes.
func (e *Engine) PauseQueue(ctx context.Context, queue string) error {
	if _, err := e.requireQueue(queue); err != nil {
		return err
	}
	changed, err := e.store.SetPaused(ctx, queue, true)
	if err != nil {
		return fmt.Errorf("pause %s: %w", queue, err)
	}
	if changed {
		e.bus.Publish(ctx, newQueueEvent(EventQueuePaused, queue))
		e.logger.InfoContext(ctx, "queue paused", logger.Queue(queue))
	}
	return nil
}

// ResumeQueue allows claims on queue again.
func (e *Engine) ResumeQueue(ctx context.Context, queue string) error {
	if _, err := e.requireQueue(queue); err != nil {
		return err
	}
	changed, err := e.store.SetPaused(ctx, queue, false)
	if err != nil {
		return fmt.Errorf("resume %s: %w", queue, err)
	}
	if changed {
		e.bus.Publish(ctx, newQueueEvent(EventQueueResumed, queue))
		e.notify(queue)
		e.logger.InfoContext(ctx, "queue resumed", logger.Queue(queue))
	}
	return nil
}

// PauseAll pauses every registered queue.
func (e *Engine) PauseAll(ctx context.Context) error {
	var errs []error
	for _, q := range e.QueueNames() {
		errs = append(errs, e.PauseQueue(ctx, q))
	}
	return errors.Join(errs...)
}

// ResumeAll resumes every registered queue.
func (e *Engine) ResumeAll(ctx context.Context) error {
	var errs []error
	for _, q := range e.QueueNames() {
		errs = append(errs, e.ResumeQueue(ctx, q))
	}
	return errors.Join(errs...)
}

// DrainQueue removes every job of queue that is not active.
func (e *Engine) DrainQueue(ctx context.Context, queue string) ([]string, error) {
	if _, err := e.requireQueue(queue); err != nil {
		return nil, err
	}
	removed, err := e.store.Drain(ctx, queue)
	if err != nil {
		return nil, fmt.Errorf("drain %s: %w", queue, err)
	}
	e.publishRemovedJobs(ctx, removed)
	e.logger.InfoContext(ctx, "queue drained", logger.Queue(queue), logger.Count(len(removed)))
	return JobIDs(removed), nil
}

func (e *Engine) publishRemoved(ctx context.Context, queue string, ids []string) {
	for _, id := range ids {
		e.bus.Publish(ctx, Event{Type: EventRemoved, Queue: queue, JobID: id})
	}
}

func (e *Engine) publishRemovedJobs(ctx context.Context, jobs []*Job) {
	for _, job := range jobs {
		e.bus.Publish(ctx, newJobEvent(EventRemoved, job))
		e.bus.publishFailedChildren(ctx, job)
	}
}

// RetryJob moves a failed job back to waiting with one more attempt.
func (e *Engine) RetryJob(ctx context.Context, queue, jobID string) (*Job, error) {
	if _, err := e.requireQueue(queue); err != nil {
		return nil, err
	}
	job, err := e.store.Retry(ctx, queue, jobID)
	if err != nil {
		return nil, fmt.Errorf("retry %s/%s: %w", queue, jobID, err)
	}
	e.bus.Publish(ctx, newJobEvent(EventAdded, job))
	e.notify(queue)
	return job, nil
}

// CancelJob removes a waiting or delayed job, or requests cancellation of an
// active one. The returned flag reports whether the job was removed now.
func (e *Engine) CancelJob(ctx context.Context, queue, jobID string) (*Job, bool, error) {
	if _, err := e.requireQueue(queue); err != nil {
		return nil, false, err
	}
	job, removed, err := e.store.Cancel(ctx, queue, jobID)
	if err != nil {
		return nil, false, fmt.Errorf("cancel %s/%s: %w", queue, jobID, err)
	}
	if removed {
		e.bus.Publish(ctx, newJobEvent(EventRemoved, job))
		e.bus.publishFailedChildren(ctx, job)
		return job, true, nil
	}
	for _, w := range e.Workers(queue) {
		if w.CancelActive(jobID) {
			break
		}
	}
	return job, false, nil
}

// RemoveJob deletes a job that is not active.
func (e *Engine) RemoveJob(ctx context.Context, queue, jobID string) error {
	if _, err := e.requireQueue(queue); err != nil {
		return err
	}
	job, err := e.store.Remove(ctx, queue, jobID)
	if err != nil {
		return fmt.Errorf("remove %s/%s: %w", queue, jobID, err)
	}
	e.bus.Publish(ctx, newJobEvent(EventRemoved, job))
	e.bus.publishFailedChildren(ctx, job)
	return nil
}

// CleanCompleted removes completed jobs finished more than olderThan ago.
func (e *Engine) CleanCompleted(ctx context.Context, queue string, olderThan time.Duration) ([]string, error) {
	return e.Clean(ctx, queue, StateCompleted, olderThan)
}

// CleanFailed removes failed jobs finished more than olderThan ago.
func (e *Engine) CleanFailed(ctx context.Context, queue string, olderThan time.Duration) ([]string, error) {
	return e.Clean(ctx, queue, StateFailed, olderThan)
}

// Clean removes terminal jobs in state finished more than olderThan ago.
// A zero olderThan removes all of them.
func (e *Engine) Clean(ctx context.Context, queue string, state JobState, olderThan time.Duration) ([]string, error) {
	if _, err := e.requireQueue(queue); err != nil {
		return nil, err
	}
	ids, err := e.store.Prune(ctx, queue, state, olderThan, 0)
	if err != nil {
		return nil, fmt.Errorf("clean %s jobs on %s: %w", state, queue, err)
	}
	e.publishRemoved(ctx, queue, ids)
	return ids, nil
}

// GetJob returns a job snapshot.
func (e *Engine) GetJob(ctx context.Context, queue, jobID string) (*Job, error) {
	if _, err := e.requireQueue(queue); err != nil {
		return nil, err
	}
	return e.store.GetJob(ctx, queue, jobID)
}

// ListJobs returns jobs of queue matching filter, most recent first.
func (e *Engine) ListJobs(ctx context.Context, queue string, filter ListFilter) ([]*Job, error) {
	if _, err := e.requireQueue(queue); err != nil {
		return nil, err
	}
	return e.store.ListJobs(ctx, queue, filter)
}

// QueueStats summarises one queue.
type QueueStats struct {
	Name        string `json:"name"`
	Paused      bool   `json:"paused"`
	Counts      Counts `json:"counts"`
	Workers     int    `json:"workers"`
	Concurrency int    `json:"concurrency"`
}

// QueueStats returns counts and worker capacity of queue.
func (e *Engine) QueueStats(ctx context.Context, queue string) (QueueStats, error) {
	if _, err := e.requireQueue(queue); err != nil {
		return QueueStats{}, err
	}
	q, err := e.store.GetQueue(ctx, queue)
	if err != nil {
		return QueueStats{}, err
	}
	counts, err := e.store.Counts(ctx, queue)
	if err != nil {
		return QueueStats{}, err
	}
	return QueueStats{
		Name:        queue,
		Paused:      q.Paused,
		Counts:      counts,
		Workers:     len(e.Workers(queue)),
		Concurrency: e.Concurrency(queue),
	}, nil
}

// AllQueueStats returns QueueStats for every registered queue.
func (e *Engine) AllQueueStats(ctx context.Context) ([]QueueStats, error) {
	names := e.QueueNames()
	out := make([]QueueStats, 0, len(names))
	for _, name := range names {
		s, err := e.QueueStats(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// AddRepeat registers a repeat definition.
func (e *Engine) AddRepeat(ctx context.Context, def RepeatDefinition) (*RepeatDefinition, error) {
	return e.scheduler.Register(ctx, def)
}

// RemoveRepeat deletes a repeat definition and its pending jobs.
func (e *Engine) RemoveRepeat(ctx context.Context, key string) ([]string, error) {
	removed, err := e.scheduler.Remove(ctx, key)
	if err != nil {
		return nil, err
	}
	e.publishRemovedJobs(ctx, removed)
	return JobIDs(removed), nil
}

// Repeats lists repeat definitions.
func (e *Engine) Repeats(ctx context.Context) ([]*RepeatDefinition, error) {
	return e.scheduler.List(ctx)
}
