package queue

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"
)

// JobState is the lifecycle state of a job.
type JobState string

const (
	StateWaiting   JobState = "waiting"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateDelayed   JobState = "delayed"

	// StateRemoved is carried by snapshots of jobs that no longer exist in the store.
	StateRemoved JobState = "removed"
)

// Name implements statemachine.State.
func (s JobState) Name() string {
	return string(s)
}

// Terminal reports whether no further transitions happen without a retry.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Pending reports whether a job in this state still counts as an outstanding
// instance of its repeat definition.
func (s JobState) Pending() bool {
	return s == StateWaiting || s == StateDelayed || s == StateActive
}

// JobStates lists the persisted states in display order.
func JobStates() []JobState {
	return []JobState{StateWaiting, StateActive, StateDelayed, StateCompleted, StateFailed}
}

// ParseJobState validates a state name.
func ParseJobState(s string) (JobState, error) {
	st := JobState(s)
	if slices.Contains(JobStates(), st) {
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown job state %q", ErrInvalidArgument, s)
}

// Priority orders claims within a queue. Lower values are claimed first.
type Priority int

const (
	PriorityCritical Priority = 1
	PriorityHigh     Priority = 2
	PriorityNormal   Priority = 3
	PriorityLow      Priority = 4

	PriorityDefault = PriorityNormal
)

// JobRef identifies a job across queues.
type JobRef struct {
	Queue string `json:"queue" yaml:"queue"`
	ID    string `json:"id" yaml:"id"`
}

func (r JobRef) String() string {
	return r.Queue + "/" + r.ID
}

// Progress is reported by handlers while a job is active.
type Progress struct {
	Percentage  float64        `json:"percentage"`
	Message     string         `json:"message,omitempty"`
	CurrentStep int            `json:"current_step,omitempty"`
	TotalSteps  int            `json:"total_steps,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func (p Progress) normalized() Progress {
	p.Percentage = min(max(p.Percentage, 0), 100)
	p.Metadata = maps.Clone(p.Metadata)
	return p
}

// Job is a unit of work tracked by the engine.
type Job struct {
	ID              string          `json:"id"`
	Queue           string          `json:"queue"`
	Name            string          `json:"name"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Priority        Priority        `json:"priority"`
	State           JobState        `json:"state"`
	AttemptsMade    int             `json:"attempts_made"`
	MaxAttempts     int             `json:"max_attempts"`
	Backoff         Backoff         `json:"backoff"`
	Timeout         time.Duration   `json:"timeout,omitempty"`
	RunAfter        time.Time       `json:"run_after"`
	CreatedAt       time.Time       `json:"created_at"`
	ProcessedAt     *time.Time      `json:"processed_at,omitempty"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
	Progress        *Progress       `json:"progress,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	FailureReason   string          `json:"failure_reason,omitempty"`
	Parent          *JobRef         `json:"parent,omitempty"`
	RepeatKey       string          `json:"repeat_key,omitempty"`
	WorkerID        string          `json:"worker_id,omitempty"`
	HeartbeatAt     *time.Time      `json:"heartbeat_at,omitempty"`
	CancelRequested bool            `json:"cancel_requested,omitempty"`

	// FailedChildren lists the pending descendants moved to failed by the
	// store call that returned this snapshot. Stores never persist it.
	FailedChildren []*Job `json:"-"`
}

// Ref returns the job's cross-queue reference.
func (j *Job) Ref() JobRef {
	return JobRef{Queue: j.Queue, ID: j.ID}
}

// JobIDs returns the IDs of jobs in order.
func JobIDs(jobs []*Job) []string {
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	return ids
}

// Duration returns the processing time of a finished job, or zero.
func (j *Job) Duration() time.Duration {
	if j.ProcessedAt == nil || j.FinishedAt == nil {
		return 0
	}
	return j.FinishedAt.Sub(*j.ProcessedAt)
}

// Clone returns a deep copy so stored jobs never alias caller memory.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.FailedChildren = nil
	c.Payload = slices.Clone(j.Payload)
	c.Result = slices.Clone(j.Result)
	c.ProcessedAt = cloneTime(j.ProcessedAt)
	c.FinishedAt = cloneTime(j.FinishedAt)
	c.HeartbeatAt = cloneTime(j.HeartbeatAt)
	if j.Parent != nil {
		p := *j.Parent
		c.Parent = &p
	}
	if j.Progress != nil {
		p := j.Progress.normalized()
		c.Progress = &p
	}
	return &c
}

// effectiveState folds delayed jobs whose time has come into waiting.
func (j *Job) effectiveState(now time.Time) JobState {
	if j.State == StateDelayed && !j.RunAfter.After(now) {
		return StateWaiting
	}
	return j.State
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Counts summarises jobs in a queue by state. Paused holds the waiting jobs of
// a paused queue, which are then not reported as waiting.
type Counts struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
	Paused    int `json:"paused"`
}

// Total returns the number of jobs across all states.
func (c Counts) Total() int {
	return c.Waiting + c.Active + c.Completed + c.Failed + c.Delayed + c.Paused
}

// Add returns the element-wise sum of two counts.
func (c Counts) Add(o Counts) Counts {
	return Counts{
		Waiting:   c.Waiting + o.Waiting,
		Active:    c.Active + o.Active,
		Completed: c.Completed + o.Completed,
		Failed:    c.Failed + o.Failed,
		Delayed:   c.Delayed + o.Delayed,
		Paused:    c.Paused + o.Paused,
	}
}

// RetentionPolicy bounds how many terminal jobs are kept. A job is pruned only
// when it is both outside the newest MaxCount jobs and older than MaxAge.
// A zero field disables that criterion; a zero policy keeps everything.
type RetentionPolicy struct {
	MaxCount int           `json:"max_count" yaml:"max_count"`
	MaxAge   time.Duration `json:"max_age" yaml:"max_age"`
}

// Enabled reports whether the policy prunes anything.
func (p RetentionPolicy) Enabled() bool {
	return p.MaxCount > 0 || p.MaxAge > 0
}

// JobOptions are per-queue defaults applied to every new job.
type JobOptions struct {
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`
	Backoff     Backoff       `json:"backoff" yaml:"backoff"`
	Timeout     time.Duration `json:"timeout,omitempty" yaml:"timeout"`
	Priority    Priority      `json:"priority,omitempty" yaml:"priority"`
}

// DefaultJobOptions returns three attempts with 2s exponential backoff.
func DefaultJobOptions() JobOptions {
	return JobOptions{
		MaxAttempts: 3,
		Backoff:     Backoff{Kind: BackoffExponential, BaseDelay: 2 * time.Second},
		Priority:    PriorityDefault,
	}
}

func (o JobOptions) withDefaults() JobOptions {
	d := DefaultJobOptions()
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.Backoff.Kind == "" {
		o.Backoff = d.Backoff
	}
	if o.Priority == 0 {
		o.Priority = d.Priority
	}
	return o
}

// QueueConfig declares a queue and its defaults.
type QueueConfig struct {
	Name             string          `json:"name" yaml:"name"`
	Defaults         JobOptions      `json:"defaults" yaml:"defaults"`
	RemoveOnComplete RetentionPolicy `json:"remove_on_complete" yaml:"remove_on_complete"`
	RemoveOnFail     RetentionPolicy `json:"remove_on_fail" yaml:"remove_on_fail"`
}

// Queue is the persisted queue record.
type Queue struct {
	Name      string    `json:"name"`
	Paused    bool      `json:"paused"`
	CreatedAt time.Time `json:"created_at"`
}

// JobTemplate describes the jobs a repeat definition materializes.
// Zero fields fall back to the target queue's defaults.
type JobTemplate struct {
	Name        string          `json:"name" yaml:"name"`
	Payload     json.RawMessage `json:"payload,omitempty" yaml:"-"`
	Priority    Priority        `json:"priority,omitempty" yaml:"priority"`
	MaxAttempts int             `json:"max_attempts,omitempty" yaml:"max_attempts"`
	Timeout     time.Duration   `json:"timeout,omitempty" yaml:"timeout"`
}

// RepeatDefinition periodically materializes jobs from a template.
type RepeatDefinition struct {
	Key       string      `json:"key"`
	Queue     string      `json:"queue"`
	Template  JobTemplate `json:"template"`
	Schedule  string      `json:"schedule"`
	Timezone  string      `json:"timezone,omitempty"`
	NextRunAt time.Time   `json:"next_run_at"`
	CreatedAt time.Time   `json:"created_at"`
}

// ListFilter narrows ListJobs results. Zero fields match everything.
type ListFilter struct {
	States        []JobState
	FinishedAfter time.Time
	Limit         int
}

func (f ListFilter) matches(j *Job, now time.Time) bool {
	if len(f.States) > 0 && !slices.Contains(f.States, j.effectiveState(now)) {
		return false
	}
	if !f.FinishedAfter.IsZero() && (j.FinishedAt == nil || !j.FinishedAt.After(f.FinishedAfter)) {
		return false
	}
	return true
}

// sortTime is the most recent lifecycle timestamp, used to order listings.
func (j *Job) sortTime() time.Time {
	switch {
	case j.FinishedAt != nil:
		return *j.FinishedAt
	case j.ProcessedAt != nil:
		return *j.ProcessedAt
	default:
		return j.CreatedAt
	}
}
