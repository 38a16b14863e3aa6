package queue

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultDefinitions []byte

// Definitions declares queues, worker settings and repeat schedules.
type Definitions struct {
	Defaults DefinitionDefaults `yaml:"defaults" json:"defaults"`
	Queues   []QueueDefinition  `yaml:"queues" json:"queues"`
	Repeats  []RepeatSpec       `yaml:"repeats" json:"repeats"`
}

// DefinitionDefaults apply to every queue unless the queue overrides them.
type DefinitionDefaults struct {
	Job              JobOptions      `yaml:"job" json:"job"`
	RemoveOnComplete RetentionPolicy `yaml:"remove_on_complete" json:"remove_on_complete"`
	RemoveOnFail     RetentionPolicy `yaml:"remove_on_fail" json:"remove_on_fail"`
	Worker           WorkerSettings  `yaml:"worker" json:"worker"`
}

// WorkerSettings configures the worker attached to a queue.
type WorkerSettings struct {
	Concurrency int       `yaml:"concurrency" json:"concurrency"`
	RateLimit   RateLimit `yaml:"rate_limit" json:"rate_limit"`
}

// RateLimit bounds job starts per rolling window.
type RateLimit struct {
	Limit  int           `yaml:"limit" json:"limit"`
	Window time.Duration `yaml:"window" json:"window"`
}

// QueueDefinition declares one queue. Zero fields inherit the defaults.
type QueueDefinition struct {
	Name             string           `yaml:"name" json:"name"`
	Job              JobOptions       `yaml:"job" json:"job"`
	RemoveOnComplete *RetentionPolicy `yaml:"remove_on_complete" json:"remove_on_complete,omitempty"`
	RemoveOnFail     *RetentionPolicy `yaml:"remove_on_fail" json:"remove_on_fail,omitempty"`
	Worker           WorkerSettings   `yaml:"worker" json:"worker"`
}

// RepeatSpec declares a repeat definition.
type RepeatSpec struct {
	Key      string    `yaml:"key" json:"key"`
	Queue    string    `yaml:"queue" json:"queue"`
	Schedule string    `yaml:"schedule" json:"schedule"`
	Timezone string    `yaml:"timezone" json:"timezone,omitempty"`
	Job      RepeatJob `yaml:"job" json:"job"`
}

// RepeatJob is the template half of a RepeatSpec.
type RepeatJob struct {
	Name        string         `yaml:"name" json:"name"`
	Payload     map[string]any `yaml:"payload" json:"payload,omitempty"`
	Priority    Priority       `yaml:"priority" json:"priority,omitempty"`
	MaxAttempts int            `yaml:"max_attempts" json:"max_attempts,omitempty"`
	Timeout     time.Duration  `yaml:"timeout" json:"timeout,omitempty"`
}

// LoadDefinitions decodes and validates YAML definitions.
func LoadDefinitions(r io.Reader) (*Definitions, error) {
	var defs Definitions
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&defs); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: decode definitions: %v", ErrInvalidArgument, err)
	}
	if err := defs.Validate(); err != nil {
		return nil, err
	}
	return &defs, nil
}

// DefaultDefinitions returns the built-in queues and schedules.
func DefaultDefinitions() *Definitions {
	defs, err := LoadDefinitions(bytes.NewReader(defaultDefinitions))
	if err != nil {
		panic(fmt.Sprintf("queue: embedded definitions are invalid: %v", err))
	}
	return defs
}

// Validate checks names, backoffs and schedules.
func (d *Definitions) Validate() error {
	var errs []error
	seen := make(map[string]bool, len(d.Queues))
	for i, q := range d.Queues {
		if q.Name == "" {
			errs = append(errs, fmt.Errorf("queue #%d has no name", i))
			continue
		}
		if seen[q.Name] {
			errs = append(errs, fmt.Errorf("queue %s declared twice", q.Name))
		}
		seen[q.Name] = true
		if q.Job.Backoff.Kind != "" {
			if err := q.Job.Backoff.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("queue %s: %w", q.Name, err))
			}
		}
	}
	if d.Defaults.Job.Backoff.Kind != "" {
		if err := d.Defaults.Job.Backoff.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("defaults: %w", err))
		}
	}

	keys := make(map[string]bool, len(d.Repeats))
	for i, r := range d.Repeats {
		switch {
		case r.Key == "":
			errs = append(errs, fmt.Errorf("repeat #%d has no key", i))
		case keys[r.Key]:
			errs = append(errs, fmt.Errorf("repeat %s declared twice", r.Key))
		case !seen[r.Queue]:
			errs = append(errs, fmt.Errorf("repeat %s targets unknown queue %q", r.Key, r.Queue))
		case r.Job.Name == "":
			errs = append(errs, fmt.Errorf("repeat %s has no job name", r.Key))
		}
		keys[r.Key] = true
		if _, _, err := ParseSchedule(r.Schedule, r.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("repeat %s: %w", r.Key, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, errors.Join(errs...))
	}
	return nil
}

// QueueConfigs resolves every queue against the defaults.
func (d *Definitions) QueueConfigs() []QueueConfig {
	out := make([]QueueConfig, 0, len(d.Queues))
	for _, q := range d.Queues {
		cfg := QueueConfig{
			Name:             q.Name,
			Defaults:         mergeJobOptions(d.Defaults.Job, q.Job),
			RemoveOnComplete: d.Defaults.RemoveOnComplete,
			RemoveOnFail:     d.Defaults.RemoveOnFail,
		}
		if q.RemoveOnComplete != nil {
			cfg.RemoveOnComplete = *q.RemoveOnComplete
		}
		if q.RemoveOnFail != nil {
			cfg.RemoveOnFail = *q.RemoveOnFail
		}
		out = append(out, cfg)
	}
	return out
}

// WorkerSettings resolves the worker settings of queue against the defaults.
func (d *Definitions) WorkerSettings(queue string) WorkerSettings {
	ws := d.Defaults.Worker
	for _, q := range d.Queues {
		if q.Name != queue {
			continue
		}
		if q.Worker.Concurrency > 0 {
			ws.Concurrency = q.Worker.Concurrency
		}
		if q.Worker.RateLimit.Limit > 0 {
			ws.RateLimit = q.Worker.RateLimit
		}
	}
	return ws
}

// RepeatDefinitions converts the repeat specs for Scheduler.Register.
func (d *Definitions) RepeatDefinitions() ([]RepeatDefinition, error) {
	out := make([]RepeatDefinition, 0, len(d.Repeats))
	for _, r := range d.Repeats {
		var payload json.RawMessage
		if r.Job.Payload != nil {
			raw, err := json.Marshal(r.Job.Payload)
			if err != nil {
				return nil, fmt.Errorf("%w: repeat %s payload: %v", ErrInvalidArgument, r.Key, err)
			}
			payload = raw
		}
		out = append(out, RepeatDefinition{
			Key:      r.Key,
			Queue:    r.Queue,
			Schedule: r.Schedule,
			Timezone: r.Timezone,
			Template: JobTemplate{
				Name:        r.Job.Name,
				Payload:     payload,
				Priority:    r.Job.Priority,
				MaxAttempts: r.Job.MaxAttempts,
				Timeout:     r.Job.Timeout,
			},
		})
	}
	return out, nil
}

func mergeJobOptions(base, override JobOptions) JobOptions {
	if override.MaxAttempts > 0 {
		base.MaxAttempts = override.MaxAttempts
	}
	if override.Backoff.Kind != "" {
		base.Backoff = override.Backoff
	}
	if override.Timeout > 0 {
		base.Timeout = override.Timeout
	}
	if override.Priority != 0 {
		base.Priority = override.Priority
	}
	return base.withDefaults()
}
