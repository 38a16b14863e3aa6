package queue

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/dmitrymomot/jobengine/pkg/broadcast"
	"github.com/dmitrymomot/jobengine/pkg/logger"
)

// EventType names a lifecycle notification.
type EventType string

const (
	EventAdded        EventType = "added"
	EventActive       EventType = "active"
	EventProgress     EventType = "progress"
	EventCompleted    EventType = "completed"
	EventFailed       EventType = "failed"
	EventRetrying     EventType = "retrying"
	EventRemoved      EventType = "removed"
	EventStalled      EventType = "stalled"
	EventQueuePaused  EventType = "queue_paused"
	EventQueueResumed EventType = "queue_resumed"
)

// EventTypes lists every event type.
func EventTypes() []EventType {
	return []EventType{
		EventAdded, EventActive, EventProgress, EventCompleted, EventFailed,
		EventRetrying, EventRemoved, EventStalled, EventQueuePaused, EventQueueResumed,
	}
}

// Event is published on every job and queue state change.
type Event struct {
	Type      EventType `json:"type"`
	Queue     string    `json:"queue"`
	JobID     string    `json:"job_id,omitempty"`
	Job       *Job      `json:"job,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func newJobEvent(t EventType, job *Job) Event {
	return Event{
		Type:      t,
		Queue:     job.Queue,
		JobID:     job.ID,
		Job:       job.Clone(),
		Timestamp: time.Now(),
	}
}

// publishFailedChildren publishes a failed event for every descendant the
// store failed along with job.
func (bus *EventBus) publishFailedChildren(ctx context.Context, job *Job) {
	if job == nil {
		return
	}
	for _, child := range job.FailedChildren {
		bus.Publish(ctx, newJobEvent(EventFailed, child))
	}
}

func newQueueEvent(t EventType, queue string) Event {
	return Event{Type: t, Queue: queue, Timestamp: time.Now()}
}

// EventFilter selects events for a subscriber. Empty fields match all.
type EventFilter struct {
	Queues []string
	JobIDs []string
	Types  []EventType
}

// Match reports whether e passes the filter.
func (f EventFilter) Match(e Event) bool {
	if len(f.Queues) > 0 && !slices.Contains(f.Queues, e.Queue) {
		return false
	}
	if len(f.JobIDs) > 0 && !slices.Contains(f.JobIDs, e.JobID) {
		return false
	}
	if len(f.Types) > 0 && !slices.Contains(f.Types, e.Type) {
		return false
	}
	return true
}

// EventBus publishes events with the queue name as topic. Publishing never
// blocks; slow subscribers lose their oldest buffered events.
// A nil *EventBus discards everything.
type EventBus struct {
	b      broadcast.Broadcaster[Event]
	logger *slog.Logger
}

// EventBusOption configures an EventBus.
type EventBusOption func(*EventBus)

// WithEventBusLogger sets the logger used for publish failures.
func WithEventBusLogger(l *slog.Logger) EventBusOption {
	return func(bus *EventBus) {
		if l != nil {
			bus.logger = l
		}
	}
}

// NewEventBus wraps b. A nil broadcaster gets an in-process one.
func NewEventBus(b broadcast.Broadcaster[Event], opts ...EventBusOption) *EventBus {
	if b == nil {
		b = broadcast.NewMemoryBroadcaster[Event](256)
	}
	bus := &EventBus{b: b, logger: slog.Default()}
	for _, opt := range opts {
		opt(bus)
	}
	return bus
}

// Publish sends e to matching subscribers. Failures are logged, never returned.
func (bus *EventBus) Publish(ctx context.Context, e Event) {
	if bus == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if err := bus.b.Broadcast(ctx, broadcast.Message[Event]{Topic: e.Queue, Data: e}); err != nil {
		bus.logger.WarnContext(ctx, "event publish failed",
			logger.Component("event_bus"),
			logger.Event(string(e.Type)),
			logger.Queue(e.Queue),
			logger.JobID(e.JobID),
			logger.Error(err))
	}
}

// Subscribe returns a subscriber receiving events accepted by filter.
// Queues are matched by topic; job IDs and types are matched by the filter.
func (bus *EventBus) Subscribe(ctx context.Context, filter EventFilter, opts ...broadcast.SubscribeOption[Event]) broadcast.Subscriber[Event] {
	if bus == nil {
		closed := broadcast.NewMemoryBroadcaster[Event](1)
		_ = closed.Close()
		return closed.Subscribe(ctx)
	}
	if len(filter.Queues) > 0 {
		opts = append(opts, broadcast.WithTopics[Event](filter.Queues...))
	}
	if len(filter.JobIDs) > 0 || len(filter.Types) > 0 {
		opts = append(opts, broadcast.WithFilter(func(m broadcast.Message[Event]) bool {
			return filter.Match(m.Data)
		}))
	}
	return bus.b.Subscribe(ctx, opts...)
}

// Close shuts down the underlying broadcaster.
func (bus *EventBus) Close() error {
	if bus == nil {
		return nil
	}
	return bus.b.Close()
}
