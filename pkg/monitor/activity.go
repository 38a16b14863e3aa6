package monitor

import (
	"context"
	"slices"
	"time"

	"github.com/dmitrymomot/jobengine/pkg/queue"
)

// Activity is one entry of the recent activity feed.
type Activity struct {
	Type      queue.EventType `json:"type"`
	Queue     string          `json:"queue"`
	JobID     string          `json:"job_id,omitempty"`
	JobName   string          `json:"job_name,omitempty"`
	Status    queue.JobState  `json:"status,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Duration  time.Duration   `json:"duration,omitempty"`
}

func activityFromEvent(e queue.Event) Activity {
	act := Activity{Type: e.Type, Queue: e.Queue, JobID: e.JobID, Timestamp: e.Timestamp}
	if e.Job != nil {
		act.JobName = e.Job.Name
		act.Status = e.Job.State
		act.Duration = e.Job.Duration()
	}
	return act
}

func activityFromJob(j *queue.Job) Activity {
	act := Activity{
		Type:     queue.EventCompleted,
		Queue:    j.Queue,
		JobID:    j.ID,
		JobName:  j.Name,
		Status:   j.State,
		Duration: j.Duration(),
	}
	if j.State == queue.StateFailed {
		act.Type = queue.EventFailed
	}
	switch {
	case j.FinishedAt != nil:
		act.Timestamp = *j.FinishedAt
	case j.ProcessedAt != nil:
		act.Timestamp = *j.ProcessedAt
	default:
		act.Timestamp = j.CreatedAt
	}
	return act
}

// RecentActivity returns up to limit entries, newest first. When no event
// has been seen yet it reads the latest finished jobs from the store.
func (a *Aggregator) RecentActivity(ctx context.Context, limit int) ([]Activity, error) {
	if limit <= 0 {
		limit = 20
	}

	a.mu.RLock()
	events := a.events.latest(limit)
	a.mu.RUnlock()

	if len(events) > 0 {
		out := make([]Activity, len(events))
		for i, e := range events {
			out[i] = activityFromEvent(e)
		}
		return out, nil
	}
	return a.storeActivity(ctx, limit)
}

// storeActivity takes the five latest completed and failed jobs of each queue.
func (a *Aggregator) storeActivity(ctx context.Context, limit int) ([]Activity, error) {
	perQueueJobs, err := perQueue(ctx, a.src.QueueNames(), func(ctx context.Context, name string) ([]*queue.Job, error) {
		return a.src.ListJobs(ctx, name, queue.ListFilter{
			States: []queue.JobState{queue.StateCompleted, queue.StateFailed},
			Limit:  10,
		})
	})
	if err != nil {
		return nil, err
	}

	var out []Activity
	for _, jobs := range perQueueJobs {
		completed, failed := 0, 0
		for _, j := range jobs {
			switch {
			case j.State == queue.StateCompleted && completed < 5:
				completed++
			case j.State == queue.StateFailed && failed < 5:
				failed++
			default:
				continue
			}
			out = append(out, activityFromJob(j))
		}
	}
	slices.SortStableFunc(out, func(x, y Activity) int { return y.Timestamp.Compare(x.Timestamp) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ring is a fixed-size window of events. Not safe for concurrent use.
type ring struct {
	buf  []queue.Event
	next int
	full bool
}

func newRing(size int) *ring {
	return &ring{buf: make([]queue.Event, size)}
}

func (r *ring) push(e queue.Event) {
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) len() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// latest returns up to limit events, newest first.
func (r *ring) latest(limit int) []queue.Event {
	n := r.len()
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]queue.Event, n)
	for i := range n {
		idx := (r.next - 1 - i + len(r.buf)) % len(r.buf)
		out[i] = r.buf[idx]
	}
	return out
}
