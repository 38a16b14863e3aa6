package monitor

import (
	"context"
	"time"

	"github.com/dmitrymomot/jobengine/pkg/queue"
)

// TimeRange selects the window of performance metrics.
type TimeRange string

const (
	RangeHour TimeRange = "hour"
	RangeDay  TimeRange = "day"
	RangeWeek TimeRange = "week"
)

// ParseTimeRange accepts hour, day or week. An empty string means hour.
func ParseTimeRange(s string) (TimeRange, error) {
	switch r := TimeRange(s); r {
	case "":
		return RangeHour, nil
	case RangeHour, RangeDay, RangeWeek:
		return r, nil
	default:
		return "", ErrInvalidTimeRange
	}
}

// Duration returns the window length.
func (r TimeRange) Duration() time.Duration {
	switch r {
	case RangeWeek:
		return 7 * 24 * time.Hour
	case RangeDay:
		return 24 * time.Hour
	default:
		return time.Hour
	}
}

// QueuePerformance holds the metrics of one queue over a window.
type QueuePerformance struct {
	Queue             string  `json:"queue"`
	Throughput        int     `json:"throughput"`
	Failed            int     `json:"failed"`
	AverageDurationMS float64 `json:"average_duration_ms"`
	SuccessRate       float64 `json:"success_rate"`
	Utilization       float64 `json:"utilization"`
	// Sampled is set when the window held more finished jobs than the
	// aggregator reads, so the figures cover only the most recent ones.
	Sampled bool `json:"sampled,omitempty"`
}

// Performance is the result of Aggregator.Performance.
type Performance struct {
	Range  TimeRange          `json:"range"`
	Since  time.Time          `json:"since"`
	Queues []QueuePerformance `json:"queues"`
}

// Performance computes per-queue metrics for jobs finished within r. At most
// the newest sample size finished jobs per queue are read (see
// WithPerformanceSample); QueuePerformance.Sampled marks queues that hit it.
func (a *Aggregator) Performance(ctx context.Context, r TimeRange) (Performance, error) {
	if r == "" {
		r = RangeHour
	}
	if _, err := ParseTimeRange(string(r)); err != nil {
		return Performance{}, err
	}
	since := a.now().Add(-r.Duration())

	queues, err := perQueue(ctx, a.src.QueueNames(), func(ctx context.Context, name string) (QueuePerformance, error) {
		stats, err := a.src.QueueStats(ctx, name)
		if err != nil {
			return QueuePerformance{}, err
		}
		jobs, err := a.src.ListJobs(ctx, name, queue.ListFilter{
			States:        []queue.JobState{queue.StateCompleted, queue.StateFailed},
			FinishedAfter: since,
			Limit:         a.sample + 1,
		})
		if err != nil {
			return QueuePerformance{}, err
		}
		sampled := len(jobs) > a.sample
		if sampled {
			jobs = jobs[:a.sample]
		}
		p := queuePerformance(stats, jobs)
		p.Sampled = sampled
		return p, nil
	})
	if err != nil {
		return Performance{}, err
	}
	return Performance{Range: r, Since: since, Queues: queues}, nil
}

func queuePerformance(stats queue.QueueStats, jobs []*queue.Job) QueuePerformance {
	p := QueuePerformance{Queue: stats.Name, SuccessRate: 100}

	var total time.Duration
	for _, j := range jobs {
		switch j.State {
		case queue.StateCompleted:
			p.Throughput++
			total += j.Duration()
		case queue.StateFailed:
			p.Failed++
		}
	}
	if p.Throughput > 0 {
		p.AverageDurationMS = float64(total.Milliseconds()) / float64(p.Throughput)
	}
	if finished := p.Throughput + p.Failed; finished > 0 {
		p.SuccessRate = float64(p.Throughput) / float64(finished) * 100
	}
	if stats.Concurrency > 0 {
		p.Utilization = float64(stats.Counts.Active) / float64(stats.Concurrency) * 100
	}
	return p
}
