package monitor

import (
	"context"
	"time"

	"github.com/dmitrymomot/jobengine/pkg/queue"
)

// HealthStatus grades the failure ratio across all queues.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
)

// Health thresholds on failed / total jobs.
const (
	WarningFailureRatio  = 0.05
	CriticalFailureRatio = 0.10
)

// Health summarises system-wide failures.
type Health struct {
	Status       HealthStatus `json:"status"`
	FailureRatio float64      `json:"failure_ratio"`
	TotalJobs    int          `json:"total_jobs"`
	FailedJobs   int          `json:"failed_jobs"`
}

// ComputeHealth grades totals: up to 5% failed is healthy, up to 10% is a
// warning, anything above is critical. No jobs at all is healthy.
func ComputeHealth(totals queue.Counts) Health {
	h := Health{Status: HealthHealthy, TotalJobs: totals.Total(), FailedJobs: totals.Failed}
	if h.TotalJobs == 0 {
		return h
	}
	h.FailureRatio = float64(h.FailedJobs) / float64(h.TotalJobs)
	switch {
	case h.FailureRatio > CriticalFailureRatio:
		h.Status = HealthCritical
	case h.FailureRatio > WarningFailureRatio:
		h.Status = HealthWarning
	}
	return h
}

// Snapshot is published periodically to monitoring subscribers.
type Snapshot struct {
	Timestamp time.Time          `json:"timestamp"`
	Totals    queue.Counts       `json:"totals"`
	Queues    []queue.QueueStats `json:"queues"`
	Health    Health             `json:"health"`
}

// Overview is the dashboard landing view.
type Overview struct {
	Snapshot
	TotalJobs      int        `json:"total_jobs"`
	RecentActivity []Activity `json:"recent_activity"`
}

// Snapshot computes counts for every queue concurrently.
func (a *Aggregator) Snapshot(ctx context.Context) (Snapshot, error) {
	stats, err := perQueue(ctx, a.src.QueueNames(), a.src.QueueStats)
	if err != nil {
		return Snapshot{}, err
	}
	var totals queue.Counts
	for _, s := range stats {
		totals = totals.Add(s.Counts)
	}
	return Snapshot{
		Timestamp: a.now(),
		Totals:    totals,
		Queues:    stats,
		Health:    ComputeHealth(totals),
	}, nil
}

// Overview returns totals, per-queue stats, the ten latest activities and health.
func (a *Aggregator) Overview(ctx context.Context) (Overview, error) {
	snap, err := a.Snapshot(ctx)
	if err != nil {
		return Overview{}, err
	}
	activity, err := a.RecentActivity(ctx, 10)
	if err != nil {
		return Overview{}, err
	}
	return Overview{
		Snapshot:       snap,
		TotalJobs:      snap.Totals.Total(),
		RecentActivity: activity,
	}, nil
}

// Health grades the current totals.
func (a *Aggregator) Health(ctx context.Context) (Health, error) {
	snap, err := a.Snapshot(ctx)
	if err != nil {
		return Health{}, err
	}
	return snap.Health, nil
}
