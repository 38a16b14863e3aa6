package monitor

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/dmitrymomot/jobengine/pkg/queue"
)

// FailureCategory groups failure reasons.
type FailureCategory string

const (
	CategoryTimeout    FailureCategory = "Timeout"
	CategoryConnection FailureCategory = "ConnectionError"
	CategoryNotFound   FailureCategory = "NotFound"
	CategoryPermission FailureCategory = "PermissionError"
	CategoryValidation FailureCategory = "ValidationError"
	CategoryRateLimit  FailureCategory = "RateLimit"
	CategoryOther      FailureCategory = "Other"
)

const (
	failuresPerQueue = 100
	recentFailures   = 20
)

// categoryRules are matched in order; the first hit wins.
var categoryRules = []struct {
	category FailureCategory
	needles  []string
}{
	{CategoryTimeout, []string{"timeout", "timed out"}},
	{CategoryConnection, []string{"connection"}},
	{CategoryNotFound, []string{"not found"}},
	{CategoryPermission, []string{"permission", "unauthorized"}},
	{CategoryValidation, []string{"validation"}},
	{CategoryRateLimit, []string{"rate limit"}},
}

// Classify maps a failure reason onto a category, ignoring case.
func Classify(reason string) FailureCategory {
	reason = strings.ToLower(reason)
	for _, rule := range categoryRules {
		for _, needle := range rule.needles {
			if strings.Contains(reason, needle) {
				return rule.category
			}
		}
	}
	return CategoryOther
}

// Failure is one failed job in the report.
type Failure struct {
	Queue     string          `json:"queue"`
	JobID     string          `json:"job_id"`
	JobName   string          `json:"job_name"`
	Reason    string          `json:"reason"`
	Category  FailureCategory `json:"category"`
	Attempts  int             `json:"attempts"`
	Timestamp time.Time       `json:"timestamp"`
}

// QueueFailures is the per-queue part of the report.
type QueueFailures struct {
	Queue      string                  `json:"queue"`
	Total      int                     `json:"total"`
	Categories map[FailureCategory]int `json:"categories"`
}

// FailureReport is the result of Aggregator.Failures.
type FailureReport struct {
	Total      int                     `json:"total"`
	Categories map[FailureCategory]int `json:"categories"`
	Queues     []QueueFailures         `json:"queues"`
	Recent     []Failure               `json:"recent"`
}

// Failures classifies up to 100 latest failed jobs of each queue.
func (a *Aggregator) Failures(ctx context.Context) (FailureReport, error) {
	names := a.src.QueueNames()
	perQueueJobs, err := perQueue(ctx, names, func(ctx context.Context, name string) ([]*queue.Job, error) {
		return a.src.ListJobs(ctx, name, queue.ListFilter{
			States: []queue.JobState{queue.StateFailed},
			Limit:  failuresPerQueue,
		})
	})
	if err != nil {
		return FailureReport{}, err
	}

	report := FailureReport{Categories: make(map[FailureCategory]int)}
	var all []Failure
	for i, name := range names {
		qf := QueueFailures{Queue: name, Categories: make(map[FailureCategory]int)}
		for _, j := range perQueueJobs[i] {
			f := failureFromJob(j)
			qf.Total++
			qf.Categories[f.Category]++
			report.Categories[f.Category]++
			all = append(all, f)
		}
		report.Total += qf.Total
		report.Queues = append(report.Queues, qf)
	}

	slices.SortStableFunc(all, func(x, y Failure) int { return y.Timestamp.Compare(x.Timestamp) })
	if len(all) > recentFailures {
		all = all[:recentFailures]
	}
	report.Recent = all
	return report, nil
}

func failureFromJob(j *queue.Job) Failure {
	f := Failure{
		Queue:     j.Queue,
		JobID:     j.ID,
		JobName:   j.Name,
		Reason:    j.FailureReason,
		Category:  Classify(j.FailureReason),
		Attempts:  j.AttemptsMade,
		Timestamp: j.CreatedAt,
	}
	if j.FinishedAt != nil {
		f.Timestamp = *j.FinishedAt
	}
	return f
}
