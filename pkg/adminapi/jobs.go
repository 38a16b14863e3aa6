package adminapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dmitrymomot/jobengine/pkg/monitor"
	"github.com/dmitrymomot/jobengine/pkg/queue"
)

// dashboard serves GET /jobs?view=overview|queues|performance|failures|activity.
func (s *Server) dashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	switch view := q.Get("view"); view {
	case "", "overview":
		ov, err := s.monitor.Overview(ctx)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		s.ok(w, ov)

	case "queues":
		stats, err := s.engine.AllQueueStats(ctx)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		s.ok(w, stats)

	case "performance":
		rng := q.Get("range")
		if rng == "" {
			rng = q.Get("timeRange")
		}
		tr, err := monitor.ParseTimeRange(rng)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		perf, err := s.monitor.Performance(ctx, tr)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		s.ok(w, perf)

	case "failures":
		report, err := s.monitor.Failures(ctx)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		s.ok(w, report)

	case "activity":
		limit, err := intParam(q.Get("limit"), 20)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		acts, err := s.monitor.RecentActivity(ctx, limit)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		s.okMeta(w, acts, map[string]any{"limit": limit})

	default:
		s.fail(w, r, fmt.Errorf("%w: %q", ErrInvalidView, view))
	}
}

type jobOptions struct {
	JobID     string        `json:"jobId"`
	Priority  int           `json:"priority"`
	DelayMS   int64         `json:"delay"`
	Attempts  int           `json:"attempts"`
	TimeoutMS int64         `json:"timeout"`
	Parent    *queue.JobRef `json:"parent"`
}

func (o jobOptions) enqueueOptions() []queue.EnqueueOption {
	var opts []queue.EnqueueOption
	if o.JobID != "" {
		opts = append(opts, queue.WithJobID(o.JobID))
	}
	if o.Priority > 0 {
		opts = append(opts, queue.WithPriority(queue.Priority(o.Priority)))
	}
	if o.DelayMS > 0 {
		opts = append(opts, queue.WithDelay(time.Duration(o.DelayMS)*time.Millisecond))
	}
	if o.Attempts > 0 {
		opts = append(opts, queue.WithMaxAttempts(o.Attempts))
	}
	if o.TimeoutMS > 0 {
		opts = append(opts, queue.WithTimeout(time.Duration(o.TimeoutMS)*time.Millisecond))
	}
	if o.Parent != nil {
		opts = append(opts, queue.WithParent(*o.Parent))
	}
	return opts
}

// createJobRequest names the target queue directly or through type, where
// underscores stand for dashes (paper_processing is paper-processing).
type createJobRequest struct {
	Queue   string          `json:"queue"`
	Type    string          `json:"type"`
	Name    string          `json:"name"`
	Data    json.RawMessage `json:"data"`
	Options jobOptions      `json:"options"`
}

type createJobResponse struct {
	JobID  string `json:"jobId"`
	Queue  string `json:"queue"`
	Status string `json:"status"`
}

// createJob serves POST /jobs.
func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}

	queueName := req.Queue
	if queueName == "" {
		queueName = strings.ReplaceAll(req.Type, "_", "-")
	}
	name := req.Name
	if name == "" {
		name = req.Type
	}
	if queueName == "" || name == "" {
		s.fail(w, r, fmt.Errorf("%w: queue or type, and name", ErrMissingParam))
		return
	}

	var payload any
	if len(req.Data) > 0 {
		payload = req.Data
	}
	job, err := s.engine.CreateJob(r.Context(), queueName, name, payload, req.Options.enqueueOptions()...)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.created(w, createJobResponse{JobID: job.ID, Queue: job.Queue, Status: "created"})
}

type cleanResponse struct {
	Queue          string   `json:"queue"`
	Status         string   `json:"status"`
	OlderThanHours int      `json:"olderThanHours"`
	Removed        int      `json:"removed"`
	JobIDs         []string `json:"jobIds"`
}

// cleanJobs serves DELETE /jobs?queue&status&olderThan. olderThan is in hours.
func (s *Server) cleanJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	queueName, status := q.Get("queue"), q.Get("status")
	if queueName == "" || status == "" {
		s.fail(w, r, fmt.Errorf("%w: queue and status", ErrMissingParam))
		return
	}
	hours, err := intParam(q.Get("olderThan"), 24)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	olderThan := time.Duration(hours) * time.Hour
	var ids []string
	switch queue.JobState(status) {
	case queue.StateCompleted:
		ids, err = s.engine.CleanCompleted(r.Context(), queueName, olderThan)
	case queue.StateFailed:
		ids, err = s.engine.CleanFailed(r.Context(), queueName, olderThan)
	default:
		err = fmt.Errorf("%w: status must be completed or failed", ErrInvalidParam)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, cleanResponse{
		Queue:          queueName,
		Status:         status,
		OlderThanHours: hours,
		Removed:        len(ids),
		JobIDs:         nonNil(ids),
	})
}

// queueInfo serves GET /jobs/{queue}?view=stats|jobs&status&limit.
func (s *Server) queueInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	queueName := chi.URLParam(r, "queue")
	q := r.URL.Query()

	switch view := q.Get("view"); view {
	case "", "stats":
		stats, err := s.engine.QueueStats(ctx, queueName)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		s.ok(w, stats)

	case "jobs":
		status := q.Get("status")
		if status == "" {
			status = string(queue.StateCompleted)
		}
		state, err := queue.ParseJobState(status)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		limit, err := intParam(q.Get("limit"), 10)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		jobs, err := s.engine.ListJobs(ctx, queueName, queue.ListFilter{States: []queue.JobState{state}, Limit: limit})
		if err != nil {
			s.fail(w, r, err)
			return
		}
		s.okMeta(w, nonNil(jobs), map[string]any{"status": state, "limit": limit})

	default:
		s.fail(w, r, fmt.Errorf("%w: %q", ErrInvalidView, view))
	}
}

type actionRequest struct {
	Action string `json:"action"`
}

type actionResponse struct {
	Queue   string   `json:"queue"`
	JobID   string   `json:"jobId,omitempty"`
	Action  string   `json:"action"`
	Removed []string `json:"removed,omitempty"`
	Job     any      `json:"job,omitempty"`
}

// queueAction serves POST /jobs/{queue} {action: pause|resume|drain}.
func (s *Server) queueAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	queueName := chi.URLParam(r, "queue")
	var req actionRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}

	resp := actionResponse{Queue: queueName, Action: req.Action}
	var err error
	switch req.Action {
	case "pause":
		err = s.engine.PauseQueue(ctx, queueName)
	case "resume":
		err = s.engine.ResumeQueue(ctx, queueName)
	case "drain":
		resp.Removed, err = s.engine.DrainQueue(ctx, queueName)
	default:
		err = fmt.Errorf("%w: %q", ErrInvalidAction, req.Action)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, resp)
}

// jobDetails serves GET /jobs/{queue}/{jobID}.
func (s *Server) jobDetails(w http.ResponseWriter, r *http.Request) {
	queueName, jobID := chi.URLParam(r, "queue"), chi.URLParam(r, "jobID")
	if _, ok := s.engine.QueueConfig(queueName); !ok {
		s.fail(w, r, fmt.Errorf("%w: %s", queue.ErrQueueNotFound, queueName))
		return
	}
	job, err := s.monitor.Job(r.Context(), queueName, jobID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, job)
}

// jobAction serves POST /jobs/{queue}/{jobID} {action: retry|cancel}.
func (s *Server) jobAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	queueName, jobID := chi.URLParam(r, "queue"), chi.URLParam(r, "jobID")
	var req actionRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}

	resp := actionResponse{Queue: queueName, JobID: jobID, Action: req.Action}
	switch req.Action {
	case "retry":
		job, err := s.engine.RetryJob(ctx, queueName, jobID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		resp.Job = job
	case "cancel":
		job, removed, err := s.engine.CancelJob(ctx, queueName, jobID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		resp.Job = job
		if removed {
			resp.Removed = []string{job.ID}
		}
	default:
		s.fail(w, r, fmt.Errorf("%w: %q", ErrInvalidAction, req.Action))
		return
	}
	s.ok(w, resp)
}

// removeJob serves DELETE /jobs/{queue}/{jobID}.
func (s *Server) removeJob(w http.ResponseWriter, r *http.Request) {
	queueName, jobID := chi.URLParam(r, "queue"), chi.URLParam(r, "jobID")
	if err := s.engine.RemoveJob(r.Context(), queueName, jobID); err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, actionResponse{Queue: queueName, JobID: jobID, Action: "remove", Removed: []string{jobID}})
}

// workers reports every worker handle with its queue counts.
func (s *Server) workers(w http.ResponseWriter, r *http.Request) {
	health, err := s.engine.WorkerHealth(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, health)
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %q is not a non-negative integer", ErrInvalidParam, raw)
	}
	return n, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
