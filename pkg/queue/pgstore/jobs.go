package pgstore

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/bytedance/sonic"
	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/jobengine/pkg/pg"
	"github.com/dmitrymomot/jobengine/pkg/queue"
)

// parentFailedFrom lists the states a child can be failed from when its
// parent fails, as allowed by the shared lifecycle table.
var parentFailedFrom = statesAccepting(queue.LifecycleParentFailed)

func statesAccepting(event string) []string {
	var out []string
	for _, st := range queue.JobStates() {
		if _, err := queue.NextState(st, event, 0, 0, false); err == nil {
			out = append(out, string(st))
		}
	}
	return out
}

// effectiveState folds due delayed jobs into waiting, matching queue.Counts semantics.
const effectiveState = `CASE WHEN state = 'delayed' AND run_after <= $2 THEN 'waiting' ELSE state END`

const insertJobSQL = `
	INSERT INTO jobengine_jobs (
		queue, id, name, payload, priority, state, max_attempts,
		backoff_kind, backoff_base_ms, backoff_max_ms, timeout_ms, run_after, created_at,
		parent_queue, parent_id, repeat_key
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	ON CONFLICT DO NOTHING
	RETURNING ` + jobColumns

func (s *Store) Enqueue(ctx context.Context, job *queue.Job) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		stored, err := s.insert(ctx, tx, job)
		if err != nil {
			return err
		}
		if stored == nil {
			return fmt.Errorf("%w: %s/%s", queue.ErrDuplicateJob, job.Queue, job.ID)
		}
		*job = *stored
		return nil
	})
}

func (s *Store) EnqueueRepeat(ctx context.Context, job *queue.Job) (bool, error) {
	if job == nil || job.RepeatKey == "" {
		return false, fmt.Errorf("%w: repeat job needs a repeat key", queue.ErrInvalidArgument)
	}

	var created bool
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		stored, err := s.insert(ctx, tx, job)
		if err != nil || stored == nil {
			// No row means the pending-repeat index already holds an instance.
			return err
		}
		*job = *stored
		created = true
		return nil
	})
	return created, err
}

// insert validates and writes a new job. It returns nil without error when
// the pending-repeat unique index rejected the row.
func (s *Store) insert(ctx context.Context, tx pgx.Tx, job *queue.Job) (*queue.Job, error) {
	if job == nil || job.ID == "" {
		return nil, fmt.Errorf("%w: job needs an id", queue.ErrInvalidArgument)
	}
	if _, err := getQueue(ctx, tx, job.Queue, true); err != nil {
		return nil, err
	}

	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM jobengine_jobs WHERE queue = $1 AND id = $2)`,
		job.Queue, job.ID).Scan(&exists); err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: %s/%s", queue.ErrDuplicateJob, job.Queue, job.ID)
	}

	var parentQueue, parentID any
	if job.Parent != nil {
		var state string
		err := tx.QueryRow(ctx,
			`SELECT state FROM jobengine_jobs WHERE queue = $1 AND id = $2 FOR SHARE`,
			job.Parent.Queue, job.Parent.ID).Scan(&state)
		if err != nil {
			if pg.IsNotFoundError(err) {
				err = s.missing(ctx, tx, job.Parent.Queue, job.Parent.ID)
			}
			return nil, fmt.Errorf("parent %s: %w", job.Parent, err)
		}
		if queue.JobState(state) == queue.StateFailed {
			return nil, fmt.Errorf("%w: %s", queue.ErrParentFailed, job.Parent)
		}
		parentQueue, parentID = job.Parent.Queue, job.Parent.ID
	}

	now := s.now()
	createdAt := job.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	runAfter := job.RunAfter
	if runAfter.IsZero() {
		runAfter = createdAt
	}
	state := queue.StateWaiting
	if runAfter.After(now) {
		state = queue.StateDelayed
	}

	stored, err := scanJob(tx.QueryRow(ctx, insertJobSQL,
		job.Queue, job.ID, job.Name, jsonArg(job.Payload), int(job.Priority), string(state), job.MaxAttempts,
		string(job.Backoff.Kind), millis(job.Backoff.BaseDelay), millis(job.Backoff.MaxDelay), millis(job.Timeout),
		runAfter, createdAt, parentQueue, parentID, textArg(job.RepeatKey),
	))
	if pg.IsNotFoundError(err) {
		return nil, nil
	}
	return stored, err
}

// missing explains why a job row was not found.
func (s *Store) missing(ctx context.Context, tx pgx.Tx, queueName, jobID string) error {
	if _, err := getQueue(ctx, tx, queueName, false); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s/%s", queue.ErrJobNotFound, queueName, jobID)
}

// lockJob loads a job under a row lock.
func (s *Store) lockJob(ctx context.Context, tx pgx.Tx, queueName, jobID string) (*queue.Job, error) {
	j, err := scanJob(tx.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobengine_jobs WHERE queue = $1 AND id = $2 FOR UPDATE`,
		queueName, jobID))
	if pg.IsNotFoundError(err) {
		return nil, s.missing(ctx, tx, queueName, jobID)
	}
	return j, err
}

// lockOwned loads the active job held by workerID.
func (s *Store) lockOwned(ctx context.Context, tx pgx.Tx, queueName, jobID, workerID string) (*queue.Job, error) {
	j, err := s.lockJob(ctx, tx, queueName, jobID)
	if err != nil {
		return nil, err
	}
	if j.State != queue.StateActive || j.WorkerID != workerID {
		return nil, fmt.Errorf("%w: %s/%s", queue.ErrJobNotOwned, queueName, jobID)
	}
	return j, nil
}

// save writes every mutable column of j.
func save(ctx context.Context, tx pgx.Tx, j *queue.Job) error {
	var progress any
	if j.Progress != nil {
		raw, err := sonic.Marshal(j.Progress)
		if err != nil {
			return fmt.Errorf("encode progress: %w", err)
		}
		progress = string(raw)
	}
	_, err := tx.Exec(ctx, `
		UPDATE jobengine_jobs SET
			state = $3, attempts_made = $4, max_attempts = $5, run_after = $6,
			processed_at = $7, finished_at = $8, progress = $9, result = $10,
			failure_reason = $11, worker_id = $12, heartbeat_at = $13, cancel_requested = $14
		WHERE queue = $1 AND id = $2`,
		j.Queue, j.ID,
		string(j.State), j.AttemptsMade, j.MaxAttempts, j.RunAfter,
		j.ProcessedAt, j.FinishedAt, progress, jsonArg(j.Result),
		j.FailureReason, j.WorkerID, j.HeartbeatAt, j.CancelRequested,
	)
	return err
}

func (s *Store) ClaimNext(ctx context.Context, queueName, workerID string) (*queue.Job, error) {
	var out *queue.Job
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		q, err := getQueue(ctx, tx, queueName, false)
		if err != nil {
			return err
		}
		if q.Paused {
			return queue.ErrNoJobToClaim
		}

		now := s.now()
		j, err := scanJob(tx.QueryRow(ctx, `
			SELECT `+jobColumns+` FROM jobengine_jobs j
			WHERE j.queue = $1
				AND (j.state = 'waiting' OR (j.state = 'delayed' AND j.run_after <= $2))
				AND NOT EXISTS (
					SELECT 1 FROM jobengine_jobs p
					WHERE p.queue = j.parent_queue AND p.id = j.parent_id AND p.state <> 'completed'
				)
			ORDER BY j.priority, j.created_at, j.seq
			LIMIT 1
			FOR UPDATE OF j SKIP LOCKED`, queueName, now))
		if pg.IsNotFoundError(err) {
			return queue.ErrNoJobToClaim
		}
		if err != nil {
			return err
		}

		if j.State == queue.StateDelayed {
			if j.State, err = queue.NextState(j.State, queue.LifecyclePromote, 0, 0, false); err != nil {
				return err
			}
		}
		if j.State, err = queue.NextState(j.State, queue.LifecycleClaim, 0, 0, false); err != nil {
			return err
		}
		j.AttemptsMade++
		j.ProcessedAt = &now
		j.HeartbeatAt = &now
		j.WorkerID = workerID
		j.CancelRequested = false
		j.Progress = nil
		if err := save(ctx, tx, j); err != nil {
			return err
		}
		out = j
		return nil
	})
	return out, err
}

func (s *Store) Heartbeat(ctx context.Context, queueName, jobID, workerID string) (bool, error) {
	var cancel bool
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		j, err := s.lockOwned(ctx, tx, queueName, jobID, workerID)
		if err != nil {
			return err
		}
		cancel = j.CancelRequested
		_, err = tx.Exec(ctx,
			`UPDATE jobengine_jobs SET heartbeat_at = $3 WHERE queue = $1 AND id = $2`,
			queueName, jobID, s.now())
		return err
	})
	return cancel, err
}

func (s *Store) UpdateProgress(ctx context.Context, queueName, jobID string, progress queue.Progress) (*queue.Job, error) {
	var out *queue.Job
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		j, err := s.lockJob(ctx, tx, queueName, jobID)
		if err != nil {
			return err
		}
		if j.State != queue.StateActive {
			return fmt.Errorf("%w: progress on %s job", queue.ErrInvalidTransition, j.State)
		}
		j.Progress = &progress
		// Clone normalizes percentage and copies metadata.
		j = j.Clone()
		if err := save(ctx, tx, j); err != nil {
			return err
		}
		out = j
		return nil
	})
	return out, err
}

func (s *Store) Complete(ctx context.Context, queueName, jobID, workerID string, result json.RawMessage) (*queue.Job, error) {
	var out *queue.Job
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		j, err := s.lockOwned(ctx, tx, queueName, jobID, workerID)
		if err != nil {
			return err
		}
		if j.State, err = queue.NextState(j.State, queue.LifecycleComplete, 0, 0, false); err != nil {
			return err
		}
		now := s.now()
		j.FinishedAt = &now
		j.Result = slices.Clone(result)
		j.FailureReason = ""
		j.HeartbeatAt = nil
		if err := save(ctx, tx, j); err != nil {
			return err
		}
		out = j
		return nil
	})
	return out, err
}

func (s *Store) Fail(ctx context.Context, queueName, jobID, workerID, reason string, retryable bool) (*queue.Job, error) {
	var (
		out       *queue.Job
		cancelled bool
	)
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		j, err := s.lockOwned(ctx, tx, queueName, jobID, workerID)
		if err != nil {
			return err
		}
		out, cancelled, err = s.applyFailure(ctx, tx, j, queue.LifecycleFail, reason, retryable)
		return err
	})
	if err != nil {
		return nil, err
	}
	if cancelled {
		return out, queue.ErrJobCancelled
	}
	return out, nil
}

// applyFailure runs the fail or stall transition on a locked active job. A
// job with a pending cancel request is deleted and reported as cancelled.
func (s *Store) applyFailure(ctx context.Context, tx pgx.Tx, j *queue.Job, event, reason string, retryable bool) (*queue.Job, bool, error) {
	now := s.now()
	j.FailureReason = reason

	if j.CancelRequested {
		children, err := s.deleteJob(ctx, tx, j, now)
		if err != nil {
			return nil, false, err
		}
		j.State = queue.StateRemoved
		j.FailedChildren = children
		return j, true, nil
	}

	to, err := queue.NextState(j.State, event, j.AttemptsMade, j.MaxAttempts, retryable)
	if err != nil {
		return nil, false, err
	}
	j.State = to
	j.WorkerID = ""
	j.HeartbeatAt = nil
	switch to {
	case queue.StateDelayed:
		j.RunAfter = now.Add(queue.NextDelay(j.AttemptsMade, j.Backoff))
	case queue.StateFailed:
		j.FinishedAt = &now
	}
	if err := save(ctx, tx, j); err != nil {
		return nil, false, err
	}
	if to == queue.StateFailed {
		if j.FailedChildren, err = s.failChildren(ctx, tx, j.Ref(), now); err != nil {
			return nil, false, err
		}
	}
	return j, false, nil
}

func (s *Store) RequeueStalled(ctx context.Context, queueName string, heartbeatBefore time.Time) ([]*queue.Job, error) {
	var out []*queue.Job
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := getQueue(ctx, tx, queueName, false); err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `
			SELECT `+jobColumns+` FROM jobengine_jobs
			WHERE queue = $1 AND state = 'active' AND heartbeat_at < $2
			ORDER BY seq
			FOR UPDATE SKIP LOCKED`, queueName, heartbeatBefore)
		if err != nil {
			return err
		}
		stalled, err := collectJobs(rows)
		if err != nil {
			return err
		}

		out = make([]*queue.Job, 0, len(stalled))
		for _, j := range stalled {
			updated, _, err := s.applyFailure(ctx, tx, j, queue.LifecycleStall, "job stalled", true)
			if err != nil {
				return err
			}
			out = append(out, updated)
		}
		return nil
	})
	return out, err
}

func (s *Store) Cancel(ctx context.Context, queueName, jobID string) (*queue.Job, bool, error) {
	var (
		out     *queue.Job
		removed bool
	)
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		j, err := s.lockJob(ctx, tx, queueName, jobID)
		if err != nil {
			return err
		}
		if j.State == queue.StateActive {
			j.CancelRequested = true
			out = j
			_, err := tx.Exec(ctx,
				`UPDATE jobengine_jobs SET cancel_requested = TRUE WHERE queue = $1 AND id = $2`,
				queueName, jobID)
			return err
		}
		to, err := queue.NextState(j.State, queue.LifecycleCancel, 0, 0, false)
		if err != nil {
			return err
		}
		children, err := s.deleteJob(ctx, tx, j, s.now())
		if err != nil {
			return err
		}
		j.State = to
		j.FailedChildren = children
		out, removed = j, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, removed, nil
}

func (s *Store) Retry(ctx context.Context, queueName, jobID string) (*queue.Job, error) {
	var out *queue.Job
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		j, err := s.lockJob(ctx, tx, queueName, jobID)
		if err != nil {
			return err
		}
		if j.State, err = queue.NextState(j.State, queue.LifecycleRetry, 0, 0, false); err != nil {
			return err
		}
		j.MaxAttempts = j.AttemptsMade + 1
		j.FailureReason = ""
		j.FinishedAt = nil
		j.RunAfter = s.now()
		j.Result = nil
		if err := save(ctx, tx, j); err != nil {
			if pg.IsDuplicateKeyError(err) {
				return fmt.Errorf("%w: repeat %s already has a pending job", queue.ErrInvalidTransition, j.RepeatKey)
			}
			return err
		}
		out = j
		return nil
	})
	return out, err
}

func (s *Store) Remove(ctx context.Context, queueName, jobID string) (*queue.Job, error) {
	var out *queue.Job
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		j, err := s.lockJob(ctx, tx, queueName, jobID)
		if err != nil {
			return err
		}
		if j.State == queue.StateActive {
			return fmt.Errorf("%w: cannot remove active job %s", queue.ErrInvalidTransition, jobID)
		}
		children, err := s.deleteJob(ctx, tx, j, s.now())
		if err != nil {
			return err
		}
		j.State = queue.StateRemoved
		j.FailedChildren = children
		out = j
		return nil
	})
	return out, err
}

// removedRow is a job deleted by a bulk statement.
type removedRow struct {
	id       string
	state    queue.JobState
	seq      int64
	finished *time.Time
}

func collectRemoved(rows pgx.Rows) ([]removedRow, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (removedRow, error) {
		var (
			r     removedRow
			state string
		)
		err := row.Scan(&r.id, &state, &r.seq, &r.finished)
		r.state = queue.JobState(state)
		return r, err
	})
}

// settle fails the children of bulk-deleted jobs that did not complete and
// returns a removed snapshot per deleted job.
func (s *Store) settle(ctx context.Context, tx pgx.Tx, queueName string, removed []removedRow, now time.Time) ([]*queue.Job, error) {
	out := make([]*queue.Job, 0, len(removed))
	for _, r := range removed {
		j := &queue.Job{ID: r.id, Queue: queueName, State: queue.StateRemoved, FinishedAt: r.finished}
		if r.state != queue.StateCompleted {
			children, err := s.failChildren(ctx, tx, j.Ref(), now)
			if err != nil {
				return nil, err
			}
			j.FailedChildren = children
		}
		out = append(out, j)
	}
	return out, nil
}

func ids(removed []removedRow) []string {
	out := make([]string, len(removed))
	for i, r := range removed {
		out[i] = r.id
	}
	return out
}

func (s *Store) Drain(ctx context.Context, queueName string) ([]*queue.Job, error) {
	var out []*queue.Job
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := getQueue(ctx, tx, queueName, false); err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `
			DELETE FROM jobengine_jobs WHERE queue = $1 AND state <> 'active'
			RETURNING id, state, seq, finished_at`, queueName)
		if err != nil {
			return err
		}
		removed, err := collectRemoved(rows)
		if err != nil {
			return err
		}
		slices.SortFunc(removed, func(a, b removedRow) int { return cmp.Compare(a.seq, b.seq) })
		out, err = s.settle(ctx, tx, queueName, removed, s.now())
		return err
	})
	return out, err
}

// deleteJob drops a job and fails the children it can no longer unblock.
func (s *Store) deleteJob(ctx context.Context, tx pgx.Tx, j *queue.Job, now time.Time) ([]*queue.Job, error) {
	if _, err := tx.Exec(ctx,
		`DELETE FROM jobengine_jobs WHERE queue = $1 AND id = $2`, j.Queue, j.ID); err != nil {
		return nil, err
	}
	if j.State == queue.StateCompleted {
		return nil, nil
	}
	return s.failChildren(ctx, tx, j.Ref(), now)
}

// failChildren moves the pending descendants of parent to failed and returns
// their snapshots.
func (s *Store) failChildren(ctx context.Context, tx pgx.Tx, parent queue.JobRef, now time.Time) ([]*queue.Job, error) {
	rows, err := tx.Query(ctx, `
		UPDATE jobengine_jobs
		SET state = $3, failure_reason = $4, finished_at = $5
		WHERE parent_queue = $1 AND parent_id = $2 AND state = ANY($6)
		RETURNING `+jobColumns,
		parent.Queue, parent.ID, string(queue.StateFailed),
		fmt.Sprintf("parent job %s failed", parent.ID), now, parentFailedFrom)
	if err != nil {
		return nil, err
	}
	children, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}
	failed := children
	for _, child := range children {
		grandchildren, err := s.failChildren(ctx, tx, child.Ref(), now)
		if err != nil {
			return nil, err
		}
		failed = append(failed, grandchildren...)
	}
	return failed, nil
}

func (s *Store) Prune(ctx context.Context, queueName string, state queue.JobState, olderThan time.Duration, keepLatest int) ([]string, error) {
	if !state.Terminal() {
		return nil, fmt.Errorf("%w: prune only applies to terminal states, got %s", queue.ErrInvalidArgument, state)
	}

	var out []string
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := getQueue(ctx, tx, queueName, false); err != nil {
			return err
		}
		now := s.now()
		rows, err := tx.Query(ctx, `
			DELETE FROM jobengine_jobs WHERE queue = $1 AND id IN (
				SELECT id FROM (
					SELECT id, finished_at,
						row_number() OVER (ORDER BY finished_at DESC, seq DESC) AS rank
					FROM jobengine_jobs
					WHERE queue = $1 AND state = $2
				) ranked
				WHERE ($3::bigint = 0 OR rank > $3::bigint)
					AND ($4::boolean = FALSE OR finished_at < $5)
			)
			RETURNING id, state, seq, finished_at`,
			queueName, string(state), int64(keepLatest), olderThan > 0, now.Add(-olderThan))
		if err != nil {
			return err
		}
		removed, err := collectRemoved(rows)
		if err != nil {
			return err
		}
		slices.SortFunc(removed, func(a, b removedRow) int {
			if a.finished != nil && b.finished != nil {
				if c := b.finished.Compare(*a.finished); c != 0 {
					return c
				}
			}
			return cmp.Compare(b.seq, a.seq)
		})
		if _, err := s.settle(ctx, tx, queueName, removed, now); err != nil {
			return err
		}
		out = ids(removed)
		return nil
	})
	return out, err
}

func (s *Store) Counts(ctx context.Context, queueName string) (queue.Counts, error) {
	var c queue.Counts
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		q, err := getQueue(ctx, tx, queueName, false)
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `
			SELECT `+effectiveState+` AS effective, count(*)
			FROM jobengine_jobs WHERE queue = $1
			GROUP BY effective`, queueName, s.now())
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				state string
				n     int
			)
			if err := rows.Scan(&state, &n); err != nil {
				return err
			}
			switch queue.JobState(state) {
			case queue.StateWaiting:
				if q.Paused {
					c.Paused += n
				} else {
					c.Waiting += n
				}
			case queue.StateActive:
				c.Active += n
			case queue.StateDelayed:
				c.Delayed += n
			case queue.StateCompleted:
				c.Completed += n
			case queue.StateFailed:
				c.Failed += n
			}
		}
		return rows.Err()
	})
	return c, err
}

func (s *Store) GetJob(ctx context.Context, queueName, jobID string) (*queue.Job, error) {
	var out *queue.Job
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		j, err := scanJob(tx.QueryRow(ctx,
			`SELECT `+jobColumns+` FROM jobengine_jobs WHERE queue = $1 AND id = $2`, queueName, jobID))
		if pg.IsNotFoundError(err) {
			return s.missing(ctx, tx, queueName, jobID)
		}
		out = j
		return err
	})
	return out, err
}

func (s *Store) ListJobs(ctx context.Context, queueName string, filter queue.ListFilter) ([]*queue.Job, error) {
	states := make([]string, len(filter.States))
	for i, st := range filter.States {
		states[i] = string(st)
	}
	var finishedAfter, limit any
	if !filter.FinishedAfter.IsZero() {
		finishedAfter = filter.FinishedAfter
	}
	if filter.Limit > 0 {
		limit = filter.Limit
	}

	var out []*queue.Job
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := getQueue(ctx, tx, queueName, false); err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `
			SELECT `+jobColumns+` FROM jobengine_jobs
			WHERE queue = $1
				AND (cardinality($3::text[]) = 0 OR `+effectiveState+` = ANY($3::text[]))
				AND ($4::timestamptz IS NULL OR finished_at > $4::timestamptz)
			ORDER BY COALESCE(finished_at, processed_at, created_at) DESC, seq DESC
			LIMIT $5::integer`,
			queueName, s.now(), states, finishedAfter, limit)
		if err != nil {
			return err
		}
		out, err = collectJobs(rows)
		return err
	})
	return out, err
}
