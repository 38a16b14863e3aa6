package pgstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/jobengine/pkg/pg"
	"github.com/dmitrymomot/jobengine/pkg/queue"
)

var _ queue.Store = (*Store)(nil)

var errClosed = fmt.Errorf("%w: postgres store closed", queue.ErrStoreUnavailable)

// Store implements queue.Store on PostgreSQL. Every method runs in a single
// transaction; claims lock candidate rows with FOR UPDATE SKIP LOCKED so any
// number of engine processes can share the tables.
type Store struct {
	pool   *pgxpool.Pool
	now    func() time.Time
	log    *slog.Logger
	closed atomic.Bool
}

// Option configures Store.
type Option func(*Store)

// WithClock replaces the time source used for lifecycle timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger used for background diagnostics.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// New wraps an open pool. The caller keeps ownership of the pool.
func New(pool *pgxpool.Pool, opts ...Option) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: postgres pool is nil", queue.ErrInvalidArgument)
	}
	s := &Store{
		pool: pool,
		now:  time.Now,
		log:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close makes every further call fail with queue.ErrStoreUnavailable.
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

// Ping checks connectivity for health reporting.
func (s *Store) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return errClosed
	}
	return s.wrap(pg.Healthcheck(s.pool)(ctx))
}

// inTx runs fn in a transaction. Errors returned by fn roll it back.
func (s *Store) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	if s.closed.Load() {
		return errClosed
	}
	return s.wrap(pgx.BeginFunc(ctx, s.pool, fn))
}

// wrap maps connectivity failures onto queue.ErrStoreUnavailable and leaves
// domain errors untouched.
func (s *Store) wrap(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, queue.ErrStoreUnavailable) || !pg.IsConnectionError(err) {
		return err
	}
	s.log.Warn("postgres connection failure", slog.String("error", err.Error()))
	return fmt.Errorf("%w: %v", queue.ErrStoreUnavailable, err)
}

const jobColumns = `queue, id, name, payload, priority, state, attempts_made, max_attempts,
	backoff_kind, backoff_base_ms, backoff_max_ms, timeout_ms, run_after, created_at,
	processed_at, finished_at, progress, result, failure_reason, parent_queue, parent_id,
	repeat_key, worker_id, heartbeat_at, cancel_requested`

func scanJob(row pgx.Row) (*queue.Job, error) {
	var (
		j                           queue.Job
		priority                    int
		state, kind                 string
		baseMS, maxMS, timeoutMS    int64
		payload, progress, result   []byte
		parentQueue, parentID, rKey *string
	)
	err := row.Scan(
		&j.Queue, &j.ID, &j.Name, &payload, &priority, &state, &j.AttemptsMade, &j.MaxAttempts,
		&kind, &baseMS, &maxMS, &timeoutMS, &j.RunAfter, &j.CreatedAt,
		&j.ProcessedAt, &j.FinishedAt, &progress, &result, &j.FailureReason, &parentQueue, &parentID,
		&rKey, &j.WorkerID, &j.HeartbeatAt, &j.CancelRequested,
	)
	if err != nil {
		return nil, err
	}

	j.Payload = payload
	j.Result = result
	j.Priority = queue.Priority(priority)
	j.State = queue.JobState(state)
	j.Backoff = queue.Backoff{
		Kind:      queue.BackoffKind(kind),
		BaseDelay: time.Duration(baseMS) * time.Millisecond,
		MaxDelay:  time.Duration(maxMS) * time.Millisecond,
	}
	j.Timeout = time.Duration(timeoutMS) * time.Millisecond
	if parentQueue != nil && parentID != nil {
		j.Parent = &queue.JobRef{Queue: *parentQueue, ID: *parentID}
	}
	if rKey != nil {
		j.RepeatKey = *rKey
	}
	if len(progress) > 0 {
		var p queue.Progress
		if err := sonic.Unmarshal(progress, &p); err != nil {
			return nil, fmt.Errorf("decode progress of %s/%s: %w", j.Queue, j.ID, err)
		}
		j.Progress = &p
	}
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*queue.Job, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*queue.Job, error) {
		return scanJob(row)
	})
}

// jsonArg passes raw JSON as text so NULL stays NULL and jsonb parses the rest.
func jsonArg(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func textArg(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func millis(d time.Duration) int64 {
	return d.Milliseconds()
}
