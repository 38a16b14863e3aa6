package queue

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"
)

// MemoryStorage implements Store in process memory for tests and single-node
// deployments. Every method takes a single mutex, which makes claims and
// repeat materialization trivially atomic.
type MemoryStorage struct {
	mu      sync.Mutex
	queues  map[string]*memoryQueue
	repeats map[string]*RepeatDefinition
	seq     uint64
	now     func() time.Time
	closed  bool
}

type memoryQueue struct {
	info Queue
	jobs map[string]*memoryJob
}

type memoryJob struct {
	job *Job
	seq uint64
}

// MemoryOption configures MemoryStorage.
type MemoryOption func(*MemoryStorage)

// WithMemoryClock replaces the time source.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStorage) {
		if now != nil {
			s.now = now
		}
	}
}

var errMemoryClosed = fmt.Errorf("%w: memory storage closed", ErrStoreUnavailable)

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage(opts ...MemoryOption) *MemoryStorage {
	s := &MemoryStorage{
		queues:  make(map[string]*memoryQueue),
		repeats: make(map[string]*RepeatDefinition),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close makes every further call fail with ErrStoreUnavailable.
func (s *MemoryStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryStorage) queue(name string) (*memoryQueue, error) {
	if s.closed {
		return nil, errMemoryClosed
	}
	q, ok := s.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}
	return q, nil
}

func (s *MemoryStorage) job(queue, id string) (*memoryQueue, *memoryJob, error) {
	q, err := s.queue(queue)
	if err != nil {
		return nil, nil, err
	}
	mj, ok := q.jobs[id]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s/%s", ErrJobNotFound, queue, id)
	}
	return q, mj, nil
}

// owned returns the active job held by workerID.
func (s *MemoryStorage) owned(queue, id, workerID string) (*memoryQueue, *memoryJob, error) {
	q, mj, err := s.job(queue, id)
	if err != nil {
		return nil, nil, err
	}
	if mj.job.State != StateActive || mj.job.WorkerID != workerID {
		return nil, nil, fmt.Errorf("%w: %s/%s", ErrJobNotOwned, queue, id)
	}
	return q, mj, nil
}

func (s *MemoryStorage) CreateQueue(_ context.Context, name string) (*Queue, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: queue name is empty", ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errMemoryClosed
	}
	if q, ok := s.queues[name]; ok {
		info := q.info
		return &info, nil
	}

	q := &memoryQueue{
		info: Queue{Name: name, CreatedAt: s.now()},
		jobs: make(map[string]*memoryJob),
	}
	s.queues[name] = q
	info := q.info
	return &info, nil
}

func (s *MemoryStorage) GetQueue(_ context.Context, name string) (*Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.queue(name)
	if err != nil {
		return nil, err
	}
	info := q.info
	return &info, nil
}

func (s *MemoryStorage) ListQueues(_ context.Context) ([]*Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errMemoryClosed
	}
	out := make([]*Queue, 0, len(s.queues))
	for _, q := range s.queues {
		info := q.info
		out = append(out, &info)
	}
	slices.SortFunc(out, func(a, b *Queue) int { return cmp.Compare(a.Name, b.Name) })
	return out, nil
}

func (s *MemoryStorage) SetPaused(_ context.Context, queue string, paused bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.queue(queue)
	if err != nil {
		return false, err
	}
	if q.info.Paused == paused {
		return false, nil
	}
	q.info.Paused = paused
	return true, nil
}

func (s *MemoryStorage) Enqueue(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insert(job)
}

func (s *MemoryStorage) EnqueueRepeat(_ context.Context, job *Job) (bool, error) {
	if job == nil || job.RepeatKey == "" {
		return false, fmt.Errorf("%w: repeat job needs a repeat key", ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.queue(job.Queue)
	if err != nil {
		return false, err
	}
	for _, mj := range q.jobs {
		if mj.job.RepeatKey == job.RepeatKey && mj.job.State.Pending() {
			return false, nil
		}
	}
	if err := s.insert(job); err != nil {
		return false, err
	}
	return true, nil
}

func (s *MemoryStorage) insert(job *Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("%w: job needs an id", ErrInvalidArgument)
	}
	q, err := s.queue(job.Queue)
	if err != nil {
		return err
	}
	if _, exists := q.jobs[job.ID]; exists {
		return fmt.Errorf("%w: %s/%s", ErrDuplicateJob, job.Queue, job.ID)
	}
	if job.Parent != nil {
		_, parent, err := s.job(job.Parent.Queue, job.Parent.ID)
		if err != nil {
			return fmt.Errorf("parent %s: %w", job.Parent, err)
		}
		if parent.job.State == StateFailed {
			return fmt.Errorf("%w: %s", ErrParentFailed, job.Parent)
		}
	}

	now := s.now()
	stored := job.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.RunAfter.IsZero() {
		stored.RunAfter = stored.CreatedAt
	}
	stored.State = StateWaiting
	if stored.RunAfter.After(now) {
		stored.State = StateDelayed
	}
	stored.AttemptsMade = 0
	stored.ProcessedAt = nil
	stored.FinishedAt = nil
	stored.WorkerID = ""
	stored.HeartbeatAt = nil
	stored.CancelRequested = false

	s.seq++
	q.jobs[stored.ID] = &memoryJob{job: stored, seq: s.seq}
	*job = *stored.Clone()
	return nil
}

// parentSettled reports whether the parent no longer blocks its child.
// A missing parent was pruned after completing.
func (s *MemoryStorage) parentSettled(ref *JobRef) bool {
	if ref == nil {
		return true
	}
	q, ok := s.queues[ref.Queue]
	if !ok {
		return true
	}
	parent, ok := q.jobs[ref.ID]
	return !ok || parent.job.State == StateCompleted
}

func (s *MemoryStorage) ClaimNext(_ context.Context, queue, workerID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.queue(queue)
	if err != nil {
		return nil, err
	}
	if q.info.Paused {
		return nil, ErrNoJobToClaim
	}

	now := s.now()
	var best *memoryJob
	for _, mj := range q.jobs {
		if mj.job.effectiveState(now) != StateWaiting || !s.parentSettled(mj.job.Parent) {
			continue
		}
		if best == nil || claimOrder(mj, best) < 0 {
			best = mj
		}
	}
	if best == nil {
		return nil, ErrNoJobToClaim
	}

	j := best.job
	if j.State == StateDelayed {
		if err := j.transition(eventPromote, nil); err != nil {
			return nil, err
		}
	}
	if err := j.transition(eventClaim, nil); err != nil {
		return nil, err
	}
	j.AttemptsMade++
	j.ProcessedAt = &now
	j.HeartbeatAt = &now
	j.WorkerID = workerID
	j.CancelRequested = false
	j.Progress = nil
	return j.Clone(), nil
}

func claimOrder(a, b *memoryJob) int {
	if c := cmp.Compare(a.job.Priority, b.job.Priority); c != 0 {
		return c
	}
	if c := a.job.CreatedAt.Compare(b.job.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.seq, b.seq)
}

func (s *MemoryStorage) Heartbeat(_ context.Context, queue, jobID, workerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, mj, err := s.owned(queue, jobID, workerID)
	if err != nil {
		return false, err
	}
	now := s.now()
	mj.job.HeartbeatAt = &now
	return mj.job.CancelRequested, nil
}

func (s *MemoryStorage) UpdateProgress(_ context.Context, queue, jobID string, progress Progress) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, mj, err := s.job(queue, jobID)
	if err != nil {
		return nil, err
	}
	if mj.job.State != StateActive {
		return nil, fmt.Errorf("%w: progress on %s job", ErrInvalidTransition, mj.job.State)
	}
	p := progress.normalized()
	mj.job.Progress = &p
	return mj.job.Clone(), nil
}

func (s *MemoryStorage) Complete(_ context.Context, queue, jobID, workerID string, result json.RawMessage) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, mj, err := s.owned(queue, jobID, workerID)
	if err != nil {
		return nil, err
	}
	j := mj.job
	if err := j.transition(eventComplete, nil); err != nil {
		return nil, err
	}
	now := s.now()
	j.FinishedAt = &now
	j.Result = slices.Clone(result)
	j.FailureReason = ""
	j.HeartbeatAt = nil
	return j.Clone(), nil
}

func (s *MemoryStorage) Fail(_ context.Context, queue, jobID, workerID, reason string, retryable bool) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, mj, err := s.owned(queue, jobID, workerID)
	if err != nil {
		return nil, err
	}
	return s.applyFailure(q, mj, eventFail, reason, retryable)
}

// applyFailure runs the fail or stall transition on an active job.
func (s *MemoryStorage) applyFailure(q *memoryQueue, mj *memoryJob, event jobEvent, reason string, retryable bool) (*Job, error) {
	j := mj.job
	now := s.now()
	j.FailureReason = reason

	if j.CancelRequested {
		children := s.delete(q, mj, now)
		snapshot := j.Clone()
		snapshot.State = StateRemoved
		snapshot.FailedChildren = children
		return snapshot, ErrJobCancelled
	}

	if err := j.transition(event, failure{attemptsMade: j.AttemptsMade, maxAttempts: j.MaxAttempts, retryable: retryable}); err != nil {
		return nil, err
	}
	j.WorkerID = ""
	j.HeartbeatAt = nil
	var children []*Job
	switch j.State {
	case StateDelayed:
		j.RunAfter = now.Add(NextDelay(j.AttemptsMade, j.Backoff))
	case StateFailed:
		j.FinishedAt = &now
		children = s.failChildren(j.Ref(), now)
	}
	snapshot := j.Clone()
	snapshot.FailedChildren = children
	return snapshot, nil
}

func (s *MemoryStorage) RequeueStalled(_ context.Context, queue string, heartbeatBefore time.Time) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.queue(queue)
	if err != nil {
		return nil, err
	}

	var stalled []*memoryJob
	for _, mj := range q.jobs {
		j := mj.job
		if j.State == StateActive && j.HeartbeatAt != nil && j.HeartbeatAt.Before(heartbeatBefore) {
			stalled = append(stalled, mj)
		}
	}
	slices.SortFunc(stalled, func(a, b *memoryJob) int { return cmp.Compare(a.seq, b.seq) })

	out := make([]*Job, 0, len(stalled))
	for _, mj := range stalled {
		j, err := s.applyFailure(q, mj, eventStall, "job stalled", true)
		if err != nil && j == nil {
			return out, err
		}
		out = append(out, j)
	}
	return out, nil
}

func (s *MemoryStorage) Cancel(_ context.Context, queue, jobID string) (*Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, mj, err := s.job(queue, jobID)
	if err != nil {
		return nil, false, err
	}
	j := mj.job
	if j.State == StateActive {
		j.CancelRequested = true
		return j.Clone(), false, nil
	}
	to, err := nextState(j.State, eventCancel, nil)
	if err != nil {
		return nil, false, err
	}
	children := s.delete(q, mj, s.now())
	snapshot := j.Clone()
	snapshot.State = to
	snapshot.FailedChildren = children
	return snapshot, true, nil
}

func (s *MemoryStorage) Retry(_ context.Context, queue, jobID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, mj, err := s.job(queue, jobID)
	if err != nil {
		return nil, err
	}
	j := mj.job
	to, err := nextState(j.State, eventRetry, nil)
	if err != nil {
		return nil, err
	}
	if j.RepeatKey != "" && s.hasPendingRepeat(j) {
		return nil, fmt.Errorf("%w: repeat %s already has a pending job", ErrInvalidTransition, j.RepeatKey)
	}
	j.State = to
	j.MaxAttempts = j.AttemptsMade + 1
	j.FailureReason = ""
	j.FinishedAt = nil
	j.RunAfter = s.now()
	j.Result = nil
	return j.Clone(), nil
}

func (s *MemoryStorage) Remove(_ context.Context, queue, jobID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, mj, err := s.job(queue, jobID)
	if err != nil {
		return nil, err
	}
	if mj.job.State == StateActive {
		return nil, fmt.Errorf("%w: cannot remove active job %s", ErrInvalidTransition, jobID)
	}
	return s.removed(q, mj, s.now()), nil
}

func (s *MemoryStorage) Drain(_ context.Context, queue string) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.queue(queue)
	if err != nil {
		return nil, err
	}
	now := s.now()
	var removed []*memoryJob
	for _, mj := range q.jobs {
		if mj.job.State != StateActive {
			removed = append(removed, mj)
		}
	}
	slices.SortFunc(removed, func(a, b *memoryJob) int { return cmp.Compare(a.seq, b.seq) })

	out := make([]*Job, 0, len(removed))
	for _, mj := range removed {
		out = append(out, s.removed(q, mj, now))
	}
	return out, nil
}

// removed deletes mj and returns its removed snapshot.
func (s *MemoryStorage) removed(q *memoryQueue, mj *memoryJob, now time.Time) *Job {
	children := s.delete(q, mj, now)
	snapshot := mj.job.Clone()
	snapshot.State = StateRemoved
	snapshot.FailedChildren = children
	return snapshot
}

// delete drops a job and fails the children it can no longer unblock.
func (s *MemoryStorage) delete(q *memoryQueue, mj *memoryJob, now time.Time) []*Job {
	delete(q.jobs, mj.job.ID)
	if mj.job.State == StateCompleted {
		return nil
	}
	return s.failChildren(mj.job.Ref(), now)
}

// hasPendingRepeat reports whether another job of j's repeat is pending.
func (s *MemoryStorage) hasPendingRepeat(j *Job) bool {
	q, ok := s.queues[j.Queue]
	if !ok {
		return false
	}
	for _, other := range q.jobs {
		if other.job.ID != j.ID && other.job.RepeatKey == j.RepeatKey && other.job.State.Pending() {
			return true
		}
	}
	return false
}

// failChildren moves the waiting and delayed descendants of parent to failed
// and returns their snapshots.
func (s *MemoryStorage) failChildren(parent JobRef, now time.Time) []*Job {
	var failed []*Job
	for _, q := range s.queues {
		for _, mj := range q.jobs {
			j := mj.job
			if j.Parent == nil || *j.Parent != parent {
				continue
			}
			if err := j.transition(eventParentFailed, nil); err != nil {
				continue
			}
			j.FailureReason = fmt.Sprintf("parent job %s failed", parent.ID)
			finished := now
			j.FinishedAt = &finished
			failed = append(failed, j.Clone())
			failed = append(failed, s.failChildren(j.Ref(), now)...)
		}
	}
	return failed
}

func (s *MemoryStorage) Prune(_ context.Context, queue string, state JobState, olderThan time.Duration, keepLatest int) ([]string, error) {
	if !state.Terminal() {
		return nil, fmt.Errorf("%w: prune only applies to terminal states, got %s", ErrInvalidArgument, state)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.queue(queue)
	if err != nil {
		return nil, err
	}

	var candidates []*memoryJob
	for _, mj := range q.jobs {
		if mj.job.State == state {
			candidates = append(candidates, mj)
		}
	}
	slices.SortFunc(candidates, func(a, b *memoryJob) int {
		if c := b.job.FinishedAt.Compare(*a.job.FinishedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.seq, a.seq)
	})

	now := s.now()
	var removed []string
	for i, mj := range candidates {
		if keepLatest > 0 && i < keepLatest {
			continue
		}
		if olderThan > 0 && now.Sub(*mj.job.FinishedAt) <= olderThan {
			continue
		}
		s.delete(q, mj, now)
		removed = append(removed, mj.job.ID)
	}
	return removed, nil
}

func (s *MemoryStorage) Counts(_ context.Context, queue string) (Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.queue(queue)
	if err != nil {
		return Counts{}, err
	}
	now := s.now()
	var c Counts
	for _, mj := range q.jobs {
		switch mj.job.effectiveState(now) {
		case StateWaiting:
			if q.info.Paused {
				c.Paused++
			} else {
				c.Waiting++
			}
		case StateActive:
			c.Active++
		case StateDelayed:
			c.Delayed++
		case StateCompleted:
			c.Completed++
		case StateFailed:
			c.Failed++
		}
	}
	return c, nil
}

func (s *MemoryStorage) GetJob(_ context.Context, queue, jobID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, mj, err := s.job(queue, jobID)
	if err != nil {
		return nil, err
	}
	return mj.job.Clone(), nil
}

func (s *MemoryStorage) ListJobs(_ context.Context, queue string, filter ListFilter) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.queue(queue)
	if err != nil {
		return nil, err
	}
	now := s.now()
	var matched []*memoryJob
	for _, mj := range q.jobs {
		if filter.matches(mj.job, now) {
			matched = append(matched, mj)
		}
	}
	slices.SortFunc(matched, func(a, b *memoryJob) int {
		if c := b.job.sortTime().Compare(a.job.sortTime()); c != 0 {
			return c
		}
		return cmp.Compare(b.seq, a.seq)
	})
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}

	out := make([]*Job, len(matched))
	for i, mj := range matched {
		out[i] = mj.job.Clone()
	}
	return out, nil
}

func (s *MemoryStorage) SaveRepeat(_ context.Context, def *RepeatDefinition) error {
	if def == nil || def.Key == "" {
		return fmt.Errorf("%w: repeat definition needs a key", ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.queue(def.Queue); err != nil {
		return err
	}
	stored := *def
	if existing, ok := s.repeats[def.Key]; ok && !existing.CreatedAt.IsZero() {
		stored.CreatedAt = existing.CreatedAt
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	stored.Template.Payload = slices.Clone(def.Template.Payload)
	s.repeats[def.Key] = &stored
	def.CreatedAt = stored.CreatedAt
	return nil
}

func (s *MemoryStorage) repeat(key string) (*RepeatDefinition, error) {
	if s.closed {
		return nil, errMemoryClosed
	}
	def, ok := s.repeats[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRepeatNotFound, key)
	}
	return def, nil
}

func cloneRepeat(def *RepeatDefinition) *RepeatDefinition {
	c := *def
	c.Template.Payload = slices.Clone(def.Template.Payload)
	return &c
}

func (s *MemoryStorage) GetRepeat(_ context.Context, key string) (*RepeatDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, err := s.repeat(key)
	if err != nil {
		return nil, err
	}
	return cloneRepeat(def), nil
}

func (s *MemoryStorage) ListRepeats(_ context.Context) ([]*RepeatDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errMemoryClosed
	}
	out := make([]*RepeatDefinition, 0, len(s.repeats))
	for _, def := range s.repeats {
		out = append(out, cloneRepeat(def))
	}
	slices.SortFunc(out, func(a, b *RepeatDefinition) int { return cmp.Compare(a.Key, b.Key) })
	return out, nil
}

func (s *MemoryStorage) AdvanceRepeat(_ context.Context, key string, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, err := s.repeat(key)
	if err != nil {
		return err
	}
	def.NextRunAt = next
	return nil
}

func (s *MemoryStorage) RemoveRepeat(_ context.Context, key string) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, err := s.repeat(key)
	if err != nil {
		return nil, err
	}
	delete(s.repeats, key)

	q, ok := s.queues[def.Queue]
	if !ok {
		return nil, nil
	}
	now := s.now()
	var removed []*Job
	for _, mj := range q.jobs {
		if mj.job.RepeatKey == key && (mj.job.State == StateWaiting || mj.job.State == StateDelayed) {
			removed = append(removed, s.removed(q, mj, now))
		}
	}
	slices.SortFunc(removed, func(a, b *Job) int { return cmp.Compare(a.ID, b.ID) })
	return removed, nil
}
