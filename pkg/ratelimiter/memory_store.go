package ratelimiter

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type hit struct {
	at    time.Time
	token string
}

// window holds hits ordered by time.
type window struct {
	hits       []hit
	lastAccess time.Time // Used by cleanup to identify stale windows
}

// MemoryStore implements Store with an in-process sliding log per key.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*window
	seq     uint64

	cleanupInterval time.Duration
	staleAfter      time.Duration
	stopCleanup     chan struct{}
	closeOnce       sync.Once
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithCleanupInterval sets the cleanup interval for removing stale windows.
// Set to 0 to disable automatic cleanup.
func WithCleanupInterval(interval time.Duration) MemoryStoreOption {
	return func(ms *MemoryStore) {
		ms.cleanupInterval = interval
	}
}

// NewMemoryStore creates a new in-memory store with optional cleanup.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	ms := &MemoryStore{
		windows:         make(map[string]*window),
		cleanupInterval: 5 * time.Minute,
		staleAfter:      time.Hour,
		stopCleanup:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(ms)
	}

	if ms.cleanupInterval > 0 {
		go ms.cleanup()
	}

	return ms
}

// Reserve implements Store.
func (ms *MemoryStore) Reserve(ctx context.Context, key string, now time.Time, config Config) (Result, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	w, ok := ms.windows[key]
	if !ok {
		w = &window{}
		ms.windows[key] = w
	}
	w.lastAccess = now

	// Drop hits at or before now-Window; the window is (now-Window, now].
	cutoff := now.Add(-config.Window)
	i := 0
	for i < len(w.hits) && !w.hits[i].at.After(cutoff) {
		i++
	}
	w.hits = w.hits[i:]

	if len(w.hits) >= config.Limit {
		return Result{
			Limit:     config.Limit,
			Remaining: -1,
			ResetAt:   w.hits[0].at.Add(config.Window),
		}, nil
	}

	ms.seq++
	h := hit{at: now, token: strconv.FormatUint(ms.seq, 10)}
	w.hits = append(w.hits, h)

	return Result{
		Limit:     config.Limit,
		Remaining: config.Limit - len(w.hits),
		ResetAt:   w.hits[0].at.Add(config.Window),
		Token:     h.token,
	}, nil
}

// Release implements Store.
func (ms *MemoryStore) Release(ctx context.Context, key, token string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	w, ok := ms.windows[key]
	if !ok {
		return nil
	}
	for i, h := range w.hits {
		if h.token == token {
			w.hits = append(w.hits[:i], w.hits[i+1:]...)
			break
		}
	}
	return nil
}

// Reset implements Store.
func (ms *MemoryStore) Reset(ctx context.Context, key string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	delete(ms.windows, key)
	return nil
}

func (ms *MemoryStore) cleanup() {
	ticker := time.NewTicker(ms.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ms.removeStale(time.Now())
		case <-ms.stopCleanup:
			return
		}
	}
}

func (ms *MemoryStore) removeStale(now time.Time) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	for key, w := range ms.windows {
		if now.Sub(w.lastAccess) > ms.staleAfter {
			delete(ms.windows, key)
		}
	}
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (ms *MemoryStore) Close() {
	ms.closeOnce.Do(func() { close(ms.stopCleanup) })
}
