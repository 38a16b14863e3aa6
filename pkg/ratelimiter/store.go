package ratelimiter

import (
	"context"
	"time"
)

// Store defines the interface for rolling-window storage backends.
// Implementations must count hits in the half-open interval (now-Window, now]
// and record a new hit only when that count is below Limit, atomically.
type Store interface {
	// Reserve records a hit for key at now when the window has room.
	// A denied attempt returns Remaining == -1 and the time the window frees up.
	Reserve(ctx context.Context, key string, now time.Time, config Config) (Result, error)

	// Release removes a previously recorded hit identified by token.
	Release(ctx context.Context, key, token string) error

	// Reset clears all hits recorded for key.
	Reset(ctx context.Context, key string) error
}
