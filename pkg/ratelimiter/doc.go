// Package ratelimiter provides rolling-window rate limiting with in-memory and
// Redis storage.
//
// A Limiter allows at most Config.Limit hits per key in any interval of length
// Config.Window. Unlike a token bucket there is no burst refill: every recorded
// hit counts until it is Window old.
//
// # Basic Usage
//
//	store := ratelimiter.NewMemoryStore()
//	defer store.Close()
//
//	limiter, err := ratelimiter.New(store, ratelimiter.Config{Limit: 10, Window: time.Second})
//	if err != nil {
//		return err
//	}
//
//	// Block until the key has room in its window.
//	r, err := limiter.Wait(ctx, "emails")
//	if err != nil {
//		return err
//	}
//
//	// Give the hit back if the guarded work did not happen.
//	if nothingToDo {
//		_ = r.Cancel(ctx)
//	}
//
// # Storage
//
// MemoryStore keeps a sliding log per key guarded by a mutex and removes idle
// keys in the background. RedisStore keeps the log in a sorted set and updates
// it with a Lua script, so several processes share one window.
package ratelimiter
