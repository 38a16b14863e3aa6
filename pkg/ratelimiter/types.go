package ratelimiter

import "time"

// Result contains the outcome of a reservation attempt.
type Result struct {
	Limit     int       // Maximum hits allowed per window
	Remaining int       // Hits left in the current window, -1 when denied
	ResetAt   time.Time // When the oldest hit leaves the window
	Token     string    // Identifies the recorded hit; empty when denied
}

// Allowed reports whether the hit was recorded.
func (r *Result) Allowed() bool {
	return r.Remaining >= 0
}

// RetryAfter returns how long to wait before the next attempt can succeed.
// Returns 0 if the hit was allowed.
func (r *Result) RetryAfter() time.Duration {
	if r.Allowed() {
		return 0
	}
	return max(time.Until(r.ResetAt), 0)
}

// Config defines a rolling window: at most Limit hits in any Window-long interval.
type Config struct {
	Limit  int
	Window time.Duration
}
