package ratelimiter

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Limiter enforces a rolling-window limit on hits per key.
type Limiter struct {
	store  Store
	config Config
	now    func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// New creates a rolling-window limiter backed by store.
func New(store Store, config Config, opts ...Option) (*Limiter, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is nil", ErrInvalidConfig)
	}
	if err := config.validate(); err != nil {
		return nil, err
	}

	l := &Limiter{store: store, config: config, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Config returns the limiter's window configuration.
func (l *Limiter) Config() Config {
	return l.config
}

// Reservation is a recorded hit that can be given back with Cancel.
type Reservation struct {
	Result
	key     string
	limiter *Limiter
}

// Cancel releases the hit so it no longer counts against the window.
// Cancelling a denied reservation is a no-op.
func (r *Reservation) Cancel(ctx context.Context) error {
	if r == nil || !r.Allowed() || r.Token == "" {
		return nil
	}
	return r.limiter.store.Release(ctx, r.key, r.Token)
}

// Allow attempts to record a hit without waiting.
func (l *Limiter) Allow(ctx context.Context, key string) (*Reservation, error) {
	res, err := l.store.Reserve(ctx, key, l.now(), l.config)
	if err != nil {
		return nil, err
	}
	return &Reservation{Result: res, key: key, limiter: l}, nil
}

// Wait blocks until a hit can be recorded or ctx is done.
func (l *Limiter) Wait(ctx context.Context, key string) (*Reservation, error) {
	for {
		r, err := l.Allow(ctx, key)
		if err != nil {
			return nil, err
		}
		if r.Allowed() {
			return r, nil
		}

		// Clock skew between processes can put ResetAt in the past.
		wait := max(r.ResetAt.Sub(l.now()), time.Millisecond)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.Join(ErrContextCancelled, ctx.Err())
		case <-timer.C:
		}
	}
}

// Reset clears the window for key.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.store.Reset(ctx, key)
}

func (c Config) validate() error {
	if c.Limit <= 0 {
		return fmt.Errorf("%w: limit must be positive, got %d", ErrInvalidConfig, c.Limit)
	}
	if c.Window <= 0 {
		return fmt.Errorf("%w: window must be positive, got %v", ErrInvalidConfig, c.Window)
	}
	return nil
}
