package ratelimiter_test

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/jobengine/pkg/ratelimiter"
)

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	store := ratelimiter.NewMemoryStore(ratelimiter.WithCleanupInterval(0))
	defer store.Close()

	_, err := ratelimiter.New(store, ratelimiter.Config{Limit: 0, Window: time.Second})
	assert.ErrorIs(t, err, ratelimiter.ErrInvalidConfig)

	_, err = ratelimiter.New(store, ratelimiter.Config{Limit: 1})
	assert.ErrorIs(t, err, ratelimiter.ErrInvalidConfig)

	_, err = ratelimiter.New(nil, ratelimiter.Config{Limit: 1, Window: time.Second})
	assert.ErrorIs(t, err, ratelimiter.ErrInvalidConfig)
}

func TestLimiter_Allow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := ratelimiter.NewMemoryStore(ratelimiter.WithCleanupInterval(0))
	defer store.Close()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter, err := ratelimiter.New(store, ratelimiter.Config{Limit: 2, Window: time.Minute},
		ratelimiter.WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	r1, err := limiter.Allow(ctx, "q")
	require.NoError(t, err)
	assert.True(t, r1.Allowed())

	r2, err := limiter.Allow(ctx, "q")
	require.NoError(t, err)
	assert.True(t, r2.Allowed())

	r3, err := limiter.Allow(ctx, "q")
	require.NoError(t, err)
	assert.False(t, r3.Allowed())
	require.NoError(t, r3.Cancel(ctx))

	require.NoError(t, r2.Cancel(ctx))
	r4, err := limiter.Allow(ctx, "q")
	require.NoError(t, err)
	assert.True(t, r4.Allowed())
}

func TestLimiter_Wait(t *testing.T) {
	t.Parallel()

	t.Run("no more than limit hits in any window", func(t *testing.T) {
		t.Parallel()

		store := ratelimiter.NewMemoryStore(ratelimiter.WithCleanupInterval(0))
		defer store.Close()

		window := 200 * time.Millisecond
		limiter, err := ratelimiter.New(store, ratelimiter.Config{Limit: 5, Window: window})
		require.NoError(t, err)

		var (
			mu    sync.Mutex
			times []time.Time
			wg    sync.WaitGroup
		)
		for range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for range 3 {
					_, err := limiter.Wait(context.Background(), "q")
					if err != nil {
						return
					}
					mu.Lock()
					times = append(times, time.Now())
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		require.Len(t, times, 12)
		sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
		for i := 0; i+5 < len(times); i++ {
			// Recorded after Wait returns, so allow a little scheduling slack.
			assert.GreaterOrEqual(t, times[i+5].Sub(times[i]), window-20*time.Millisecond)
		}
	})

	t.Run("context cancellation", func(t *testing.T) {
		t.Parallel()

		store := ratelimiter.NewMemoryStore(ratelimiter.WithCleanupInterval(0))
		defer store.Close()

		limiter, err := ratelimiter.New(store, ratelimiter.Config{Limit: 1, Window: time.Hour})
		require.NoError(t, err)

		_, err = limiter.Wait(context.Background(), "q")
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		_, err = limiter.Wait(ctx, "q")
		assert.ErrorIs(t, err, ratelimiter.ErrContextCancelled)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
