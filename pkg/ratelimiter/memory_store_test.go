package ratelimiter_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/jobengine/pkg/ratelimiter"
)

func TestMemoryStore_Reserve(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	config := ratelimiter.Config{Limit: 3, Window: time.Second}
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	t.Run("allows up to limit then denies", func(t *testing.T) {
		store := ratelimiter.NewMemoryStore(ratelimiter.WithCleanupInterval(0))
		defer store.Close()

		for i := range 3 {
			res, err := store.Reserve(ctx, "k", base.Add(time.Duration(i)*10*time.Millisecond), config)
			require.NoError(t, err)
			assert.True(t, res.Allowed())
			assert.Equal(t, 2-i, res.Remaining)
			assert.NotEmpty(t, res.Token)
		}

		res, err := store.Reserve(ctx, "k", base.Add(500*time.Millisecond), config)
		require.NoError(t, err)
		assert.False(t, res.Allowed())
		assert.Empty(t, res.Token)
		assert.Equal(t, base.Add(time.Second), res.ResetAt)
	})

	t.Run("hit exactly one window old no longer counts", func(t *testing.T) {
		store := ratelimiter.NewMemoryStore(ratelimiter.WithCleanupInterval(0))
		defer store.Close()

		for range 3 {
			_, err := store.Reserve(ctx, "k", base, config)
			require.NoError(t, err)
		}

		res, err := store.Reserve(ctx, "k", base.Add(time.Second-time.Nanosecond), config)
		require.NoError(t, err)
		assert.False(t, res.Allowed())

		res, err = store.Reserve(ctx, "k", base.Add(time.Second), config)
		require.NoError(t, err)
		assert.True(t, res.Allowed())
	})

	t.Run("release frees a slot", func(t *testing.T) {
		store := ratelimiter.NewMemoryStore(ratelimiter.WithCleanupInterval(0))
		defer store.Close()

		var last ratelimiter.Result
		for range 3 {
			var err error
			last, err = store.Reserve(ctx, "k", base, config)
			require.NoError(t, err)
		}
		require.NoError(t, store.Release(ctx, "k", last.Token))

		res, err := store.Reserve(ctx, "k", base, config)
		require.NoError(t, err)
		assert.True(t, res.Allowed())
	})

	t.Run("keys are independent", func(t *testing.T) {
		store := ratelimiter.NewMemoryStore(ratelimiter.WithCleanupInterval(0))
		defer store.Close()

		for range 3 {
			_, err := store.Reserve(ctx, "a", base, config)
			require.NoError(t, err)
		}
		res, err := store.Reserve(ctx, "b", base, config)
		require.NoError(t, err)
		assert.True(t, res.Allowed())

		require.NoError(t, store.Reset(ctx, "a"))
		res, err = store.Reserve(ctx, "a", base, config)
		require.NoError(t, err)
		assert.True(t, res.Allowed())
	})

	t.Run("concurrent reservations never exceed limit", func(t *testing.T) {
		store := ratelimiter.NewMemoryStore(ratelimiter.WithCleanupInterval(0))
		defer store.Close()

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			allowed int
		)
		for range 50 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := store.Reserve(ctx, "k", base, config)
				if err == nil && res.Allowed() {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 3, allowed)
	})
}
