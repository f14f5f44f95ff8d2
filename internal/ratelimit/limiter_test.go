package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/cipher/pkg/cipher"
)

func setupLimiter(t *testing.T, rule Rule) *Limiter {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	client, err := cipher.NewClient(&redis.Options{Addr: mr.Addr()}, "test-instance")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	limiter, err := New(client, "guess", rule)
	require.NoError(t, err)
	return limiter
}

func TestNewValidatesRule(t *testing.T) {
	_, err := New(nil, "", Rule{Max: 1, Window: time.Second})
	assert.Error(t, err)

	err = Rule{Max: 0, Window: time.Minute}.Validate()
	assert.Error(t, err)

	err = Rule{Max: 5, Window: 0}.Validate()
	assert.Error(t, err)
}

func TestAllow_SlidingWindow(t *testing.T) {
	limiter := setupLimiter(t, Rule{Max: 5, Window: time.Minute})
	ctx := context.Background()
	t0 := time.UnixMilli(1_700_000_000_000)

	for i := 0; i < 5; i++ {
		d, err := limiter.Allow(ctx, "alice", t0.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		assert.True(t, d.Allowed, "call %d should be allowed", i+1)
		assert.Equal(t, 4-i, d.Remaining)
	}

	t.Run("sixth call within the window is rejected", func(t *testing.T) {
		d, err := limiter.Allow(ctx, "alice", t0.Add(10*time.Second))
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, t0.Add(time.Minute), d.ResetAt)
	})

	t.Run("other subjects are independent", func(t *testing.T) {
		d, err := limiter.Allow(ctx, "bob", t0.Add(10*time.Second))
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	})

	t.Run("oldest entry rolls out after the window", func(t *testing.T) {
		d, err := limiter.Allow(ctx, "alice", t0.Add(61*time.Second))
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	})
}

func TestCheck_ReturnsRateLimitedError(t *testing.T) {
	limiter := setupLimiter(t, Rule{Max: 1, Window: time.Minute})
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)

	require.NoError(t, limiter.Check(ctx, "alice", now))

	err := limiter.Check(ctx, "alice", now.Add(time.Second))
	var rl *cipher.RateLimitedError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, now.Add(time.Minute), rl.ResetAt)
	assert.Equal(t, 59*time.Second, rl.RetryAfter(now.Add(time.Second)))
}

func TestAllow_ConcurrentCallersShareTheWindow(t *testing.T) {
	limiter := setupLimiter(t, Rule{Max: 10, Window: time.Minute})
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := limiter.Allow(ctx, "alice", now)
			if err != nil {
				t.Errorf("allow failed: %v", err)
				return
			}
			if d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, allowed)
}

func TestRateLimitedError_Message(t *testing.T) {
	limiter := setupLimiter(t, Rule{Max: 1, Window: time.Minute})
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)

	require.NoError(t, limiter.Check(ctx, "alice", now))
	err := limiter.Check(ctx, "alice", now)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at most 1 guess requests per 1m0s")
}

func TestRelease_ReturnsTheSlot(t *testing.T) {
	limiter := setupLimiter(t, Rule{Max: 2, Window: time.Minute})
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)

	first, err := limiter.Admit(ctx, "alice", now)
	require.NoError(t, err)
	assert.NotEmpty(t, first.Token)
	_, err = limiter.Admit(ctx, "alice", now)
	require.NoError(t, err)

	rejected, err := limiter.Admit(ctx, "alice", now)
	require.Error(t, err)
	assert.Empty(t, rejected.Token, "rejected requests hold no slot")
	require.NoError(t, limiter.Release(ctx, "alice", rejected))

	require.NoError(t, limiter.Release(ctx, "alice", first))
	d, err := limiter.Admit(ctx, "alice", now)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}
