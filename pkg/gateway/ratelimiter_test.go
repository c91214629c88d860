package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientRateLimiter_Acquire(t *testing.T) {
	t.Run("should allow requests under limit", func(t *testing.T) {
		limiter := NewClientRateLimiter(10, 5)

		for i := 0; i < 5; i++ {
			require.NoError(t, limiter.Acquire())
		}
	})

	t.Run("should reject when concurrent limit exceeded", func(t *testing.T) {
		limiter := NewClientRateLimiter(100, 3)

		for i := 0; i < 3; i++ {
			require.NoError(t, limiter.Acquire())
		}

		assert.ErrorIs(t, limiter.Acquire(), ErrTooManyConcurrent)

		limiter.Release()
		assert.NoError(t, limiter.Acquire())
	})

	t.Run("should reject when rate limit exceeded", func(t *testing.T) {
		limiter := NewClientRateLimiter(5, 10)

		for i := 0; i < 5; i++ {
			require.NoError(t, limiter.Acquire())
			limiter.Release()
		}

		assert.ErrorIs(t, limiter.Acquire(), ErrRateLimited)
	})

	t.Run("should allow requests after the window slides", func(t *testing.T) {
		now := time.Now()
		limiter := NewClientRateLimiter(2, 10)
		limiter.now = func() time.Time { return now }

		for i := 0; i < 2; i++ {
			require.NoError(t, limiter.Acquire())
			limiter.Release()
		}
		assert.ErrorIs(t, limiter.Acquire(), ErrRateLimited)

		now = now.Add(61 * time.Second)
		assert.NoError(t, limiter.Acquire())
	})

	t.Run("should fall back to defaults for non-positive limits", func(t *testing.T) {
		limiter := NewClientRateLimiter(0, -1)
		assert.Equal(t, 60, limiter.requestsPerMinute)
		assert.Equal(t, 10, limiter.maxConcurrent)
	})
}

func TestClientRateLimiter_Stats(t *testing.T) {
	limiter := NewClientRateLimiter(100, 10)

	require.NoError(t, limiter.Acquire())
	require.NoError(t, limiter.Acquire())

	requests, concurrent := limiter.Stats()
	assert.Equal(t, 2, requests)
	assert.Equal(t, 2, concurrent)

	limiter.Release()
	limiter.Release()
	limiter.Release()
	_, concurrent = limiter.Stats()
	assert.Equal(t, 0, concurrent)
}

func TestLimiterSet(t *testing.T) {
	set := newLimiterSet(1, 1)

	a := set.get("10.0.0.1")
	assert.Same(t, a, set.get("10.0.0.1"))
	assert.NotSame(t, a, set.get("10.0.0.2"))
}
