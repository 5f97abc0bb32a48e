package ratelimit

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gamely/gamely/internal/config"
	"github.com/gamely/gamely/internal/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.Default()

func newTestRedisClient(t *testing.T) (redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := redis.NewClient(config.RedisConfig{
		Endpoints: []string{mr.Addr()},
		Mode:      config.RedisModeSingle,
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestNewLimiter(t *testing.T) {
	t.Run("creates limiter with correct parameters", func(t *testing.T) {
		client, _ := newTestRedisClient(t)
		l := NewLimiter(client, 5, time.Hour, "rl:test:", testLogger)

		assert.NotNil(t, l)
		assert.Equal(t, int64(5), l.limit.Load())
		assert.Equal(t, time.Hour.Milliseconds(), l.windowMs.Load())
		assert.Equal(t, "rl:test:", l.keyPrefix)
		assert.NotEmpty(t, l.src)
		assert.NotEmpty(t, l.hash)
	})

	t.Run("defaults the key prefix when empty", func(t *testing.T) {
		client, _ := newTestRedisClient(t)
		l := NewLimiter(client, 5, time.Hour, "", testLogger)
		assert.Equal(t, "gamely:rl:", l.keyPrefix)
	})
}

func TestLimiterAllow(t *testing.T) {
	t.Run("allows requests within the limit", func(t *testing.T) {
		client, _ := newTestRedisClient(t)
		l := NewLimiter(client, 5, time.Hour, "rl:test:", testLogger)

		for i := 0; i < 5; i++ {
			result, err := l.Allow(context.Background(), "1.2.3.4")
			require.NoError(t, err)
			assert.True(t, result.Allowed, "request %d should be allowed", i)
		}
	})

	t.Run("denies the request after the limit", func(t *testing.T) {
		client, _ := newTestRedisClient(t)
		l := NewLimiter(client, 3, time.Hour, "rl:test:", testLogger)

		for i := 0; i < 3; i++ {
			result, err := l.Allow(context.Background(), "1.2.3.4")
			require.NoError(t, err)
			assert.True(t, result.Allowed)
		}

		result, err := l.Allow(context.Background(), "1.2.3.4")
		require.NoError(t, err)
		assert.False(t, result.Allowed)
		assert.Equal(t, int64(0), result.Remaining)
		assert.Greater(t, result.RetryAfter, time.Duration(0))
		assert.LessOrEqual(t, result.RetryAfter, time.Hour)
	})

	t.Run("remaining allowance decreases per call", func(t *testing.T) {
		client, _ := newTestRedisClient(t)
		l := NewLimiter(client, 3, time.Hour, "rl:test:", testLogger)

		result, err := l.Allow(context.Background(), "1.2.3.4")
		require.NoError(t, err)
		assert.Equal(t, int64(2), result.Remaining)

		result, err = l.Allow(context.Background(), "1.2.3.4")
		require.NoError(t, err)
		assert.Equal(t, int64(1), result.Remaining)
	})

	t.Run("works after Redis data is flushed", func(t *testing.T) {
		client, mr := newTestRedisClient(t)
		l := NewLimiter(client, 5, time.Hour, "rl:test:", testLogger)

		result, err := l.Allow(context.Background(), "1.2.3.4")
		require.NoError(t, err)
		assert.True(t, result.Allowed)

		// Flush all data and scripts.
		mr.FlushAll()

		// Should still work — EVAL re-executes the script.
		result, err = l.Allow(context.Background(), "1.2.3.4")
		require.NoError(t, err)
		assert.True(t, result.Allowed)
	})

	t.Run("different clients have independent windows", func(t *testing.T) {
		client, _ := newTestRedisClient(t)
		l := NewLimiter(client, 2, time.Hour, "rl:test:", testLogger)

		for i := 0; i < 2; i++ {
			result, err := l.Allow(context.Background(), "10.0.0.1")
			require.NoError(t, err)
			assert.True(t, result.Allowed)
		}
		result, err := l.Allow(context.Background(), "10.0.0.1")
		require.NoError(t, err)
		assert.False(t, result.Allowed)

		result, err = l.Allow(context.Background(), "10.0.0.2")
		require.NoError(t, err)
		assert.True(t, result.Allowed)
	})

	t.Run("counters survive store TTL expiry sweeps inside the window", func(t *testing.T) {
		client, mr := newTestRedisClient(t)
		l := NewLimiter(client, 10, time.Hour, "rl:test:", testLogger)

		for i := 0; i < 10; i++ {
			result, err := l.Allow(context.Background(), "1.2.3.4")
			require.NoError(t, err)
			assert.True(t, result.Allowed)
		}

		// Window counters carry a 2x-window TTL so they can serve as the
		// "previous" bucket for the whole of the next window.
		mr.FastForward(time.Hour)

		result, err := l.Allow(context.Background(), "1.2.3.4")
		require.NoError(t, err)
		assert.False(t, result.Allowed, "counts must persist across a one-window sweep")
	})

	t.Run("zero limit admits everything", func(t *testing.T) {
		client, _ := newTestRedisClient(t)
		l := NewLimiter(client, 0, time.Hour, "rl:test:", testLogger)

		result, err := l.Allow(context.Background(), "1.2.3.4")
		require.NoError(t, err)
		assert.True(t, result.Allowed)
	})

	t.Run("returns error when store is unreachable", func(t *testing.T) {
		client, mr := newTestRedisClient(t)
		l := NewLimiter(client, 5, time.Hour, "rl:test:", testLogger)

		mr.Close()

		_, err := l.Allow(context.Background(), "1.2.3.4")
		require.Error(t, err)
		assert.True(t, redis.IsConnectivityErr(err))
	})
}

func TestLimiterSetLimit(t *testing.T) {
	t.Run("new limit applies to subsequent checks", func(t *testing.T) {
		client, _ := newTestRedisClient(t)
		l := NewLimiter(client, 1, time.Hour, "rl:test:", testLogger)

		result, err := l.Allow(context.Background(), "1.2.3.4")
		require.NoError(t, err)
		assert.True(t, result.Allowed)

		result, err = l.Allow(context.Background(), "1.2.3.4")
		require.NoError(t, err)
		assert.False(t, result.Allowed)

		l.SetLimit(100, time.Hour)

		result, err = l.Allow(context.Background(), "1.2.3.4")
		require.NoError(t, err)
		assert.True(t, result.Allowed, "raised limit should admit the client again")
	})
}

func TestLimiterClose(t *testing.T) {
	t.Run("Allow returns ErrLimiterClosed after Close", func(t *testing.T) {
		client, _ := newTestRedisClient(t)
		l := NewLimiter(client, 5, time.Hour, "rl:test:", testLogger)

		require.NoError(t, l.Close())

		_, err := l.Allow(context.Background(), "1.2.3.4")
		assert.ErrorIs(t, err, ErrLimiterClosed)
	})

	t.Run("Close does not close the shared store client", func(t *testing.T) {
		client, _ := newTestRedisClient(t)
		l := NewLimiter(client, 5, time.Hour, "rl:test:", testLogger)

		require.NoError(t, l.Close())
		assert.NoError(t, client.Ping(context.Background()).Err())
	})
}

func TestToInt64(t *testing.T) {
	tests := []struct {
		in   any
		want int64
	}{
		{int64(7), 7},
		{int(7), 7},
		{float64(7.9), 7},
		{"7", 7},
	}
	for _, tt := range tests {
		got, err := toInt64(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := toInt64("not-a-number")
	assert.Error(t, err)
}
