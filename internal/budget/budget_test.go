package budget

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

func newTestBudget(t *testing.T, max int64, window time.Duration) (*Budget, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := redis.NewClient(config.RedisConfig{
		Endpoints: []string{mr.Addr()},
		Mode:      config.RedisModeSingle,
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return New(client, max, window, slog.Default()), mr
}

func TestConsume(t *testing.T) {
	t.Run("allows calls up to the cap", func(t *testing.T) {
		b, _ := newTestBudget(t, 3, 24*time.Hour)

		for i := int64(1); i <= 3; i++ {
			res, err := b.Consume(context.Background())
			require.NoError(t, err)
			assert.True(t, res.Allowed, "call %d should be within budget", i)
			assert.Equal(t, i, res.Count)
		}
	})

	t.Run("rejects the call after the cap but still counts it", func(t *testing.T) {
		b, mr := newTestBudget(t, 2, 24*time.Hour)

		for i := 0; i < 2; i++ {
			res, err := b.Consume(context.Background())
			require.NoError(t, err)
			assert.True(t, res.Allowed)
		}

		res, err := b.Consume(context.Background())
		require.NoError(t, err)
		assert.False(t, res.Allowed)
		assert.Equal(t, int64(3), res.Count, "over-cap call is counted, not rolled back")

		got, err := mr.Get(counterKey)
		require.NoError(t, err)
		assert.Equal(t, "3", got)
	})

	t.Run("arms the expiry exactly once", func(t *testing.T) {
		b, mr := newTestBudget(t, 100, 24*time.Hour)

		_, err := b.Consume(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 24*time.Hour, mr.TTL(counterKey), "first increment arms the window")

		// Later increments must not extend the window.
		mr.FastForward(time.Hour)
		_, err = b.Consume(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 23*time.Hour, mr.TTL(counterKey))
	})

	t.Run("counter resets after the window expires", func(t *testing.T) {
		b, mr := newTestBudget(t, 1, 24*time.Hour)

		res, err := b.Consume(context.Background())
		require.NoError(t, err)
		assert.True(t, res.Allowed)

		res, err = b.Consume(context.Background())
		require.NoError(t, err)
		assert.False(t, res.Allowed)

		mr.FastForward(24*time.Hour + time.Second)

		res, err = b.Consume(context.Background())
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, int64(1), res.Count, "expired counter restarts from zero")
	})

	t.Run("zero cap disables the budget", func(t *testing.T) {
		b, _ := newTestBudget(t, 0, 24*time.Hour)

		for i := 0; i < 10; i++ {
			res, err := b.Consume(context.Background())
			require.NoError(t, err)
			assert.True(t, res.Allowed)
		}
	})

	t.Run("works after store scripts are flushed", func(t *testing.T) {
		b, mr := newTestBudget(t, 10, 24*time.Hour)

		_, err := b.Consume(context.Background())
		require.NoError(t, err)

		mr.FlushAll()

		res, err := b.Consume(context.Background())
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, int64(1), res.Count)
	})

	t.Run("returns error when store is unreachable", func(t *testing.T) {
		b, mr := newTestBudget(t, 10, 24*time.Hour)
		mr.Close()

		_, err := b.Consume(context.Background())
		require.Error(t, err)
		assert.True(t, redis.IsConnectivityErr(err))
	})
}

func TestSetMax(t *testing.T) {
	t.Run("raised cap admits subsequent calls", func(t *testing.T) {
		b, _ := newTestBudget(t, 1, 24*time.Hour)

		res, err := b.Consume(context.Background())
		require.NoError(t, err)
		assert.True(t, res.Allowed)

		res, err = b.Consume(context.Background())
		require.NoError(t, err)
		assert.False(t, res.Allowed)

		b.SetMax(100, 24*time.Hour)

		res, err = b.Consume(context.Background())
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	})
}
