// Package budget caps the total number of upstream calls across all clients
// and all proxy instances within a rolling window. The counter lives in the
// shared store; the proxy holds no authoritative state locally.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gamely/gamely/internal/redis"
	goredis "github.com/redis/go-redis/v9"
)

// counterKey is the fixed store key for the shared call counter.
const counterKey = "external-call-count"

// consumeLua atomically increments the shared counter and arms its expiry
// exactly once, on the increment that takes it from 0 to 1. Re-arming on
// later increments would extend the window on every call, so the TTL is
// never touched again until the key expires.
//
// Returns the post-increment count.
//
// Keys: KEYS[1] = counter key. Args: ARGV[1] = window TTL in seconds.
const consumeLua = `
local count = redis.call('incr', KEYS[1])
if count == 1 then
  redis.call('expire', KEYS[1], tonumber(ARGV[1]))
end
return count
`

var consumeScript = goredis.NewScript(consumeLua)

// Result reports the outcome of one budget consumption.
type Result struct {
	Allowed bool
	Count   int64 // post-increment counter value
	Max     int64 // configured cap
}

// Budget tracks upstream-call consumption against a rolling-window cap.
type Budget struct {
	client redis.Client
	logger *slog.Logger
	src    string
	hash   string
	max    atomic.Int64
	window atomic.Int64 // seconds
}

// New creates a store-backed call budget allowing max calls per window.
func New(client redis.Client, max int64, window time.Duration, logger *slog.Logger) *Budget {
	b := &Budget{
		client: client,
		logger: logger,
		src:    consumeLua,
		hash:   consumeScript.Hash(),
	}
	b.max.Store(max)
	b.window.Store(int64(window.Seconds()))
	return b
}

// SetMax updates the cap and window span. Used by config hot-reload; safe
// to call concurrently with Consume. The new window applies only when the
// counter next restarts from zero.
func (b *Budget) SetMax(max int64, window time.Duration) {
	b.max.Store(max)
	b.window.Store(int64(window.Seconds()))
}

// Consume spends one unit of the shared budget. The increment happens
// before the cap check, so the call that exceeds the cap is still counted
// and not rolled back: the counter overshoots slightly rather than paying
// a second store round-trip. This is an accepted property of the design.
func (b *Budget) Consume(ctx context.Context) (*Result, error) {
	windowSec := b.window.Load()
	if windowSec <= 0 {
		windowSec = int64((24 * time.Hour).Seconds())
	}

	cmd := b.client.EvalSha(ctx, b.hash, []string{counterKey}, windowSec)
	if cmd.Err() != nil && redis.IsNoScriptErr(cmd.Err()) {
		b.logger.Debug("EVALSHA returned NOSCRIPT, falling back to EVAL",
			"key", counterKey, "error", cmd.Err())
		cmd = b.client.Eval(ctx, b.src, []string{counterKey}, windowSec)
	}
	if cmd.Err() != nil {
		return nil, cmd.Err()
	}

	count, err := cmd.Int64()
	if err != nil {
		return nil, fmt.Errorf("reading budget count: %w", err)
	}

	max := b.max.Load()
	return &Result{
		Allowed: max <= 0 || count <= max,
		Count:   count,
		Max:     max,
	}, nil
}
