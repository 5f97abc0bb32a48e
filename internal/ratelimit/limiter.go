// Package ratelimit implements distributed sliding-window rate limiting per
// client identifier, using Redis with a Lua script for atomicity. When the
// store is unreachable or not configured, admission fails open upstream of
// this package.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gamely/gamely/internal/redis"
	goredis "github.com/redis/go-redis/v9"
)

// ErrLimiterClosed is returned when Allow is called after Close.
var ErrLimiterClosed = errors.New("limiter is closed")

// slidingWindowLua is the Lua source for atomic sliding-window admission.
//
// Two fixed counters per client, one for the current window and one for the
// previous, keyed by window index. The effective count weights the previous
// window by the fraction of it still inside the sliding span:
//
//	effective = previous * (1 - elapsed_fraction) + current
//
// Returns {allowed (0|1), effective_count, limit}.
//
// Keys: KEYS[1] = current-window key, KEYS[2] = previous-window key.
// Args: ARGV[1] = limit, ARGV[2] = now (ms), ARGV[3] = window (ms).
const slidingWindowLua = `
local current_key  = KEYS[1]
local previous_key = KEYS[2]
local limit  = tonumber(ARGV[1])
local now    = tonumber(ARGV[2])
local window = tonumber(ARGV[3])

if limit <= 0 then
  return {1, 0, limit}
end

local current  = tonumber(redis.call('get', current_key)) or 0
local previous = tonumber(redis.call('get', previous_key)) or 0

local elapsed = (now % window) / window
local effective = math.floor(previous * (1 - elapsed) + current)

if effective >= limit then
  return {0, effective, limit}
end

local count = redis.call('incr', current_key)
if count == 1 then
  -- Keep the counter alive long enough to serve as "previous" for the
  -- whole of the next window.
  redis.call('pexpire', current_key, window * 2)
end

return {1, effective + 1, limit}
`

// slidingWindowScript computes the SHA1 hash that Redis expects for EVALSHA,
// avoiding a direct crypto/sha1 import in this package.
var slidingWindowScript = goredis.NewScript(slidingWindowLua)

// Result holds the parsed result of a rate-limit check.
type Result struct {
	Allowed    bool
	Remaining  int64         // remaining allowance in the sliding window
	Limit      int64         // configured window limit
	RetryAfter time.Duration // time until the current window rolls over; meaningful only when denied
}

// Limiter performs sliding-window rate limiting against the counter store.
type Limiter struct {
	client    redis.Client
	logger    *slog.Logger
	src       string // Lua source text (for EVAL fallback)
	hash      string // SHA1 hex digest (for EVALSHA)
	limit     atomic.Int64
	windowMs  atomic.Int64
	keyPrefix string
	closed    atomic.Bool
}

// NewLimiter creates a store-backed sliding-window limiter allowing limit
// requests per window per client key.
func NewLimiter(client redis.Client, limit int64, window time.Duration, prefix string, logger *slog.Logger) *Limiter {
	if prefix == "" {
		prefix = "gamely:rl:"
	}
	l := &Limiter{
		client:    client,
		logger:    logger,
		src:       slidingWindowLua,
		hash:      slidingWindowScript.Hash(),
		keyPrefix: prefix,
	}
	l.limit.Store(limit)
	l.windowMs.Store(window.Milliseconds())
	return l
}

// SetLimit updates the window limit and span. Used by config hot-reload;
// safe to call concurrently with Allow.
func (l *Limiter) SetLimit(limit int64, window time.Duration) {
	l.limit.Store(limit)
	l.windowMs.Store(window.Milliseconds())
}

// Allow checks whether the request identified by key should be admitted.
// Uses EVALSHA to run the Lua script atomically on the store, falling back
// to EVAL on NOSCRIPT to load the script.
func (l *Limiter) Allow(ctx context.Context, key string) (*Result, error) {
	if l.closed.Load() {
		return nil, ErrLimiterClosed
	}

	limit := l.limit.Load()
	windowMs := l.windowMs.Load()
	if windowMs <= 0 {
		windowMs = time.Hour.Milliseconds()
	}

	now := time.Now().UnixMilli()
	windowIdx := now / windowMs
	currentKey := fmt.Sprintf("%s%s:%d", l.keyPrefix, key, windowIdx)
	previousKey := fmt.Sprintf("%s%s:%d", l.keyPrefix, key, windowIdx-1)

	cmd, err := l.evalScript(ctx, []string{currentKey, previousKey}, limit, now, windowMs)
	if err != nil {
		return nil, err
	}

	res, err := parseScriptResult(cmd)
	if err != nil {
		return nil, err
	}

	if !res.Allowed {
		res.RetryAfter = time.Duration(windowMs-(now%windowMs)) * time.Millisecond
	}
	return res, nil
}

// evalScript executes the Lua script via EVALSHA, falling back to EVAL on
// NOSCRIPT. This avoids sending the full Lua source on every request.
func (l *Limiter) evalScript(ctx context.Context, keys []string, args ...any) (interface{ Slice() ([]any, error) }, error) {
	cmd := l.client.EvalSha(ctx, l.hash, keys, args...)
	if cmd.Err() != nil && redis.IsNoScriptErr(cmd.Err()) {
		l.logger.Debug("EVALSHA returned NOSCRIPT, falling back to EVAL",
			"key", keys[0], "error", cmd.Err())
		cmd = l.client.Eval(ctx, l.src, keys, args...)
	}
	if cmd.Err() != nil {
		return nil, cmd.Err()
	}
	return cmd, nil
}

// Close marks the limiter as closed. The underlying store client is shared
// with the cache and budget, so it is not closed here.
func (l *Limiter) Close() error {
	l.closed.Store(true)
	return nil
}

// parseScriptResult parses the Lua {allowed, effective_count, limit} response.
func parseScriptResult(cmd interface{ Slice() ([]any, error) }) (*Result, error) {
	arr, err := cmd.Slice()
	if err != nil {
		return nil, fmt.Errorf("reading script result: %w", err)
	}

	if len(arr) != 3 {
		return nil, fmt.Errorf("script returned %d elements, want 3", len(arr))
	}

	allowed, err := toInt64(arr[0])
	if err != nil {
		return nil, fmt.Errorf("parsing allowed: %w", err)
	}

	effective, err := toInt64(arr[1])
	if err != nil {
		return nil, fmt.Errorf("parsing effective count: %w", err)
	}

	limit, err := toInt64(arr[2])
	if err != nil {
		return nil, fmt.Errorf("parsing limit: %w", err)
	}

	remaining := limit - effective
	if remaining < 0 {
		remaining = 0
	}

	return &Result{
		Allowed:   allowed == 1,
		Remaining: remaining,
		Limit:     limit,
	}, nil
}

// toInt64 converts a Redis response value to int64.
func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	default:
		return strconv.ParseInt(fmt.Sprint(v), 10, 64)
	}
}
