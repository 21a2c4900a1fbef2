// Package ratelimit meters API calls per caller with a token bucket kept in
// Redis, so every api replica draws from the same budget.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "pixelcrop:ratelimit"

// takeScript refills the bucket for the time elapsed since the last call and
// then tries to remove ARGV[4] tokens. It returns {allowed, remaining,
// retry_after_ms}.
var takeScript = redis.NewScript(`
local capacity  = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local now_ms    = tonumber(ARGV[3])
local cost      = tonumber(ARGV[4])

local state  = redis.call("HMGET", KEYS[1], "tokens", "updated_ms")
local tokens = tonumber(state[1]) or capacity
local last   = tonumber(state[2]) or now_ms

local refill = math.max(0, now_ms - last) * capacity / window_ms
tokens = math.min(capacity, tokens + refill)

local allowed, wait_ms = 0, 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
else
  wait_ms = math.ceil((cost - tokens) * window_ms / capacity)
end

redis.call("HSET", KEYS[1], "tokens", tokens, "updated_ms", now_ms)
redis.call("PEXPIRE", KEYS[1], 2 * window_ms)
return {allowed, math.floor(tokens), wait_ms}
`)

// Decision is the outcome of one bucket check. RetryAfter is set when the
// request was rejected.
type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// Config sizes every caller's bucket: Capacity tokens, refilled in full over
// Window.
type Config struct {
	Capacity  int
	Window    time.Duration
	KeyPrefix string
}

type Limiter struct {
	rdb      redis.Scripter
	capacity int64
	windowMS int64
	prefix   string
	now      func() time.Time
}

func New(rdb redis.Scripter, cfg Config) (*Limiter, error) {
	switch {
	case rdb == nil:
		return nil, errors.New("redis client is required")
	case cfg.Capacity <= 0:
		return nil, fmt.Errorf("capacity must be positive, got %d", cfg.Capacity)
	case cfg.Window <= 0:
		return nil, fmt.Errorf("window must be positive, got %s", cfg.Window)
	}

	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = defaultKeyPrefix
	}

	return &Limiter{
		rdb:      rdb,
		capacity: int64(cfg.Capacity),
		windowMS: max(cfg.Window.Milliseconds(), 1),
		prefix:   prefix,
		now:      time.Now,
	}, nil
}

func (l *Limiter) Allow(ctx context.Context, subject string) (Decision, error) {
	return l.AllowN(ctx, subject, 1)
}

// AllowN takes cost tokens from subject's bucket. A cost above the bucket
// capacity could never succeed and is reported as an error.
func (l *Limiter) AllowN(ctx context.Context, subject string, cost int) (Decision, error) {
	if cost < 1 {
		return Decision{}, fmt.Errorf("cost must be positive, got %d", cost)
	}
	if int64(cost) > l.capacity {
		return Decision{}, fmt.Errorf("cost %d exceeds bucket capacity %d", cost, l.capacity)
	}

	res, err := takeScript.Run(ctx, l.rdb,
		[]string{l.key(subject)},
		l.capacity, l.windowMS, l.now().UnixMilli(), cost,
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("token bucket: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("token bucket: unexpected reply of %d values", len(res))
	}

	return Decision{
		Allowed:    res[0] == 1,
		Remaining:  res[1],
		RetryAfter: time.Duration(res[2]) * time.Millisecond,
	}, nil
}

func (l *Limiter) key(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "anonymous"
	}
	return l.prefix + ":" + subject
}
