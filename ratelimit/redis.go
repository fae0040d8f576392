package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter shares a sliding window across processes through Redis. The
// check-and-increment path is one Lua script so concurrent callers can never
// push a window past its limit, and a denied request never consumes quota.
// Window expiry rides on key TTLs, so Cleanup has nothing to sweep.
type RedisLimiter struct {
	client redis.Scripter
	prefix string
	logger *slog.Logger

	metrics *Metrics
}

// checkAndIncrScript admits and counts atomically. Returns
// {allowed, remaining, pttlMillis}. PTTL carries resetAt; a fresh window
// gets the full span.
var checkAndIncrScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local windowMs = tonumber(ARGV[2])

local count = tonumber(redis.call('GET', key) or '0')
if count >= limit then
  return {0, 0, redis.call('PTTL', key)}
end

count = redis.call('INCR', key)
if count == 1 then
  redis.call('PEXPIRE', key, windowMs)
end
return {1, limit - count, redis.call('PTTL', key)}
`)

// incrScript counts without checking, opening a fresh window when none
// exists.
var incrScript = redis.NewScript(`
local key = KEYS[1]
local windowMs = tonumber(ARGV[1])
local count = redis.call('INCR', key)
if count == 1 then
  redis.call('PEXPIRE', key, windowMs)
end
return count
`)

// RedisOption configures a RedisLimiter.
type RedisOption func(*RedisLimiter)

// WithRedisLogger sets the limiter's logger.
func WithRedisLogger(logger *slog.Logger) RedisOption {
	return func(l *RedisLimiter) {
		l.logger = logger
	}
}

// WithRedisMetrics sets the limiter's Prometheus metrics.
func WithRedisMetrics(m *Metrics) RedisOption {
	return func(l *RedisLimiter) {
		l.metrics = m
	}
}

// NewRedisLimiter creates a limiter over an existing Redis client. Keys are
// stored under "ratelimit:<key>".
func NewRedisLimiter(client redis.Scripter, opts ...RedisOption) *RedisLimiter {
	l := &RedisLimiter{
		client: client,
		prefix: "ratelimit:",
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *RedisLimiter) redisKey(key string) string {
	return l.prefix + key
}

// Check inspects the window without mutating it.
func (l *RedisLimiter) Check(ctx context.Context, key string, limit int64, window time.Duration) (Decision, error) {
	now := time.Now()

	res, err := checkScript.Run(ctx, l.client, []string{l.redisKey(key)}, limit).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit check %s: %w", key, err)
	}
	allowed, remaining, pttl, err := parseScriptReply(res)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit check %s: %w", key, err)
	}

	if pttl <= 0 {
		// No live window: an increment would open a fresh one.
		return Decision{Allowed: true, Remaining: limit, ResetAt: now.Add(window)}, nil
	}
	return Decision{
		Allowed:   allowed,
		Remaining: remaining,
		ResetAt:   now.Add(time.Duration(pttl) * time.Millisecond),
	}, nil
}

// checkScript reads the window without mutating it. Returns
// {allowed, remaining, pttlMillis}.
var checkScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local count = tonumber(redis.call('GET', key) or '0')
local remaining = limit - count
if remaining < 0 then
  remaining = 0
end
local allowed = 0
if count < limit then
  allowed = 1
end
return {allowed, remaining, redis.call('PTTL', key)}
`)

// Increment counts one request.
func (l *RedisLimiter) Increment(ctx context.Context, key string, window time.Duration) error {
	err := incrScript.Run(ctx, l.client, []string{l.redisKey(key)}, window.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("rate limit increment %s: %w", key, err)
	}
	return nil
}

// CheckAndIncrement atomically admits and counts, or denies without
// counting.
func (l *RedisLimiter) CheckAndIncrement(ctx context.Context, key string, limit int64, window time.Duration) (Decision, error) {
	now := time.Now()

	res, err := checkAndIncrScript.Run(ctx, l.client,
		[]string{l.redisKey(key)}, limit, window.Milliseconds()).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit checkAndIncrement %s: %w", key, err)
	}
	allowed, remaining, pttl, err := parseScriptReply(res)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit checkAndIncrement %s: %w", key, err)
	}

	resetAt := now.Add(window)
	if pttl > 0 {
		resetAt = now.Add(time.Duration(pttl) * time.Millisecond)
	}
	d := Decision{Allowed: allowed, Remaining: remaining, ResetAt: resetAt}
	l.metrics.observe(d)
	return d, nil
}

// Reset deletes the window for a key.
func (l *RedisLimiter) Reset(ctx context.Context, key string) error {
	err := resetScript.Run(ctx, l.client, []string{l.redisKey(key)}).Err()
	if err != nil {
		return fmt.Errorf("rate limit reset %s: %w", key, err)
	}
	return nil
}

var resetScript = redis.NewScript(`return redis.call('DEL', KEYS[1])`)

// Cleanup is a no-op for the Redis backend; key TTLs expire windows.
func (l *RedisLimiter) Cleanup(context.Context) (int, error) {
	return 0, nil
}

func parseScriptReply(res []interface{}) (allowed bool, remaining, pttl int64, err error) {
	if len(res) != 3 {
		return false, 0, 0, fmt.Errorf("unexpected script reply length %d", len(res))
	}
	vals := make([]int64, 3)
	for i, v := range res {
		n, ok := v.(int64)
		if !ok {
			return false, 0, 0, fmt.Errorf("unexpected script reply element %T", v)
		}
		vals[i] = n
	}
	return vals[0] == 1, vals[1], vals[2], nil
}
