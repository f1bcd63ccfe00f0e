package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript implements a greedy token bucket: tokens accrue
// continuously at capacity/window, state lives in one hash per
// (principal, class) pair, and check-and-decrement is atomic in Redis.
//
// KEYS[1] bucket key
// ARGV[1] capacity, ARGV[2] window in ms, ARGV[3] now in ms, ARGV[4] cost
// Returns {allowed, remaining, reset_ms}.
var tokenBucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
  tokens = capacity
  ts = now
end

local elapsed = now - ts
if elapsed > 0 then
  tokens = math.min(capacity, tokens + elapsed * capacity / window)
end

local allowed = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
end

redis.call('HSET', KEYS[1], 'tokens', tokens, 'ts', now)
redis.call('PEXPIRE', KEYS[1], window * 2)

local reset = 0
if tokens < capacity then
  reset = math.ceil((capacity - tokens) * window / capacity)
end

return {allowed, math.floor(tokens), reset}
`)

// RedisLimiter enforces shared budgets through a Redis-side token bucket.
type RedisLimiter struct {
	client  redis.Scripter
	budgets map[Class]Budget
	now     func() time.Time
}

func NewRedisLimiter(client redis.Scripter, budgets map[Class]Budget) *RedisLimiter {
	if budgets == nil {
		budgets = DefaultBudgets
	}
	return &RedisLimiter{client: client, budgets: budgets, now: time.Now}
}

func bucketKey(principal string, class Class) string {
	return fmt.Sprintf("ratelimit:{%s}:%s", principal, class)
}

func (l *RedisLimiter) Allow(ctx context.Context, principal string, class Class) (Decision, error) {
	budget, ok := l.budgets[class]
	if !ok {
		// Unbudgeted classes are not limited.
		return Decision{Allowed: true, Limit: -1, Remaining: -1}, nil
	}

	res, err := tokenBucketScript.Run(ctx, l.client,
		[]string{bucketKey(principal, class)},
		budget.Capacity,
		budget.Window.Milliseconds(),
		l.now().UnixMilli(),
		1,
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit check: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("rate limit check: unexpected reply length %d", len(res))
	}

	return Decision{
		Allowed:   res[0] == 1,
		Limit:     budget.Capacity,
		Remaining: res[1],
		Reset:     time.Duration(res[2]) * time.Millisecond,
	}, nil
}
