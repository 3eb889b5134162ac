package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript refills and consumes a bucket atomically.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = cost
// ARGV[4] = now (unix seconds, microsecond precision)
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
local wait = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
else
    wait = (cost - tokens) / rate
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return {allowed, tostring(wait)}
`)

// Redis is a token bucket shared by every process using the same key.
type Redis struct {
	client redis.Scripter
	key    string
	policy Policy
	now    func() time.Time
}

func NewRedis(client redis.Scripter, key string, p Policy) *Redis {
	return &Redis{
		client: client,
		key:    "limiter:" + key,
		policy: p.normalized(),
		now:    time.Now,
	}
}

// Allow takes one token if available and reports how long to wait otherwise.
func (r *Redis) Allow(ctx context.Context) (bool, time.Duration, error) {
	now := float64(r.now().UnixMicro()) / 1e6
	res, err := tokenBucketScript.Run(ctx, r.client, []string{r.key}, r.policy.PerSecond, r.policy.Burst, 1, now).Result()
	if err != nil {
		return false, 0, fmt.Errorf("redis limiter: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, 0, fmt.Errorf("redis limiter: unexpected script result %v", res)
	}
	allowed, _ := results[0].(int64)
	var wait time.Duration
	if s, ok := results[1].(string); ok {
		var secs float64
		if _, err := fmt.Sscan(s, &secs); err == nil {
			wait = time.Duration(secs * float64(time.Second))
		}
	}
	return allowed == 1, wait, nil
}

func (r *Redis) Wait(ctx context.Context) error {
	for {
		ok, wait, err := r.Allow(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
