package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisLimiter keeps each identity's window in a sorted set scored by
// millisecond timestamps, so every gateway node shares the same counts.
type RedisLimiter struct {
	client    goredis.Cmdable
	config    Config
	now       func() time.Time
	keyPrefix string
	logger    *zap.Logger
}

var _ Limiter = (*RedisLimiter)(nil)

// admitScript prunes, counts and conditionally records one request atomically.
// KEYS[1] = window sorted set
// ARGV[1] = now (unix ms)
// ARGV[2] = window (ms)
// ARGV[3] = requests per window
// ARGV[4] = burst
// ARGV[5] = unique member
// ARGV[6] = key expiry (ms)
//
// Returns {allowed (1|0), count after the call, capacity, oldest score}.
var admitScript = goredis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local burst = tonumber(ARGV[4])

redis.call("ZREMRANGEBYSCORE", key, "-inf", "(" .. (now - window))
local count = redis.call("ZCARD", key)

local capacity = limit
if count < burst then
    capacity = limit + burst
end

local allowed = 0
if count < capacity then
    redis.call("ZADD", key, now, ARGV[5])
    count = count + 1
    allowed = 1
end
redis.call("PEXPIRE", key, tonumber(ARGV[6]))

local oldest = now
local first = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
if first[2] then
    oldest = tonumber(first[2])
end
return {allowed, count, capacity, oldest}
`)

// NewRedisLimiter wires a limiter over client.
func NewRedisLimiter(client goredis.Cmdable, config Config, options ...Option) (*RedisLimiter, error) {
	if client == nil {
		return nil, ErrMissingClient
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	resolved := newSettings(options)
	return &RedisLimiter{
		client:    client,
		config:    config,
		now:       resolved.now,
		keyPrefix: resolved.keyPrefix,
		logger:    resolved.logger,
	}, nil
}

// Admit runs the admission script. Any Redis failure admits the request and
// marks the decision degraded.
func (limiter *RedisLimiter) Admit(ctx context.Context, identity string) Decision {
	now := limiter.now()
	nowMillis := now.UnixMilli()
	windowMillis := limiter.config.Window.Milliseconds()
	member := fmt.Sprintf("%d-%s", nowMillis, uuid.NewString())
	expiry := (limiter.config.Window + redisExpiryPadding).Milliseconds()

	result, err := admitScript.Run(ctx, limiter.client,
		[]string{limiter.keyPrefix + identity},
		nowMillis, windowMillis, limiter.config.RequestsPerWindow, limiter.config.Burst, member, expiry,
	).Int64Slice()
	if err == nil && len(result) != 4 {
		err = fmt.Errorf("unexpected admit result length %d", len(result))
	}
	if err != nil {
		limiter.logger.Error("rate limit backend unavailable, admitting request",
			zap.String("identity", identity),
			zap.Error(err),
		)
		return Decision{
			Allowed:   true,
			Limit:     limiter.config.RequestsPerWindow,
			Remaining: limiter.config.RequestsPerWindow,
			Degraded:  true,
		}
	}

	allowed := result[0] == 1
	count := int(result[1])
	capacity := int(result[2])
	oldest := time.UnixMilli(result[3])
	wait := oldest.Add(limiter.config.Window).Sub(now)
	decision := Decision{
		Allowed:    allowed,
		Limit:      capacity,
		ResetAfter: wait,
	}
	if allowed {
		decision.Remaining = remaining(capacity, count)
		return decision
	}
	decision.RetryAfter = retryAfter(wait)
	return decision
}
