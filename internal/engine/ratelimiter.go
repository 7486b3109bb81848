package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RateLimitWindow is the sliding window rateLimitPerSecond is measured over.
const RateLimitWindow = time.Second

// RateLimiter is a per-subscription sliding window limiter. Each admitted
// attempt is a sorted set member scored by its time in milliseconds; a Lua
// script trims, counts and admits atomically.
type RateLimiter struct {
	redisClient *redis.Client
	logger      *slog.Logger
	script      *redis.Script
	now         func() time.Time
}

var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

if redis.call('ZCARD', key) < limit then
    redis.call('ZADD', key, now, member)
    redis.call('PEXPIRE', key, window + 1000)
    return 1
end
return 0
`)

// NewRateLimiter creates a sliding window rate limiter backed by Redis.
func NewRateLimiter(redisClient *redis.Client, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{
		redisClient: redisClient,
		logger:      logger,
		script:      slidingWindowScript,
		now:         time.Now,
	}
}

func rlKey(subscriptionID string) string {
	return fmt.Sprintf("webhook:rl:%s", subscriptionID)
}

// Allow reports whether another attempt against the subscription fits in the
// current window. A limit of zero or less means unlimited; Redis errors fail open.
func (rl *RateLimiter) Allow(ctx context.Context, subscriptionID string, limit int) bool {
	if limit <= 0 {
		return true
	}

	result, err := rl.script.Run(ctx, rl.redisClient, []string{rlKey(subscriptionID)},
		rl.now().UnixMilli(), RateLimitWindow.Milliseconds(), limit, uuid.NewString(),
	).Int64()
	if err != nil {
		rl.logger.Error("rate limiter script failed", "error", err, "subscription_id", subscriptionID)
		return true
	}

	if result == 0 {
		rl.logger.Debug("rate limited", "subscription_id", subscriptionID, "limit", limit)
		return false
	}
	return true
}
