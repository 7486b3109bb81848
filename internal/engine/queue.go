package engine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const DeliveryQueueKey = "webhook:delivery_queue"

// RedisQueue hands delivery ids from the matcher and the sweeper to the
// dispatcher. It is a sorted set scored by ready time in microseconds; the
// member is the delivery id, so enqueueing an id twice keeps one entry.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue creates the delivery queue on the given Redis client.
func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client, key: DeliveryQueueKey}
}

// Enqueue makes ids ready at the given time. An id already queued is moved
// to the new time.
func (q *RedisQueue) Enqueue(ctx context.Context, at time.Time, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	score := float64(at.UnixMicro())
	members := make([]redis.Z, len(ids))
	for i, id := range ids {
		members[i] = redis.Z{Score: score, Member: id}
	}

	if err := q.client.ZAdd(ctx, q.key, members...).Err(); err != nil {
		return fmt.Errorf("queuing deliveries to redis: %w", err)
	}
	return nil
}

// Pop removes and returns up to limit ids that are ready at now. An id is
// only returned to the caller whose ZREM removed it, so concurrent pollers
// never receive the same id.
func (q *RedisQueue) Pop(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ready, err := q.client.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMicro(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("polling delivery queue: %w", err)
	}

	claimed := make([]string, 0, len(ready))
	for _, id := range ready {
		removed, err := q.client.ZRem(ctx, q.key, id).Result()
		if err != nil {
			return claimed, fmt.Errorf("removing %s from queue: %w", id, err)
		}
		if removed == 0 {
			continue
		}
		claimed = append(claimed, id)
	}
	return claimed, nil
}

// Depth returns the number of ids waiting, ready or not.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.key).Result()
}
