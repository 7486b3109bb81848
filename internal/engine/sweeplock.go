package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const sweepLockKey = "webhook:sweep_lock"

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

// SweepLock lets one dispatcher instance run the retry sweep per interval.
type SweepLock struct {
	client *redis.Client
	owner  string
}

// NewSweepLock creates the lock shared by every sweeping instance.
func NewSweepLock(client *redis.Client) *SweepLock {
	return &SweepLock{client: client, owner: uuid.NewString()}
}

// Acquire takes the lock for ttl. It returns false when another instance holds it.
func (l *SweepLock) Acquire(ctx context.Context, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, sweepLockKey, l.owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquiring sweep lock: %w", err)
	}
	return ok, nil
}

// Release drops the lock if this instance still owns it.
func (l *SweepLock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{sweepLockKey}, l.owner).Err(); err != nil {
		return fmt.Errorf("releasing sweep lock: %w", err)
	}
	return nil
}
