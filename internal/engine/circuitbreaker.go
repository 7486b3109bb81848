package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Circuit breaker states
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half-open"
)

const (
	DefaultFailureThreshold = 5
	DefaultCooldown         = 30 * time.Second
)

// CircuitBreaker tracks consecutive failures per subscription in a Redis hash.
// State transitions: closed → open → half-open → closed
//
// - Closed: attempts flow; failures are counted.
// - Open: attempts are deferred until the cooldown has passed.
// - Half-Open: a single probe attempt is let through. Success closes the
//   circuit, failure re-opens it.
//
// A deferred attempt does not consume a retry; the caller re-queues it.
type CircuitBreaker struct {
	redisClient      *redis.Client
	logger           *slog.Logger
	failureThreshold int
	cooldownPeriod   time.Duration
	now              func() time.Time
}

// CircuitBreakerState is the public view of a subscription's circuit.
type CircuitBreakerState struct {
	State        string `json:"state"`
	Failures     int    `json:"failures"`
	LastFailedAt string `json:"last_failed_at,omitempty"`
}

// NewCircuitBreaker creates a circuit breaker backed by Redis hashes.
func NewCircuitBreaker(redisClient *redis.Client, logger *slog.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		redisClient:      redisClient,
		logger:           logger,
		failureThreshold: DefaultFailureThreshold,
		cooldownPeriod:   DefaultCooldown,
		now:              time.Now,
	}
}

// Cooldown is how long an open circuit defers attempts.
func (cb *CircuitBreaker) Cooldown() time.Duration {
	return cb.cooldownPeriod
}

func cbKey(subscriptionID string) string {
	return fmt.Sprintf("webhook:cb:%s", subscriptionID)
}

// AllowRequest reports whether an attempt against the subscription may run.
// Redis errors fail open.
func (cb *CircuitBreaker) AllowRequest(ctx context.Context, subscriptionID string) (string, bool) {
	key := cbKey(subscriptionID)

	data, err := cb.redisClient.HGetAll(ctx, key).Result()
	if err != nil {
		cb.logger.Error("circuit breaker lookup failed", "error", err, "subscription_id", subscriptionID)
		return StateClosed, true
	}
	if len(data) == 0 {
		return StateClosed, true
	}

	switch data["state"] {
	case StateOpen:
		if !cb.cooledDown(data["last_failed_at"]) {
			return StateOpen, false
		}
		cb.redisClient.HSet(ctx, key, "state", StateHalfOpen)
		cb.logger.Info("circuit breaker half-open", "subscription_id", subscriptionID)
		fallthrough

	case StateHalfOpen:
		// Only the caller that sets the probe flag gets through.
		won, err := cb.redisClient.HSetNX(ctx, key, "probe", 1).Result()
		if err != nil {
			return StateHalfOpen, true
		}
		return StateHalfOpen, won

	default:
		return StateClosed, true
	}
}

// RecordSuccess resets the circuit to closed.
func (cb *CircuitBreaker) RecordSuccess(ctx context.Context, subscriptionID string) {
	key := cbKey(subscriptionID)

	state, _ := cb.redisClient.HGet(ctx, key, "state").Result()

	pipe := cb.redisClient.TxPipeline()
	pipe.HSet(ctx, key, "state", StateClosed, "failures", 0)
	pipe.HDel(ctx, key, "probe")
	if _, err := pipe.Exec(ctx); err != nil {
		cb.logger.Error("failed to record circuit breaker success", "error", err, "subscription_id", subscriptionID)
		return
	}

	if state == StateHalfOpen || state == StateOpen {
		cb.logger.Info("circuit breaker closed (recovered)", "subscription_id", subscriptionID)
	}
}

// RecordFailure counts a failure and opens the circuit at the threshold or
// when a half-open probe fails.
func (cb *CircuitBreaker) RecordFailure(ctx context.Context, subscriptionID string) {
	key := cbKey(subscriptionID)

	failures, err := cb.redisClient.HIncrBy(ctx, key, "failures", 1).Result()
	if err != nil {
		cb.logger.Error("failed to record circuit breaker failure", "error", err, "subscription_id", subscriptionID)
		return
	}

	cb.redisClient.HSet(ctx, key, "last_failed_at", cb.now().Unix())
	cb.redisClient.HDel(ctx, key, "probe")

	state, _ := cb.redisClient.HGet(ctx, key, "state").Result()

	switch {
	case state == StateHalfOpen:
		cb.redisClient.HSet(ctx, key, "state", StateOpen)
		cb.logger.Warn("circuit breaker re-opened (half-open probe failed)", "subscription_id", subscriptionID)
	case state != StateOpen && failures >= int64(cb.failureThreshold):
		cb.redisClient.HSet(ctx, key, "state", StateOpen)
		cb.logger.Warn("circuit breaker opened",
			"subscription_id", subscriptionID,
			"failures", failures,
			"threshold", cb.failureThreshold,
		)
	case state == "":
		cb.redisClient.HSet(ctx, key, "state", StateClosed)
	}
}

// GetState returns the circuit for display. An open circuit past its
// cooldown is reported as half-open.
func (cb *CircuitBreaker) GetState(ctx context.Context, subscriptionID string) CircuitBreakerState {
	data, err := cb.redisClient.HGetAll(ctx, cbKey(subscriptionID)).Result()
	if err != nil || len(data) == 0 {
		return CircuitBreakerState{State: StateClosed}
	}

	failures, _ := strconv.Atoi(data["failures"])
	state := data["state"]
	if state == "" {
		state = StateClosed
	}
	if state == StateOpen && cb.cooledDown(data["last_failed_at"]) {
		state = StateHalfOpen
	}

	result := CircuitBreakerState{State: state, Failures: failures}
	if lastFailed, _ := strconv.ParseInt(data["last_failed_at"], 10, 64); lastFailed > 0 {
		result.LastFailedAt = time.Unix(lastFailed, 0).UTC().Format(time.RFC3339)
	}
	return result
}

// Reset clears the circuit, used when an administrator reactivates a subscription.
func (cb *CircuitBreaker) Reset(ctx context.Context, subscriptionID string) error {
	return cb.redisClient.Del(ctx, cbKey(subscriptionID)).Err()
}

func (cb *CircuitBreaker) cooledDown(lastFailedAt string) bool {
	ts, _ := strconv.ParseInt(lastFailedAt, 10, 64)
	return cb.now().Unix()-ts >= int64(cb.cooldownPeriod.Seconds())
}
