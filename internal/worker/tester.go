package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Priya8975/webhook-dispatcher/internal/domain"
	"github.com/Priya8975/webhook-dispatcher/internal/websocket"
	"github.com/google/uuid"
)

// TestResult is returned by a connectivity test.
type TestResult struct {
	Success    bool   `json:"success"`
	StatusCode int    `json:"status_code,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Test sends one webhook.test event straight to the subscription URL and
// waits for the result. No delivery record is written and the circuit
// breaker and rate limiter are bypassed, but the subscription counters and
// the breaker see the outcome like any other attempt.
func (d *Deliverer) Test(ctx context.Context, subscriptionID string) (*TestResult, error) {
	sub, err := d.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}

	now := d.now()
	payload, err := json.Marshal(map[string]string{
		"message":         "Test webhook delivery",
		"subscription_id": sub.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding test payload: %w", err)
	}
	ev := domain.Event{
		ID:        uuid.NewString(),
		Type:      domain.EventWebhookTest,
		Payload:   payload,
		EmittedAt: now,
	}

	res := d.send(ctx, sub, ev, "", 1)
	d.recordStats(ctx, sub.ID, res, d.now())
	d.hub.Broadcast(d.feedEvent(websocket.TypeTest, "", sub, ev, 0, res, d.now()))

	result := &TestResult{
		Success:    res.failure == nil,
		StatusCode: res.statusCode,
		DurationMs: res.elapsed.Milliseconds(),
	}
	if res.failure != nil {
		result.Error = res.failure.Error()
	}

	d.logger.Info("connectivity test finished",
		"subscription_id", sub.ID,
		"success", result.Success,
		"status_code", result.StatusCode,
		"response_time_ms", result.DurationMs,
	)
	return result, nil
}
