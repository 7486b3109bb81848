package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Priya8975/webhook-dispatcher/internal/domain"
	"github.com/Priya8975/webhook-dispatcher/internal/engine"
	"github.com/Priya8975/webhook-dispatcher/internal/metrics"
	"github.com/Priya8975/webhook-dispatcher/internal/store"
	"github.com/Priya8975/webhook-dispatcher/internal/websocket"
)

const (
	// maxResponseBody bounds how much of a subscriber response is read.
	maxResponseBody = 1024

	// claimLease must outlast the longest permitted attempt.
	claimLease = time.Duration(domain.MaxTimeoutMs)*time.Millisecond + 30*time.Second

	userAgent = "webhook-dispatcher/1.0"
)

// Deliverer runs delivery attempts against subscriber endpoints and records
// their outcome on the delivery record and the subscription counters.
type Deliverer struct {
	httpClient *http.Client
	store      store.Store
	queue      engine.Enqueuer
	breaker    *engine.CircuitBreaker
	limiter    *engine.RateLimiter
	retry      engine.RetryPolicy
	hub        *websocket.Hub
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
	lease      time.Duration
}

// NewDeliverer creates a deliverer with an HTTP client that does not follow redirects.
func NewDeliverer(
	s store.Store,
	queue engine.Enqueuer,
	breaker *engine.CircuitBreaker,
	limiter *engine.RateLimiter,
	retry engine.RetryPolicy,
	hub *websocket.Hub,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Deliverer {
	return &Deliverer{
		// Per-attempt timeouts come from the subscription, applied through
		// the request context. Redirects are returned as responses.
		httpClient: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		store:   s,
		queue:   queue,
		breaker: breaker,
		limiter: limiter,
		retry:   retry,
		hub:     hub,
		metrics: m,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		lease:   claimLease,
	}
}

// attemptResult is the outcome of one HTTP POST.
type attemptResult struct {
	statusCode int
	body       string
	failure    *domain.DeliveryError
	elapsed    time.Duration
}

// Deliver makes one attempt for the delivery record. Records that are
// terminal, not yet due or leased elsewhere are skipped.
func (d *Deliverer) Deliver(ctx context.Context, deliveryID string) {
	now := d.now()
	rec, err := d.store.ClaimDelivery(ctx, deliveryID, now, now.Add(d.lease))
	if err != nil {
		d.logger.Error("failed to claim delivery", "error", err, "delivery_id", deliveryID)
		return
	}
	if rec == nil {
		d.logger.Debug("delivery not claimable, skipping", "delivery_id", deliveryID)
		return
	}

	sub, err := d.store.GetSubscription(ctx, rec.SubscriptionID)
	if err != nil {
		d.logger.Error("failed to load subscription for delivery",
			"error", err,
			"delivery_id", rec.ID,
			"subscription_id", rec.SubscriptionID,
		)
		d.release(ctx, rec.ID, now)
		return
	}

	// Deactivated subscriptions keep their records untouched.
	if !sub.IsActive {
		d.logger.Debug("subscription inactive, skipping delivery",
			"delivery_id", rec.ID,
			"subscription_id", sub.ID,
		)
		d.release(ctx, rec.ID, now)
		return
	}

	if !d.limiter.Allow(ctx, sub.ID, sub.RateLimitPerSecond) {
		d.deferAttempt(ctx, rec, sub, now.Add(engine.RateLimitWindow), "rate limited")
		return
	}
	if state, ok := d.breaker.AllowRequest(ctx, sub.ID); !ok {
		d.deferAttempt(ctx, rec, sub, now.Add(d.breaker.Cooldown()), "circuit "+state)
		return
	}

	res := d.send(ctx, sub, rec.Event(), rec.ID, rec.Attempts+1)
	d.complete(ctx, rec, sub, res)
}

// send signs and posts the event envelope to the subscription URL.
func (d *Deliverer) send(ctx context.Context, sub *domain.Subscription, ev domain.Event, deliveryID string, attempt int) attemptResult {
	body, err := engine.EncodeEnvelope(ev)
	if err != nil {
		return attemptResult{failure: &domain.DeliveryError{Err: err}}
	}

	ctx, cancel := context.WithTimeout(ctx, sub.Timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return attemptResult{failure: &domain.DeliveryError{Err: fmt.Errorf("creating request: %w", err)}}
	}

	// Static headers go first so the dispatcher's own headers always win.
	for k, v := range sub.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(domain.HeaderSignature, engine.Sign(sub.Secret, body))
	req.Header.Set(domain.HeaderID, sub.ID)
	req.Header.Set(domain.HeaderEvent, ev.Type.String())
	req.Header.Set(domain.HeaderEventID, ev.ID)
	req.Header.Set(domain.HeaderAttempt, strconv.Itoa(attempt))
	req.Header.Set(domain.HeaderTimestamp, ev.EmittedAt.UTC().Format(time.RFC3339Nano))
	if deliveryID != "" {
		req.Header.Set(domain.HeaderDelivery, deliveryID)
	}

	start := time.Now()
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return attemptResult{
			failure: &domain.DeliveryError{Err: err},
			elapsed: time.Since(start),
		}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	res := attemptResult{
		statusCode: resp.StatusCode,
		body:       string(respBody),
		elapsed:    time.Since(start),
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		res.failure = &domain.DeliveryError{StatusCode: resp.StatusCode}
	}
	return res
}

// complete applies the attempt result to the record and the subscription.
func (d *Deliverer) complete(ctx context.Context, rec *domain.DeliveryRecord, sub *domain.Subscription, res attemptResult) {
	now := d.now()
	outcome := metrics.OutcomeDelivered
	eventType := websocket.TypeDelivered

	if res.failure == nil {
		rec.MarkDelivered(res.statusCode, res.body, now)
	} else if err := rec.MarkFailed(res.failure, res.body, now, d.retry.Backoff); err != nil {
		outcome = metrics.OutcomeFailed
		eventType = websocket.TypeFailed
	} else {
		outcome = metrics.OutcomeRetry
		eventType = websocket.TypeRetry
	}

	if err := d.store.SaveDeliveryOutcome(ctx, rec); err != nil {
		if errors.Is(err, store.ErrStale) {
			d.logger.Warn("delivery record already final, discarding outcome",
				"delivery_id", rec.ID,
				"subscription_id", sub.ID,
			)
			return
		}
		d.logger.Error("failed to save delivery outcome",
			"error", err,
			"delivery_id", rec.ID,
			"subscription_id", sub.ID,
		)
		return
	}

	d.recordStats(ctx, sub.ID, res, now)
	d.metrics.ObserveDelivery(rec.EventType.String(), outcome, res.elapsed)
	d.hub.Broadcast(d.feedEvent(eventType, rec.ID, sub, rec.Event(), rec.Attempts, res, now))

	attrs := []any{
		"delivery_id", rec.ID,
		"subscription_id", sub.ID,
		"event_type", rec.EventType,
		"attempts", rec.Attempts,
		"status_code", res.statusCode,
		"response_time_ms", res.elapsed.Milliseconds(),
	}
	switch outcome {
	case metrics.OutcomeDelivered:
		d.logger.Info("delivery successful", attrs...)
	case metrics.OutcomeRetry:
		d.logger.Warn("delivery failed, retry scheduled",
			append(attrs, "error", res.failure.Error(), "next_retry", rec.NextRetry)...)
	default:
		d.logger.Error("delivery failed, retries exhausted",
			append(attrs, "error", res.failure.Error())...)
	}
}

// recordStats updates the subscription counters and the circuit breaker.
func (d *Deliverer) recordStats(ctx context.Context, subscriptionID string, res attemptResult, now time.Time) {
	if res.failure == nil {
		if err := d.store.RecordSuccess(ctx, subscriptionID, now); err != nil {
			d.logger.Error("failed to record success", "error", err, "subscription_id", subscriptionID)
		}
		d.breaker.RecordSuccess(ctx, subscriptionID)
		return
	}

	lastErr := domain.LastError{
		Message:    res.failure.Error(),
		OccurredAt: now,
		StatusCode: res.statusCode,
	}
	if err := d.store.RecordFailure(ctx, subscriptionID, lastErr); err != nil {
		d.logger.Error("failed to record failure", "error", err, "subscription_id", subscriptionID)
	}
	d.breaker.RecordFailure(ctx, subscriptionID)
}

// deferAttempt postpones an attempt without consuming a retry.
func (d *Deliverer) deferAttempt(ctx context.Context, rec *domain.DeliveryRecord, sub *domain.Subscription, until time.Time, reason string) {
	d.release(ctx, rec.ID, until)
	if err := d.queue.Enqueue(ctx, until, rec.ID); err != nil {
		d.logger.Error("failed to requeue deferred delivery, leaving it to the sweeper",
			"error", err,
			"delivery_id", rec.ID,
		)
	}

	d.metrics.ObserveDelivery(rec.EventType.String(), metrics.OutcomeDeferred, 0)
	d.hub.Broadcast(websocket.DeliveryEvent{
		Type:           websocket.TypeDeferred,
		DeliveryID:     rec.ID,
		EventID:        rec.EventID,
		SubscriptionID: sub.ID,
		URL:            sub.URL,
		EventType:      rec.EventType.String(),
		Attempts:       rec.Attempts,
		Error:          reason,
		Timestamp:      d.now(),
	})
	d.logger.Info("delivery deferred",
		"delivery_id", rec.ID,
		"subscription_id", sub.ID,
		"reason", reason,
		"until", until,
	)
}

func (d *Deliverer) release(ctx context.Context, id string, until time.Time) {
	if err := d.store.ReleaseDelivery(ctx, id, until); err != nil {
		d.logger.Error("failed to release delivery lease", "error", err, "delivery_id", id)
	}
}

func (d *Deliverer) feedEvent(typ, deliveryID string, sub *domain.Subscription, ev domain.Event, attempts int, res attemptResult, now time.Time) websocket.DeliveryEvent {
	fe := websocket.DeliveryEvent{
		Type:           typ,
		DeliveryID:     deliveryID,
		EventID:        ev.ID,
		SubscriptionID: sub.ID,
		URL:            sub.URL,
		EventType:      ev.Type.String(),
		Attempts:       attempts,
		StatusCode:     res.statusCode,
		ResponseMs:     res.elapsed.Milliseconds(),
		Timestamp:      now,
	}
	if res.failure != nil {
		fe.Error = res.failure.Error()
	}
	return fe
}
