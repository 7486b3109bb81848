package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Priya8975/webhook-dispatcher/internal/domain"
	"github.com/Priya8975/webhook-dispatcher/internal/metrics"
	"github.com/Priya8975/webhook-dispatcher/internal/store"
	"github.com/google/uuid"
)

// Enqueuer hands delivery ids to the dispatcher.
type Enqueuer interface {
	Enqueue(ctx context.Context, at time.Time, ids ...string) error
}

// EmitResult describes one emission.
type EmitResult struct {
	EventID     string   `json:"event_id"`
	DeliveryIDs []string `json:"delivery_ids"`
}

// Matcher turns emitted events into pending delivery records and hands them
// off for asynchronous delivery. Records are always persisted before the
// hand-off, so a crash in between leaves pending records for the sweeper.
type Matcher struct {
	registry *Registry
	store    store.Store
	queue    Enqueuer
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewMatcher creates a matcher that fans events out to active subscriptions.
func NewMatcher(registry *Registry, s store.Store, queue Enqueuer, m *metrics.Metrics, logger *slog.Logger) *Matcher {
	return &Matcher{
		registry: registry,
		store:    s,
		queue:    queue,
		metrics:  m,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Emit records one delivery per active subscription of eventType. No matching
// subscription is a normal outcome and returns an empty result. Failures of the
// dispatcher itself wrap domain.ErrDispatch; an unknown event type or a
// payload that is not JSON is a *domain.ValidationError.
func (m *Matcher) Emit(ctx context.Context, eventType domain.EventType, payload json.RawMessage) (*EmitResult, error) {
	if !eventType.Valid() {
		return nil, &domain.ValidationError{Field: "event_type", Message: fmt.Sprintf("unknown event type %q", eventType)}
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	} else if !json.Valid(payload) {
		return nil, &domain.ValidationError{Field: "payload", Message: "must be valid JSON"}
	}

	now := m.now()
	ev := domain.Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Payload:   payload,
		EmittedAt: now,
	}
	m.metrics.IncEventEmitted(string(eventType))

	subs, err := m.registry.FindActiveByEventType(ctx, eventType)
	if err != nil {
		return nil, fmt.Errorf("%w: finding subscriptions for %s: %v", domain.ErrDispatch, eventType, err)
	}

	result := &EmitResult{EventID: ev.ID, DeliveryIDs: []string{}}
	if len(subs) == 0 {
		m.logger.Debug("no matching subscriptions", "event_id", ev.ID, "event_type", eventType)
		return result, nil
	}

	for i := range subs {
		rec := domain.NewDeliveryRecord(uuid.NewString(), &subs[i], ev, now)
		if err := m.store.CreateDelivery(ctx, rec); err != nil {
			m.handOff(ctx, ev, result.DeliveryIDs)
			return result, fmt.Errorf("%w: creating delivery for subscription %s: %v", domain.ErrDispatch, subs[i].ID, err)
		}
		result.DeliveryIDs = append(result.DeliveryIDs, rec.ID)
	}

	m.handOff(ctx, ev, result.DeliveryIDs)

	m.logger.Info("fan-out complete",
		"event_id", ev.ID,
		"event_type", eventType,
		"deliveries_queued", len(result.DeliveryIDs),
	)
	return result, nil
}

// handOff enqueues the created records. A failure is logged only: the
// records are already pending and the recovery sweep will pick them up.
func (m *Matcher) handOff(ctx context.Context, ev domain.Event, ids []string) {
	if len(ids) == 0 {
		return
	}
	if err := m.queue.Enqueue(ctx, ev.EmittedAt, ids...); err != nil {
		m.logger.Error("hand-off failed, leaving records for recovery sweep",
			"error", err,
			"event_id", ev.ID,
			"deliveries", len(ids),
		)
	}
}
