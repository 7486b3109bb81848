package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/Priya8975/webhook-dispatcher/internal/domain"
)

// MemoryStore keeps everything in process memory. It backs local development
// and tests; expiry is evaluated against the injected clock.
type MemoryStore struct {
	mu            sync.Mutex
	subscriptions map[string]*domain.Subscription
	deliveries    map[string]*domain.DeliveryRecord
	now           func() time.Time
}

// NewMemoryStore creates an empty store. A nil clock means time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryStore{
		subscriptions: make(map[string]*domain.Subscription),
		deliveries:    make(map[string]*domain.DeliveryRecord),
		now:           now,
	}
}

func (s *MemoryStore) CreateSubscription(_ context.Context, sub *domain.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.subscriptions[sub.ID]; exists {
		return fmt.Errorf("subscription %s already exists", sub.ID)
	}
	s.subscriptions[sub.ID] = cloneSubscription(sub)
	return nil
}

func (s *MemoryStore) GetSubscription(_ context.Context, id string) (*domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneSubscription(sub), nil
}

func (s *MemoryStore) ListSubscriptions(_ context.Context) ([]domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := make([]domain.Subscription, 0, len(s.subscriptions))
	for _, sub := range s.subscriptions {
		subs = append(subs, *cloneSubscription(sub))
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].CreatedAt.After(subs[j].CreatedAt) })
	return subs, nil
}

func (s *MemoryStore) UpdateSubscription(_ context.Context, sub *domain.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.subscriptions[sub.ID]
	if !ok {
		return domain.ErrNotFound
	}
	cur.Name = sub.Name
	cur.URL = sub.URL
	cur.Secret = sub.Secret
	cur.EventTypes = slices.Clone(sub.EventTypes)
	cur.RetryAttempts = sub.RetryAttempts
	cur.TimeoutMs = sub.TimeoutMs
	cur.RateLimitPerSecond = sub.RateLimitPerSecond
	cur.Headers = maps.Clone(sub.Headers)
	cur.UpdatedAt = sub.UpdatedAt
	return nil
}

func (s *MemoryStore) SetSubscriptionActive(_ context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[id]
	if !ok {
		return domain.ErrNotFound
	}
	sub.IsActive = active
	sub.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) FindActiveByEventType(_ context.Context, eventType domain.EventType) ([]domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var subs []domain.Subscription
	for _, sub := range s.subscriptions {
		if sub.IsActive && sub.Subscribes(eventType) {
			subs = append(subs, *cloneSubscription(sub))
		}
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].CreatedAt.Before(subs[j].CreatedAt) })
	return subs, nil
}

func (s *MemoryStore) RecordSuccess(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[id]
	if !ok {
		return domain.ErrNotFound
	}
	sub.Stats.TotalTriggers++
	sub.Stats.SuccessfulTriggers++
	sub.Stats.LastTriggered = &at
	sub.Stats.LastError = nil
	return nil
}

func (s *MemoryStore) RecordFailure(_ context.Context, id string, lastErr domain.LastError) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[id]
	if !ok {
		return domain.ErrNotFound
	}
	at := lastErr.OccurredAt
	sub.Stats.TotalTriggers++
	sub.Stats.FailedTriggers++
	sub.Stats.LastTriggered = &at
	sub.Stats.LastError = &lastErr
	return nil
}

func (s *MemoryStore) SubscriptionStatistics(_ context.Context) (*domain.Statistics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st domain.Statistics
	for _, sub := range s.subscriptions {
		st.Total++
		if sub.IsActive {
			st.Active++
		} else {
			st.Inactive++
		}
		st.TotalTriggers += sub.Stats.TotalTriggers
		st.TotalSuccess += sub.Stats.SuccessfulTriggers
		st.TotalFailures += sub.Stats.FailedTriggers
	}
	st.SuccessRate = domain.SuccessRate(st.TotalSuccess, st.TotalTriggers)
	return &st, nil
}

func (s *MemoryStore) CreateDelivery(_ context.Context, rec *domain.DeliveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subscriptions[rec.SubscriptionID]; !ok {
		return fmt.Errorf("subscription %s: %w", rec.SubscriptionID, domain.ErrNotFound)
	}
	if _, exists := s.deliveries[rec.ID]; exists {
		return fmt.Errorf("delivery %s already exists", rec.ID)
	}
	s.deliveries[rec.ID] = cloneDelivery(rec)
	return nil
}

func (s *MemoryStore) GetDelivery(_ context.Context, id string) (*domain.DeliveryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.liveDelivery(id)
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneDelivery(rec), nil
}

func (s *MemoryStore) ListDeliveries(_ context.Context, filter DeliveryFilter) ([]domain.DeliveryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := []domain.DeliveryRecord{}
	for _, rec := range s.deliveries {
		if rec.Expired(now) {
			continue
		}
		if filter.SubscriptionID != "" && rec.SubscriptionID != filter.SubscriptionID {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		out = append(out, *cloneDelivery(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit := listLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ClaimDelivery(_ context.Context, id string, now, leaseUntil time.Time) (*domain.DeliveryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.liveDelivery(id)
	if !ok || !rec.Due(now) || (rec.LockedUntil != nil && rec.LockedUntil.After(now)) {
		return nil, nil
	}
	lease := leaseUntil
	rec.LockedUntil = &lease
	return cloneDelivery(rec), nil
}

func (s *MemoryStore) ReleaseDelivery(_ context.Context, id string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.liveDelivery(id)
	if !ok {
		return domain.ErrNotFound
	}
	rec.LockedUntil = &until
	return nil
}

func (s *MemoryStore) SaveDeliveryOutcome(_ context.Context, rec *domain.DeliveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.liveDelivery(rec.ID)
	if !ok || cur.Status.Terminal() {
		return ErrStale
	}
	next := cloneDelivery(rec)
	next.LockedUntil = nil
	s.deliveries[rec.ID] = next
	return nil
}

func (s *MemoryStore) DueDeliveries(_ context.Context, now, pendingBefore time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*domain.DeliveryRecord
	for _, rec := range s.deliveries {
		if rec.Expired(now) || (rec.LockedUntil != nil && rec.LockedUntil.After(now)) {
			continue
		}
		sub, ok := s.subscriptions[rec.SubscriptionID]
		if !ok || !sub.IsActive {
			continue
		}
		switch rec.Status {
		case domain.DeliveryRetry:
			if rec.NextRetry != nil && rec.NextRetry.After(now) {
				continue
			}
		case domain.DeliveryPending:
			if rec.CreatedAt.After(pendingBefore) {
				continue
			}
		default:
			continue
		}
		due = append(due, rec)
	}
	sort.Slice(due, func(i, j int) bool { return readyAt(due[i]).Before(readyAt(due[j])) })

	limit = listLimit(limit)
	ids := make([]string, 0, min(limit, len(due)))
	for _, rec := range due {
		if len(ids) == limit {
			break
		}
		ids = append(ids, rec.ID)
	}
	return ids, nil
}

func (s *MemoryStore) PurgeExpiredDeliveries(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var purged int64
	for id, rec := range s.deliveries {
		if rec.Expired(now) {
			delete(s.deliveries, id)
			purged++
		}
	}
	return purged, nil
}

func (s *MemoryStore) DeliveryCounts(_ context.Context) (map[domain.DeliveryStatus]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	counts := make(map[domain.DeliveryStatus]int64, 4)
	for _, rec := range s.deliveries {
		if !rec.Expired(now) {
			counts[rec.Status]++
		}
	}
	return counts, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() {}

// liveDelivery must be called with mu held.
func (s *MemoryStore) liveDelivery(id string) (*domain.DeliveryRecord, bool) {
	rec, ok := s.deliveries[id]
	if !ok || rec.Expired(s.now()) {
		return nil, false
	}
	return rec, true
}

func readyAt(rec *domain.DeliveryRecord) time.Time {
	if rec.NextRetry != nil {
		return *rec.NextRetry
	}
	return rec.CreatedAt
}

func cloneSubscription(sub *domain.Subscription) *domain.Subscription {
	c := *sub
	c.EventTypes = slices.Clone(sub.EventTypes)
	c.Headers = maps.Clone(sub.Headers)
	if sub.Stats.LastTriggered != nil {
		t := *sub.Stats.LastTriggered
		c.Stats.LastTriggered = &t
	}
	if sub.Stats.LastError != nil {
		le := *sub.Stats.LastError
		c.Stats.LastError = &le
	}
	return &c
}

func cloneDelivery(rec *domain.DeliveryRecord) *domain.DeliveryRecord {
	c := *rec
	c.Payload = slices.Clone(rec.Payload)
	c.NextRetry = cloneTime(rec.NextRetry)
	c.DeliveredAt = cloneTime(rec.DeliveredAt)
	c.LockedUntil = cloneTime(rec.LockedUntil)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
