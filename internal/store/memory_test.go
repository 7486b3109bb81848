package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Priya8975/webhook-dispatcher/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T) (*MemoryStore, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)}
	return NewMemoryStore(clock.Now), clock
}

func seedSubscription(t *testing.T, s Store, id string, now time.Time, types ...domain.EventType) *domain.Subscription {
	t.Helper()
	sub := &domain.Subscription{
		ID:            id,
		Name:          id,
		URL:           "https://example.com/" + id,
		Secret:        "whsec_test",
		EventTypes:    types,
		IsActive:      true,
		RetryAttempts: 2,
		TimeoutMs:     domain.DefaultTimeoutMs,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.CreateSubscription(context.Background(), sub); err != nil {
		t.Fatalf("creating subscription: %v", err)
	}
	return sub
}

func seedDelivery(t *testing.T, s Store, id string, sub *domain.Subscription, now time.Time) *domain.DeliveryRecord {
	t.Helper()
	ev := domain.Event{ID: "evt-" + id, Type: domain.EventConsentGranted, Payload: json.RawMessage(`{"userId":"u-1"}`), EmittedAt: now}
	rec := domain.NewDeliveryRecord(id, sub, ev, now)
	if err := s.CreateDelivery(context.Background(), rec); err != nil {
		t.Fatalf("creating delivery: %v", err)
	}
	return rec
}

func TestMemoryStore_GetMissing(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetSubscription(ctx, "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetSubscription error = %v, want ErrNotFound", err)
	}
	if _, err := s.GetDelivery(ctx, "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetDelivery error = %v, want ErrNotFound", err)
	}
	if err := s.SetSubscriptionActive(ctx, "nope", false); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("SetSubscriptionActive error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_UpdateKeepsActiveFlag(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	sub := seedSubscription(t, s, "sub-1", clock.Now(), domain.EventConsentGranted)

	if err := s.SetSubscriptionActive(ctx, sub.ID, false); err != nil {
		t.Fatal(err)
	}
	sub.Name = "renamed"
	sub.IsActive = true
	if err := s.UpdateSubscription(ctx, sub); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetSubscription(ctx, sub.ID)
	if got.IsActive {
		t.Error("UpdateSubscription must not change the active flag")
	}
	if got.Name != "renamed" {
		t.Errorf("name = %q, want renamed", got.Name)
	}
}

func TestMemoryStore_FindActiveByEventType(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	seedSubscription(t, s, "a", clock.Now(), domain.EventConsentGranted)
	seedSubscription(t, s, "b", clock.Now().Add(time.Second), domain.EventConsentGranted, domain.EventDSARCreated)
	seedSubscription(t, s, "c", clock.Now(), domain.EventDSARCreated)
	seedSubscription(t, s, "d", clock.Now(), domain.EventConsentGranted)
	if err := s.SetSubscriptionActive(ctx, "d", false); err != nil {
		t.Fatal(err)
	}

	subs, err := s.FindActiveByEventType(ctx, domain.EventConsentGranted)
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 2 || subs[0].ID != "a" || subs[1].ID != "b" {
		t.Errorf("matched %v, want [a b]", subs)
	}

	subs, err = s.FindActiveByEventType(ctx, domain.EventUserDeleted)
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 0 {
		t.Errorf("expected no matches, got %d", len(subs))
	}
}

func TestMemoryStore_CountersUnderConcurrency(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	seedSubscription(t, s, "a", clock.Now(), domain.EventConsentGranted)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = s.RecordSuccess(ctx, "a", clock.Now())
		}()
		go func() {
			defer wg.Done()
			_ = s.RecordFailure(ctx, "a", domain.LastError{Message: "boom", OccurredAt: clock.Now(), StatusCode: 500})
		}()
	}
	wg.Wait()

	sub, err := s.GetSubscription(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if sub.Stats.TotalTriggers != 2*n || sub.Stats.SuccessfulTriggers != n || sub.Stats.FailedTriggers != n {
		t.Errorf("stats = %+v, want %d/%d/%d", sub.Stats, 2*n, n, n)
	}
}

func TestMemoryStore_SuccessClearsLastError(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	seedSubscription(t, s, "a", clock.Now(), domain.EventConsentGranted)

	_ = s.RecordFailure(ctx, "a", domain.LastError{Message: "boom", OccurredAt: clock.Now(), StatusCode: 503})
	sub, _ := s.GetSubscription(ctx, "a")
	if sub.Stats.LastError == nil || sub.Stats.LastError.StatusCode != 503 {
		t.Fatalf("last error not recorded: %+v", sub.Stats.LastError)
	}

	_ = s.RecordSuccess(ctx, "a", clock.Now())
	sub, _ = s.GetSubscription(ctx, "a")
	if sub.Stats.LastError != nil {
		t.Errorf("last error should be cleared, got %+v", sub.Stats.LastError)
	}
}

func TestMemoryStore_Statistics(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	seedSubscription(t, s, "a", clock.Now(), domain.EventConsentGranted)
	seedSubscription(t, s, "b", clock.Now(), domain.EventConsentGranted)
	_ = s.SetSubscriptionActive(ctx, "b", false)

	_ = s.RecordSuccess(ctx, "a", clock.Now())
	_ = s.RecordSuccess(ctx, "a", clock.Now())
	_ = s.RecordSuccess(ctx, "a", clock.Now())
	_ = s.RecordFailure(ctx, "b", domain.LastError{Message: "x", OccurredAt: clock.Now()})

	st, err := s.SubscriptionStatistics(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := domain.Statistics{Total: 2, Active: 1, Inactive: 1, TotalTriggers: 4, TotalSuccess: 3, TotalFailures: 1, SuccessRate: 75}
	if *st != want {
		t.Errorf("statistics = %+v, want %+v", *st, want)
	}
}

func TestMemoryStore_ClaimLease(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	sub := seedSubscription(t, s, "a", clock.Now(), domain.EventConsentGranted)
	seedDelivery(t, s, "d1", sub, clock.Now())

	now := clock.Now()
	first, err := s.ClaimDelivery(ctx, "d1", now, now.Add(time.Minute))
	if err != nil || first == nil {
		t.Fatalf("first claim = %v, %v", first, err)
	}

	second, err := s.ClaimDelivery(ctx, "d1", now, now.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if second != nil {
		t.Error("second claim should fail while the lease is held")
	}

	later := now.Add(2 * time.Minute)
	third, err := s.ClaimDelivery(ctx, "d1", later, later.Add(time.Minute))
	if err != nil || third == nil {
		t.Errorf("claim after lease expiry = %v, %v", third, err)
	}
}

func TestMemoryStore_TerminalOutcomeIsFinal(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	sub := seedSubscription(t, s, "a", clock.Now(), domain.EventConsentGranted)
	rec := seedDelivery(t, s, "d1", sub, clock.Now())

	rec.MarkDelivered(200, "ok", clock.Now())
	if err := s.SaveDeliveryOutcome(ctx, rec); err != nil {
		t.Fatalf("saving delivered outcome: %v", err)
	}

	stale := *rec
	stale.Status = domain.DeliveryRetry
	if err := s.SaveDeliveryOutcome(ctx, &stale); !errors.Is(err, ErrStale) {
		t.Errorf("overwriting terminal record: error = %v, want ErrStale", err)
	}

	got, _ := s.GetDelivery(ctx, "d1")
	if got.Status != domain.DeliveryDelivered {
		t.Errorf("status = %s, want delivered", got.Status)
	}
	if claimed, _ := s.ClaimDelivery(ctx, "d1", clock.Now(), clock.Now().Add(time.Minute)); claimed != nil {
		t.Error("terminal record must not be claimable")
	}
}

func TestMemoryStore_DueDeliveries(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	active := seedSubscription(t, s, "active", clock.Now(), domain.EventConsentGranted)
	paused := seedSubscription(t, s, "paused", clock.Now(), domain.EventConsentGranted)

	backoff := func(int) time.Duration { return time.Minute }
	for _, tc := range []struct {
		id  string
		sub *domain.Subscription
	}{{"r-active", active}, {"r-paused", paused}} {
		rec := seedDelivery(t, s, tc.id, tc.sub, clock.Now())
		_ = rec.MarkFailed(&domain.DeliveryError{StatusCode: 500}, "", clock.Now(), backoff)
		if err := s.SaveDeliveryOutcome(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}
	seedDelivery(t, s, "fresh-pending", active, clock.Now())

	if err := s.SetSubscriptionActive(ctx, "paused", false); err != nil {
		t.Fatal(err)
	}

	ids, err := s.DueDeliveries(ctx, clock.Now(), clock.Now().Add(-time.Minute), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Errorf("nothing should be due yet, got %v", ids)
	}

	clock.Advance(2 * time.Minute)
	ids, err = s.DueDeliveries(ctx, clock.Now(), clock.Now().Add(-time.Minute), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Fatalf("due = %v, want r-active and fresh-pending", ids)
	}
	for _, id := range ids {
		if id == "r-paused" {
			t.Error("records of an inactive subscription must not be due")
		}
	}
}

func TestMemoryStore_RetentionExpiry(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	sub := seedSubscription(t, s, "a", clock.Now(), domain.EventConsentGranted)
	seedDelivery(t, s, "d1", sub, clock.Now())

	clock.Advance(31 * 24 * time.Hour)

	if _, err := s.GetDelivery(ctx, "d1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expired delivery still retrievable: %v", err)
	}
	recs, err := s.ListDeliveries(ctx, DeliveryFilter{SubscriptionID: "a"})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Errorf("expired delivery listed: %v", recs)
	}
	if _, err := s.GetSubscription(ctx, "a"); err != nil {
		t.Errorf("subscription should survive retention: %v", err)
	}

	purged, err := s.PurgeExpiredDeliveries(ctx, clock.Now())
	if err != nil {
		t.Fatal(err)
	}
	if purged != 1 {
		t.Errorf("purged = %d, want 1", purged)
	}
}

func TestMemoryStore_ListDeliveries(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	sub := seedSubscription(t, s, "a", clock.Now(), domain.EventConsentGranted)

	for _, id := range []string{"d1", "d2", "d3"} {
		seedDelivery(t, s, id, sub, clock.Now())
		clock.Advance(time.Second)
	}
	rec, _ := s.GetDelivery(ctx, "d2")
	rec.MarkDelivered(204, "", clock.Now())
	_ = s.SaveDeliveryOutcome(ctx, rec)

	recs, err := s.ListDeliveries(ctx, DeliveryFilter{SubscriptionID: "a", Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].ID != "d3" || recs[1].ID != "d2" {
		t.Errorf("listed %v, want newest first [d3 d2]", recs)
	}

	recs, _ = s.ListDeliveries(ctx, DeliveryFilter{SubscriptionID: "a", Status: domain.DeliveryDelivered})
	if len(recs) != 1 || recs[0].ID != "d2" {
		t.Errorf("status filter returned %v", recs)
	}

	counts, _ := s.DeliveryCounts(ctx)
	if counts[domain.DeliveryPending] != 2 || counts[domain.DeliveryDelivered] != 1 {
		t.Errorf("counts = %v", counts)
	}
}
