package worker

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/Priya8975/webhook-dispatcher/internal/domain"
	"github.com/Priya8975/webhook-dispatcher/internal/engine"
)

func TestSweep_SkipsDeactivatedSubscription(t *testing.T) {
	h := newHarness(t)
	srv, hits := statusServer(t, http.StatusInternalServerError)
	sub := h.register(t, srv.URL, domain.RegisterOptions{})
	rec := h.createDelivery(t, sub, `{}`)
	ctx := context.Background()

	h.deliverer.Deliver(ctx, rec.ID)
	if got := h.delivery(t, rec.ID); got.Status != domain.DeliveryRetry {
		t.Fatalf("status = %s, want retry", got.Status)
	}

	if _, err := h.registry.Deactivate(ctx, sub.ID); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(time.Hour)

	stats, err := h.sweeper.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Requeued != 0 {
		t.Errorf("requeued %d records of an inactive subscription", stats.Requeued)
	}
	if depth, _ := h.queue.Depth(ctx); depth != 0 {
		t.Errorf("queue depth = %d, want 0", depth)
	}
	if hits.Load() != 1 {
		t.Errorf("endpoint hit %d times, want only the original attempt", hits.Load())
	}

	got := h.delivery(t, rec.ID)
	if got.Status != domain.DeliveryRetry || got.Attempts != 1 {
		t.Errorf("record changed while inactive: %+v", got)
	}

	// Reactivation resumes the retry on the next sweep.
	if _, err := h.registry.Reactivate(ctx, sub.ID); err != nil {
		t.Fatal(err)
	}
	if n := h.sweepAndDeliver(t); n != 1 {
		t.Errorf("sweep after reactivation delivered %d, want 1", n)
	}
}

func TestSweep_RecoversStalePending(t *testing.T) {
	h := newHarness(t)
	srv, hits := statusServer(t, http.StatusOK)
	sub := h.register(t, srv.URL, domain.RegisterOptions{})
	rec := h.createDelivery(t, sub, `{}`)

	// Freshly created records are left to the normal hand-off.
	if n := h.sweepAndDeliver(t); n != 0 {
		t.Errorf("fresh pending record was swept")
	}

	h.clock.Advance(2 * time.Minute)
	if n := h.sweepAndDeliver(t); n != 1 {
		t.Fatalf("sweep delivered %d, want 1", n)
	}
	if got := h.delivery(t, rec.ID); got.Status != domain.DeliveryDelivered {
		t.Errorf("status = %s, want delivered", got.Status)
	}
	if hits.Load() != 1 {
		t.Errorf("endpoint hit %d times, want 1", hits.Load())
	}
}

func TestSweep_PurgesExpiredRecords(t *testing.T) {
	h := newHarness(t)
	srv, _ := statusServer(t, http.StatusOK)
	sub := h.register(t, srv.URL, domain.RegisterOptions{})
	rec := h.createDelivery(t, sub, `{}`)
	h.deliverer.Deliver(context.Background(), rec.ID)

	h.clock.Advance(31 * 24 * time.Hour)

	stats, err := h.sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Purged != 1 {
		t.Errorf("purged %d, want 1", stats.Purged)
	}
	if _, err := h.store.GetDelivery(context.Background(), rec.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expired record still retrievable: %v", err)
	}
	if _, err := h.store.GetSubscription(context.Background(), sub.ID); err != nil {
		t.Errorf("subscription should survive retention: %v", err)
	}
}

func TestSweep_SkipsWhenLockHeld(t *testing.T) {
	h := newHarness(t)
	srv, _ := statusServer(t, http.StatusOK)
	sub := h.register(t, srv.URL, domain.RegisterOptions{})
	h.createDelivery(t, sub, `{}`)
	h.clock.Advance(time.Hour)
	ctx := context.Background()

	other := engine.NewSweepLock(h.redis)
	if ok, err := other.Acquire(ctx, time.Minute); err != nil || !ok {
		t.Fatalf("Acquire = %v, %v", ok, err)
	}

	stats, err := h.sweeper.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !stats.Skipped || stats.Requeued != 0 {
		t.Errorf("stats = %+v, want skipped", stats)
	}

	if err := other.Release(ctx); err != nil {
		t.Fatal(err)
	}
	stats, err = h.sweeper.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Skipped || stats.Requeued != 1 {
		t.Errorf("stats = %+v, want one requeued", stats)
	}
}
