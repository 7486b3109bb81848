package worker

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Priya8975/webhook-dispatcher/internal/domain"
	"github.com/Priya8975/webhook-dispatcher/internal/engine"
	"github.com/Priya8975/webhook-dispatcher/internal/metrics"
	"github.com/Priya8975/webhook-dispatcher/internal/store"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	clock     *testClock
	redis     *redis.Client
	store     *store.MemoryStore
	queue     *engine.RedisQueue
	breaker   *engine.CircuitBreaker
	registry  *engine.Registry
	deliverer *Deliverer
	sweeper   *Sweeper
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := testLogger()
	clock := &testClock{t: time.Now().UTC()}
	s := store.NewMemoryStore(clock.Now)
	q := engine.NewRedisQueue(client)
	m := metrics.MustNewMetrics(prometheus.NewRegistry())
	cb := engine.NewCircuitBreaker(client, logger)

	d := NewDeliverer(s, q, cb, engine.NewRateLimiter(client, logger),
		engine.RetryPolicy{Base: time.Second, Max: time.Minute}, nil, m, logger)
	d.now = clock.Now

	sw := NewSweeper(s, q, engine.NewSweepLock(client), m, logger, time.Second, time.Minute)
	sw.now = clock.Now

	return &harness{
		clock:     clock,
		redis:     client,
		store:     s,
		queue:     q,
		breaker:   cb,
		registry:  engine.NewRegistry(s, logger),
		deliverer: d,
		sweeper:   sw,
	}
}

func (h *harness) register(t *testing.T, url string, opts domain.RegisterOptions) *domain.Subscription {
	t.Helper()
	sub, err := h.registry.Register(context.Background(), url, []domain.EventType{domain.EventConsentGranted}, opts)
	if err != nil {
		t.Fatal(err)
	}
	return sub
}

// createDelivery writes a pending record for sub without queuing it.
func (h *harness) createDelivery(t *testing.T, sub *domain.Subscription, payload string) *domain.DeliveryRecord {
	t.Helper()
	now := h.clock.Now()
	ev := domain.Event{
		ID:        uuid.NewString(),
		Type:      domain.EventConsentGranted,
		Payload:   []byte(payload),
		EmittedAt: now,
	}
	rec := domain.NewDeliveryRecord(uuid.NewString(), sub, ev, now)
	if err := h.store.CreateDelivery(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	return rec
}

func (h *harness) delivery(t *testing.T, id string) *domain.DeliveryRecord {
	t.Helper()
	rec, err := h.store.GetDelivery(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return rec
}

func (h *harness) subscription(t *testing.T, id string) *domain.Subscription {
	t.Helper()
	sub, err := h.store.GetSubscription(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return sub
}

// sweepAndDeliver runs one sweep and delivers whatever became ready.
func (h *harness) sweepAndDeliver(t *testing.T) int {
	t.Helper()
	ctx := context.Background()
	if _, err := h.sweeper.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	ids, err := h.queue.Pop(ctx, h.clock.Now(), 100)
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range ids {
		h.deliverer.Deliver(ctx, id)
	}
	return len(ids)
}

// statusServer answers every request with code and counts the hits.
func statusServer(t *testing.T, code int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(code)
		w.Write([]byte(http.StatusText(code)))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}
