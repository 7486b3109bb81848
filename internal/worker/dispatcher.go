package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/Priya8975/webhook-dispatcher/internal/engine"
)

// Dispatcher polls the Redis delivery queue and feeds ready ids to the pool.
type Dispatcher struct {
	queue        *engine.RedisQueue
	pool         *Pool
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int64
	now          func() time.Time
}

// NewDispatcher creates a dispatcher that pulls ready ids from the Redis queue.
func NewDispatcher(queue *engine.RedisQueue, pool *Pool, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		queue:        queue,
		pool:         pool,
		logger:       logger,
		pollInterval: 100 * time.Millisecond,
		batchSize:    10,
		now:          time.Now,
	}
}

// Start polls until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("dispatcher started")

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return
		case <-ticker.C:
			d.poll(ctx)
		}
	}
}

// poll moves one batch of ready ids from the queue to the pool.
func (d *Dispatcher) poll(ctx context.Context) int {
	ids, err := d.queue.Pop(ctx, d.now(), d.batchSize)
	if err != nil {
		d.logger.Error("failed to poll delivery queue", "error", err)
	}

	for i, id := range ids {
		if !d.pool.Submit(ctx, id) {
			// Shutting down: put the rest back for the next instance.
			if err := d.queue.Enqueue(context.WithoutCancel(ctx), d.now(), ids[i:]...); err != nil {
				d.logger.Error("failed to requeue undelivered ids", "error", err, "count", len(ids)-i)
			}
			return i
		}
	}
	return len(ids)
}
