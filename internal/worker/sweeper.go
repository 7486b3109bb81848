package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Priya8975/webhook-dispatcher/internal/engine"
	"github.com/Priya8975/webhook-dispatcher/internal/metrics"
	"github.com/Priya8975/webhook-dispatcher/internal/store"
	"golang.org/x/sync/errgroup"
)

const defaultSweepBatch = 500

// Sweeper periodically requeues due retries and stale pending records and
// purges expired delivery records. Only the instance holding the sweep lock
// runs a cycle.
type Sweeper struct {
	store      store.Store
	queue      *engine.RedisQueue
	lock       *engine.SweepLock
	metrics    *metrics.Metrics
	logger     *slog.Logger
	interval   time.Duration
	pendingAge time.Duration
	batchSize  int
	now        func() time.Time
}

// SweepStats summarizes one sweep cycle.
type SweepStats struct {
	Requeued int
	Purged   int64
	Skipped  bool
}

// NewSweeper creates a sweeper that runs every interval and recovers
// pending records older than pendingAge.
func NewSweeper(s store.Store, queue *engine.RedisQueue, lock *engine.SweepLock, m *metrics.Metrics, logger *slog.Logger, interval, pendingAge time.Duration) *Sweeper {
	return &Sweeper{
		store:      s,
		queue:      queue,
		lock:       lock,
		metrics:    m,
		logger:     logger,
		interval:   interval,
		pendingAge: pendingAge,
		batchSize:  defaultSweepBatch,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Start runs a sweep every interval until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("sweeper started", "interval", s.interval, "pending_age", s.pendingAge)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopping")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one cycle. Records of inactive subscriptions are never requeued.
func (s *Sweeper) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats

	acquired, err := s.lock.Acquire(ctx, s.interval)
	if err != nil {
		return stats, fmt.Errorf("acquiring sweep lock: %w", err)
	}
	if !acquired {
		s.logger.Debug("sweep lock held by another instance")
		stats.Skipped = true
		return stats, nil
	}
	defer func() {
		if err := s.lock.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("failed to release sweep lock", "error", err)
		}
	}()

	now := s.now()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ids, err := s.store.DueDeliveries(gctx, now, now.Add(-s.pendingAge), s.batchSize)
		if err != nil {
			return fmt.Errorf("listing due deliveries: %w", err)
		}
		if err := s.queue.Enqueue(gctx, now, ids...); err != nil {
			return err
		}
		stats.Requeued = len(ids)
		return nil
	})

	g.Go(func() error {
		n, err := s.store.PurgeExpiredDeliveries(gctx, now)
		if err != nil {
			return fmt.Errorf("purging expired deliveries: %w", err)
		}
		stats.Purged = n
		s.metrics.AddPurged(n)
		return nil
	})

	err = g.Wait()

	if depth, derr := s.queue.Depth(ctx); derr == nil {
		s.metrics.SetQueueDepth(depth)
	}

	if stats.Requeued > 0 || stats.Purged > 0 {
		s.logger.Info("sweep complete", "requeued", stats.Requeued, "purged", stats.Purged)
	}
	return stats, err
}
