package worker

import (
	"context"
	"log/slog"
	"sync"
)

// Pool runs a fixed number of goroutines that deliver records by id.
type Pool struct {
	numWorkers int
	jobs       chan string
	deliverer  *Deliverer
	logger     *slog.Logger
	wg         sync.WaitGroup
}

// NewPool creates a worker pool with the given number of workers.
func NewPool(numWorkers int, deliverer *Deliverer, logger *slog.Logger) *Pool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	return &Pool{
		numWorkers: numWorkers,
		jobs:       make(chan string, numWorkers*2),
		deliverer:  deliverer,
		logger:     logger,
	}
}

// Start launches the workers. They stop taking new ids once ctx is
// cancelled; an attempt already running is allowed to finish.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.logger.Info("worker pool started", "num_workers", p.numWorkers)
}

// Submit hands an id to the workers. It blocks while every worker is busy
// and reports false if ctx ends first.
func (p *Pool) Submit(ctx context.Context, deliveryID string) bool {
	select {
	case p.jobs <- deliveryID:
		return true
	case <-ctx.Done():
		return false
	}
}

// Stop closes the jobs channel and waits for the workers to finish.
func (p *Pool) Stop() {
	close(p.jobs)
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()

	attemptCtx := context.WithoutCancel(ctx)
	for id := range p.jobs {
		select {
		case <-ctx.Done():
			// Dropped ids stay pending or retry in the store.
			continue
		default:
			p.deliverer.Deliver(attemptCtx, id)
		}
	}
}
