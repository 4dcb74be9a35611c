// Package dispatcher manages worker fan-out over the job queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/discovery-pipeline/internal/logging"
	"github.com/JakeFAU/discovery-pipeline/internal/metrics"
	"github.com/JakeFAU/discovery-pipeline/internal/pipeline"
)

// Worker is a long-running job consumer.
type Worker interface {
	Run(ctx context.Context)
}

// Config controls the stale-lease sweep. A zero StaleAfter disables it.
type Config struct {
	StaleAfter time.Duration
}

// Dispatcher fans out queue work to a pool of workers and periodically
// returns jobs abandoned by crashed workers to the queue.
type Dispatcher struct {
	jobs    pipeline.JobStore
	clock   pipeline.Clock
	workers []Worker
	cfg     Config
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(jobs pipeline.JobStore, clock pipeline.Clock, workers []Worker, cfg Config, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		jobs:    jobs,
		clock:   clock,
		workers: workers,
		cfg:     cfg,
		logger:  logging.OrNop(logger).Named("dispatcher"),
	}
}

// Run starts all workers and blocks until the context finishes and every
// worker has drained its in-flight job.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	if d.cfg.StaleAfter > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.sweepLoop(ctx)
		}()
	}
	d.logger.Info("dispatcher started", zap.Int("workers", len(d.workers)))
	<-ctx.Done()
	wg.Wait()
	d.logger.Info("dispatcher stopped")
}

// Sweep requeues jobs whose lease is older than StaleAfter.
func (d *Dispatcher) Sweep(ctx context.Context) (int, error) {
	now := d.clock.Now()
	n, err := d.jobs.RequeueStaleJobs(ctx, now.Add(-d.cfg.StaleAfter), now)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs: %w", err)
	}
	metrics.ObserveStaleRequeued("jobs", n)
	if n > 0 {
		d.logger.Warn("requeued stale jobs", zap.Int("count", n))
	}
	return n, nil
}

func (d *Dispatcher) sweepLoop(ctx context.Context) {
	interval := d.cfg.StaleAfter / 2
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := d.Sweep(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("stale job sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
