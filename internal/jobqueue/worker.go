package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/discovery-pipeline/internal/logging"
	"github.com/JakeFAU/discovery-pipeline/internal/metrics"
	"github.com/JakeFAU/discovery-pipeline/internal/pipeline"
)

const maxReasonLen = 1000

// WorkerConfig tunes the polling loop.
type WorkerConfig struct {
	PollInterval   time.Duration
	ErrorBackoff   time.Duration
	HandlerTimeout time.Duration
}

// Worker claims jobs one at a time and dispatches them to registered handlers.
type Worker struct {
	id       string
	store    pipeline.JobStore
	registry *Registry
	clock    pipeline.Clock
	cfg      WorkerConfig
	logger   *zap.Logger
}

// NewWorker constructs a Worker identified by id.
func NewWorker(
	id string,
	store pipeline.JobStore,
	registry *Registry,
	clock pipeline.Clock,
	cfg WorkerConfig,
	logger *zap.Logger,
) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 5 * time.Second
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 5 * time.Minute
	}
	return &Worker{
		id:       id,
		store:    store,
		registry: registry,
		clock:    clock,
		cfg:      cfg,
		logger:   logging.OrNop(logger).Named("jobs").With(zap.String("worker_id", id)),
	}
}

// ID returns the worker identity recorded on claimed jobs.
func (w *Worker) ID() string { return w.id }

// Run polls until ctx is canceled. A job already claimed when ctx ends runs
// to completion, bounded by the handler timeout.
func (w *Worker) Run(ctx context.Context) {
	metrics.IncActiveJobWorkers()
	defer metrics.DecActiveJobWorkers()
	w.logger.Info("job worker started")
	defer w.logger.Info("job worker stopped")

	for ctx.Err() == nil {
		processed, err := w.ProcessNext(ctx)
		switch {
		case err != nil:
			w.logger.Error("job poll failed", zap.Error(err))
			wait(ctx, w.cfg.ErrorBackoff)
		case !processed:
			wait(ctx, w.cfg.PollInterval)
		}
	}
}

// ProcessNext claims and runs at most one job. It reports false when the
// queue had nothing pending.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNext(ctx, w.id, w.clock.Now())
	if errors.Is(err, pipeline.ErrNoJobAvailable) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}

	// The claim is ours now; finish it even if the caller is shutting down.
	runCtx := context.WithoutCancel(ctx)
	logger := w.logger.With(logging.JobID(job.ID), zap.String("job_type", job.Type))

	started := w.clock.Now()
	herr := w.invoke(runCtx, job)
	if herr == nil {
		if err := w.store.Complete(runCtx, job.ID, w.id, w.clock.Now()); err != nil {
			return true, fmt.Errorf("complete job %s: %w", job.ID, err)
		}
		metrics.ObserveJob(job.Type, string(pipeline.JobCompleted))
		logger.Debug("job completed", zap.Duration("elapsed", w.clock.Now().Sub(started)))
		return true, nil
	}

	status, err := w.store.Fail(runCtx, job.ID, w.id, truncate(herr.Error(), maxReasonLen), w.clock.Now())
	if err != nil {
		return true, fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	if status == pipeline.JobFailed {
		metrics.ObserveJob(job.Type, string(pipeline.JobFailed))
		logger.Error("job failed terminally", zap.Int("attempt", job.Attempts+1), zap.Error(herr))
	} else {
		metrics.ObserveJob(job.Type, "retry")
		logger.Warn("job failed; will retry", zap.Int("attempt", job.Attempts+1), zap.Error(herr))
	}
	return true, nil
}

func (w *Worker) invoke(ctx context.Context, job pipeline.Job) (err error) {
	h, ok := w.registry.Lookup(job.Type)
	if !ok {
		return fmt.Errorf("no handler registered for job type %q", job.Type)
	}
	ctx, cancel := context.WithTimeout(ctx, w.cfg.HandlerTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

func wait(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
