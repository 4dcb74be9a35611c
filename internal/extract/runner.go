package extract

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/discovery-pipeline/internal/logging"
	"github.com/JakeFAU/discovery-pipeline/internal/pipeline"
)

// Config bounds one extraction invocation.
type Config struct {
	BatchSize   int
	Concurrency int
}

// Request is the optional structured input of an extraction invocation.
type Request struct {
	BatchSize int `json:"batch_size,omitempty"`
}

// Summary reports the outcome of an extraction invocation.
type Summary struct {
	Selected  int `json:"selected"`
	Extracted int `json:"extracted"`
	Failed    int `json:"failed"`
}

// Runner applies Extract to entries lacking metadata and stores the result.
type Runner struct {
	queue  pipeline.QueueStore
	clock  pipeline.Clock
	cfg    Config
	logger *zap.Logger
}

// NewRunner constructs a Runner.
func NewRunner(queue pipeline.QueueStore, clock pipeline.Clock, cfg Config, logger *zap.Logger) *Runner {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	return &Runner{queue: queue, clock: clock, cfg: cfg, logger: logging.OrNop(logger).Named("extract")}
}

// Run extracts metadata for up to one batch of entries. Items are independent;
// one failure never stops the rest.
func (r *Runner) Run(ctx context.Context, req Request) (Summary, error) {
	limit := r.cfg.BatchSize
	if req.BatchSize > 0 && req.BatchSize < limit {
		limit = req.BatchSize
	}
	entries, err := r.queue.ListForExtraction(ctx, limit)
	if err != nil {
		return Summary{}, fmt.Errorf("list entries for extraction: %w", err)
	}

	var extracted, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for _, e := range entries {
		g.Go(func() error {
			if err := r.save(gctx, e); err != nil {
				failed.Add(1)
				r.logger.Warn("save metadata failed", logging.EntryID(e.ID), zap.Error(err))
				return nil
			}
			extracted.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	summary := Summary{Selected: len(entries), Extracted: int(extracted.Load()), Failed: int(failed.Load())}
	r.logger.Info("extraction finished",
		zap.Int("selected", summary.Selected),
		zap.Int("extracted", summary.Extracted),
		zap.Int("failed", summary.Failed),
	)
	return summary, nil
}

// ExtractEntry extracts and stores metadata for a single entry.
func (r *Runner) ExtractEntry(ctx context.Context, entryID string) (pipeline.ExtractedMetadata, error) {
	e, err := r.queue.GetEntry(ctx, entryID)
	if err != nil {
		return pipeline.ExtractedMetadata{}, fmt.Errorf("get entry: %w", err)
	}
	md := Extract(e, r.clock.Now())
	if err := r.queue.SaveMetadata(ctx, e.ID, md); err != nil {
		return pipeline.ExtractedMetadata{}, fmt.Errorf("save metadata: %w", err)
	}
	return md, nil
}

func (r *Runner) save(ctx context.Context, e pipeline.QueueEntry) error {
	md := Extract(e, r.clock.Now())
	if err := r.queue.SaveMetadata(ctx, e.ID, md); err != nil {
		return fmt.Errorf("save metadata: %w", err)
	}
	return nil
}
