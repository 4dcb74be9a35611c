// Package retention purges queue entries, run records and jobs that have aged
// out of their retention windows.
package retention

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/discovery-pipeline/internal/logging"
	"github.com/JakeFAU/discovery-pipeline/internal/metrics"
	"github.com/JakeFAU/discovery-pipeline/internal/pipeline"
)

// Config sets the retention windows and per-invocation bounds. A zero run or
// job window leaves that table alone.
type Config struct {
	QueueWindow time.Duration
	RunWindow   time.Duration
	JobWindow   time.Duration
	BatchSize   int
	MaxBatches  int
}

// Request is the optional structured input of a cleanup invocation.
type Request struct {
	DryRun      bool `json:"dry_run,omitempty"`
	HoursToKeep int  `json:"hours_to_keep,omitempty"`
}

// Summary reports deleted, or with DryRun would-delete, counts. Dry-run
// counts are bounded by what one invocation deletes; Expired carries the full
// entry backlog.
type Summary struct {
	DryRun     bool      `json:"dry_run"`
	Cutoff     time.Time `json:"cutoff"`
	Entries    int       `json:"entries"`
	Dependents int       `json:"dependents"`
	Runs       int       `json:"runs"`
	Jobs       int       `json:"jobs"`
	Batches    int       `json:"batches"`
	Expired    int       `json:"expired,omitempty"`
	// Exhausted is true when the batch cap stopped the entry sweep before it
	// ran out of rows; the next invocation resumes from the same cutoff.
	Exhausted bool `json:"exhausted"`
}

// Sweeper runs cleanup invocations.
type Sweeper struct {
	store  pipeline.RetentionStore
	clock  pipeline.Clock
	cfg    Config
	logger *zap.Logger
}

// New constructs a Sweeper.
func New(store pipeline.RetentionStore, clock pipeline.Clock, cfg Config, logger *zap.Logger) *Sweeper {
	if cfg.QueueWindow <= 0 {
		cfg.QueueWindow = 72 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.MaxBatches <= 0 {
		cfg.MaxBatches = 10
	}
	return &Sweeper{store: store, clock: clock, cfg: cfg, logger: logging.OrNop(logger).Named("retention")}
}

// Run executes one cleanup invocation. A failing entry batch aborts the sweep
// with nothing from that batch deleted; earlier batches stay committed.
func (s *Sweeper) Run(ctx context.Context, req Request) (Summary, error) {
	now := s.clock.Now()
	window := s.cfg.QueueWindow
	if req.HoursToKeep > 0 {
		window = time.Duration(req.HoursToKeep) * time.Hour
	}
	summary := Summary{DryRun: req.DryRun, Cutoff: now.Add(-window)}

	if req.DryRun {
		return s.preview(ctx, now, summary)
	}

	if err := s.sweepEntries(ctx, &summary); err != nil {
		return summary, err
	}
	if s.cfg.RunWindow > 0 {
		n, err := s.sweepTable(ctx, "pipeline_runs", now.Add(-s.cfg.RunWindow), s.store.DeleteRuns)
		summary.Runs = n
		if err != nil {
			return summary, err
		}
	}
	if s.cfg.JobWindow > 0 {
		n, err := s.sweepTable(ctx, "jobs", now.Add(-s.cfg.JobWindow), s.store.DeleteJobs)
		summary.Jobs = n
		if err != nil {
			return summary, err
		}
	}

	s.logger.Info("cleanup finished",
		zap.Time("cutoff", summary.Cutoff),
		zap.Int("entries", summary.Entries),
		zap.Int("dependents", summary.Dependents),
		zap.Int("runs", summary.Runs),
		zap.Int("jobs", summary.Jobs),
		zap.Int("batches", summary.Batches),
		zap.Bool("exhausted", summary.Exhausted),
	)
	return summary, nil
}

func (s *Sweeper) sweepEntries(ctx context.Context, summary *Summary) error {
	for summary.Batches < s.cfg.MaxBatches {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("cleanup interrupted: %w", err)
		}
		ids, err := s.store.ExpiredEntryIDs(ctx, summary.Cutoff, s.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("select expired entries: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}
		entries, dependents, err := s.store.DeleteEntries(ctx, ids)
		if err != nil {
			s.logger.Error("cleanup batch aborted", zap.Int("batch", summary.Batches+1), zap.Error(err))
			return fmt.Errorf("delete entry batch: %w", err)
		}
		summary.Batches++
		summary.Entries += entries
		summary.Dependents += dependents
		metrics.ObserveCleanup("scrape_queue", entries)
		metrics.ObserveCleanup("entry_matches", dependents)
		if len(ids) < s.cfg.BatchSize {
			return nil
		}
	}
	ids, err := s.store.ExpiredEntryIDs(ctx, summary.Cutoff, 1)
	if err != nil {
		return fmt.Errorf("select expired entries: %w", err)
	}
	summary.Exhausted = len(ids) > 0
	return nil
}

func (s *Sweeper) sweepTable(
	ctx context.Context,
	table string,
	cutoff time.Time,
	del func(ctx context.Context, cutoff time.Time, limit int) (int, error),
) (int, error) {
	total := 0
	for batch := 0; batch < s.cfg.MaxBatches; batch++ {
		n, err := del(ctx, cutoff, s.cfg.BatchSize)
		if err != nil {
			return total, fmt.Errorf("delete %s: %w", table, err)
		}
		total += n
		metrics.ObserveCleanup(table, n)
		if n < s.cfg.BatchSize {
			break
		}
	}
	return total, nil
}

func (s *Sweeper) preview(ctx context.Context, now time.Time, summary Summary) (Summary, error) {
	budget := s.cfg.BatchSize * s.cfg.MaxBatches
	entries, dependents, err := s.store.CountExpiredEntries(ctx, summary.Cutoff, budget)
	if err != nil {
		return summary, fmt.Errorf("count expired entries: %w", err)
	}
	expired, _, err := s.store.CountExpiredEntries(ctx, summary.Cutoff, 0)
	if err != nil {
		return summary, fmt.Errorf("count expired entries: %w", err)
	}
	summary.Entries, summary.Dependents, summary.Expired = entries, dependents, expired
	summary.Batches = (entries + s.cfg.BatchSize - 1) / s.cfg.BatchSize
	summary.Exhausted = expired > entries
	if s.cfg.RunWindow > 0 {
		if summary.Runs, err = s.store.CountRuns(ctx, now.Add(-s.cfg.RunWindow)); err != nil {
			return summary, fmt.Errorf("count expired runs: %w", err)
		}
		summary.Runs = min(summary.Runs, budget)
	}
	if s.cfg.JobWindow > 0 {
		if summary.Jobs, err = s.store.CountJobs(ctx, now.Add(-s.cfg.JobWindow)); err != nil {
			return summary, fmt.Errorf("count expired jobs: %w", err)
		}
		summary.Jobs = min(summary.Jobs, budget)
	}
	s.logger.Info("cleanup dry run",
		zap.Time("cutoff", summary.Cutoff),
		zap.Int("entries", entries),
		zap.Int("expired", expired),
		zap.Int("dependents", dependents),
		zap.Int("runs", summary.Runs),
		zap.Int("jobs", summary.Jobs),
	)
	return summary, nil
}
