// Package discovery runs the discovery orchestrators. One Orchestrator holds
// the shared bookkeeping (self-heal, run records, dedup, inserts, source
// health) and dispatches each source to the Strategy registered for its
// discovery method.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/discovery-pipeline/internal/canonical"
	"github.com/JakeFAU/discovery-pipeline/internal/logging"
	"github.com/JakeFAU/discovery-pipeline/internal/metrics"
	"github.com/JakeFAU/discovery-pipeline/internal/pipeline"
)

// Strategy discovers candidates for a single source.
type Strategy interface {
	Method() pipeline.DiscoveryMethod
	// Discover returns the candidates found for source. A quota error may be
	// returned alongside the candidates gathered before the quota ran out.
	Discover(ctx context.Context, source pipeline.Source) ([]pipeline.Candidate, error)
}

// Config bounds one orchestrator invocation.
type Config struct {
	BatchSize       int
	InterBatchDelay time.Duration
	MaxSources      int
	StaleRunAfter   time.Duration
	// Recency holds the default recency window per method; a source's
	// RecencyHours overrides it.
	Recency map[pipeline.DiscoveryMethod]time.Duration
}

// Request is the optional structured input of a discovery invocation.
type Request struct {
	Group      *int `json:"group,omitempty"`
	Tier       *int `json:"tier,omitempty"`
	MaxSources int  `json:"max_sources,omitempty"`
}

// Orchestrator runs discovery for one method at a time.
type Orchestrator struct {
	sources    pipeline.SourceRegistry
	queue      pipeline.QueueStore
	runs       pipeline.RunStore
	strategies map[pipeline.DiscoveryMethod]Strategy
	clock      pipeline.Clock
	ids        pipeline.IDGenerator
	cfg        Config
	logger     *zap.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// New constructs an Orchestrator.
func New(
	sources pipeline.SourceRegistry,
	queue pipeline.QueueStore,
	runs pipeline.RunStore,
	clock pipeline.Clock,
	ids pipeline.IDGenerator,
	cfg Config,
	logger *zap.Logger,
	strategies ...Strategy,
) *Orchestrator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.StaleRunAfter <= 0 {
		cfg.StaleRunAfter = 10 * time.Minute
	}
	byMethod := make(map[pipeline.DiscoveryMethod]Strategy, len(strategies))
	for _, s := range strategies {
		byMethod[s.Method()] = s
	}
	return &Orchestrator{
		sources:    sources,
		queue:      queue,
		runs:       runs,
		strategies: byMethod,
		clock:      clock,
		ids:        ids,
		cfg:        cfg,
		logger:     logging.OrNop(logger).Named("discovery"),
		sleep:      sleepContext,
	}
}

// Methods lists the methods with a registered strategy.
func (o *Orchestrator) Methods() []pipeline.DiscoveryMethod {
	out := make([]pipeline.DiscoveryMethod, 0, len(o.strategies))
	for _, m := range pipeline.DiscoveryMethods() {
		if _, ok := o.strategies[m]; ok {
			out = append(out, m)
		}
	}
	return out
}

// runState accumulates per-source outcomes while batches run concurrently.
type runState struct {
	mu     sync.Mutex
	run    pipeline.RunRecord
	halted bool
}

func (s *runState) isHalted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halted
}

// Run executes one discovery invocation for method and returns the finalized
// run record. The error is non-nil only when the run as a whole failed.
func (o *Orchestrator) Run(ctx context.Context, method pipeline.DiscoveryMethod, req Request) (pipeline.RunRecord, error) {
	strategy, ok := o.strategies[method]
	if !ok {
		return pipeline.RunRecord{}, fmt.Errorf("no discovery strategy for method %q", method)
	}
	ctx, span := otel.Tracer("discovery").Start(ctx, "discovery.run")
	defer span.End()
	span.SetAttributes(attribute.String("discovery.method", string(method)))

	runType := method.RunType()
	now := o.clock.Now()

	healed, err := o.runs.FailStaleRuns(ctx, runType, now.Add(-o.cfg.StaleRunAfter), now)
	if err != nil {
		return pipeline.RunRecord{}, fmt.Errorf("fail stale runs: %w", err)
	}
	if healed > 0 {
		o.logger.Warn("marked stale runs failed", zap.String("run_type", string(runType)), zap.Int("count", healed))
	}

	runID, err := o.ids.NewID()
	if err != nil {
		return pipeline.RunRecord{}, fmt.Errorf("generate run id: %w", err)
	}
	run := pipeline.RunRecord{ID: runID, RunType: runType, Status: pipeline.RunRunning, StartedAt: now}
	if err := o.runs.CreateRun(ctx, run); err != nil {
		return pipeline.RunRecord{}, fmt.Errorf("create run: %w", err)
	}
	logger := o.logger.With(logging.RunID(runID), zap.String("method", string(method)))
	span.SetAttributes(attribute.String("run.id", runID))

	sources, err := o.sources.ListActive(ctx, pipeline.SourceFilter{
		Method: method,
		Tier:   req.Tier,
		Group:  req.Group,
		Limit:  o.sourceLimit(req.MaxSources),
	})
	if err != nil {
		logger.Error("load sources failed", zap.Error(err))
		run.Status = pipeline.RunFailed
		run.ErrorSummary = []pipeline.SourceError{{Kind: pipeline.KindOf(err), Message: err.Error()}}
		if finErr := o.finalize(context.WithoutCancel(ctx), &run); finErr != nil {
			return run, errors.Join(err, finErr)
		}
		return run, fmt.Errorf("load sources: %w", err)
	}

	state := &runState{run: run}
	state.run.SourcesTargeted = len(sources)
	logger.Info("discovery run started", zap.Int("sources", len(sources)))

	for start := 0; start < len(sources); start += o.cfg.BatchSize {
		if state.isHalted() || ctx.Err() != nil {
			break
		}
		if start > 0 && o.cfg.InterBatchDelay > 0 {
			if err := o.sleep(ctx, o.cfg.InterBatchDelay); err != nil {
				break
			}
		}
		end := min(start+o.cfg.BatchSize, len(sources))
		o.runBatch(ctx, strategy, sources[start:end], state, logger)
	}

	run = state.run
	if ctx.Err() != nil {
		run.ErrorSummary = append(run.ErrorSummary, pipeline.SourceError{Kind: pipeline.KindUnknown, Message: ctx.Err().Error()})
	}
	switch {
	case run.SourcesFailed > 0 || state.halted || ctx.Err() != nil:
		run.Status = pipeline.RunPartial
	default:
		run.Status = pipeline.RunCompleted
	}
	if err := o.finalize(context.WithoutCancel(ctx), &run); err != nil {
		return run, err
	}
	logger.Info("discovery run finished",
		zap.String("status", string(run.Status)),
		zap.Int("sources_successful", run.SourcesSucceeded),
		zap.Int("sources_failed", run.SourcesFailed),
		zap.Int("items_new", run.ItemsNew),
		zap.Int("items_duplicate", run.ItemsDuplicate),
	)
	return run, nil
}

func (o *Orchestrator) sourceLimit(requested int) int {
	limit := o.cfg.MaxSources
	if requested > 0 && (limit <= 0 || requested < limit) {
		limit = requested
	}
	return limit
}

func (o *Orchestrator) runBatch(
	ctx context.Context,
	strategy Strategy,
	batch []pipeline.Source,
	state *runState,
	logger *zap.Logger,
) {
	var g errgroup.Group
	for _, src := range batch {
		g.Go(func() error {
			if state.isHalted() {
				return nil
			}
			o.processSource(ctx, strategy, src, state, logger.With(logging.SourceID(src.ID)))
			return nil
		})
	}
	_ = g.Wait()
}

type sourceCounts struct {
	discovered int
	inserted   int
	duplicate  int
	stale      int
	invalid    int
}

func (o *Orchestrator) processSource(
	ctx context.Context,
	strategy Strategy,
	src pipeline.Source,
	state *runState,
	logger *zap.Logger,
) {
	method := string(strategy.Method())
	candidates, discoverErr := strategy.Discover(ctx, src)
	quotaHit := errors.Is(discoverErr, pipeline.ErrQuotaExceeded)
	if discoverErr != nil && !quotaHit {
		o.recordFailure(ctx, src, discoverErr, state, logger)
		metrics.ObserveDiscoverySource(method, "failed")
		return
	}

	counts, err := o.enqueue(ctx, src, candidates)
	if err != nil {
		o.recordFailure(ctx, src, err, state, logger)
		metrics.ObserveDiscoverySource(method, "failed")
		return
	}
	metrics.ObserveDiscoveryItems(method, "discovered", counts.discovered)
	metrics.ObserveDiscoveryItems(method, "new", counts.inserted)
	metrics.ObserveDiscoveryItems(method, "duplicate", counts.duplicate)
	metrics.ObserveDiscoveryItems(method, "stale", counts.stale)
	metrics.ObserveDiscoveryItems(method, "invalid", counts.invalid)

	state.mu.Lock()
	state.run.ItemsDiscovered += counts.discovered
	state.run.ItemsNew += counts.inserted
	state.run.ItemsDuplicate += counts.duplicate
	if quotaHit {
		state.halted = true
		state.run.ErrorSummary = append(state.run.ErrorSummary, pipeline.SourceError{
			SourceID:   src.ID,
			SourceName: src.Name,
			Kind:       pipeline.KindQuotaExceeded,
			Message:    discoverErr.Error(),
		})
	} else {
		state.run.SourcesSucceeded++
	}
	state.mu.Unlock()

	if quotaHit {
		metrics.ObserveDiscoverySource(method, "quota_exceeded")
		metrics.ObserveQuotaExhausted()
		logger.Warn("upstream quota exhausted; halting run", zap.Int("items_new", counts.inserted))
		return
	}
	metrics.ObserveDiscoverySource(method, "succeeded")
	if err := o.sources.RecordOutcome(ctx, src.ID, true, o.clock.Now()); err != nil {
		logger.Warn("record source success failed", zap.Error(err))
	}
	logger.Debug("source discovered",
		zap.Int("discovered", counts.discovered),
		zap.Int("new", counts.inserted),
		zap.Int("duplicate", counts.duplicate),
		zap.Int("stale", counts.stale),
		zap.Int("invalid", counts.invalid),
	)
}

func (o *Orchestrator) recordFailure(
	ctx context.Context,
	src pipeline.Source,
	cause error,
	state *runState,
	logger *zap.Logger,
) {
	logger.Warn("source discovery failed", zap.Error(cause))
	state.mu.Lock()
	state.run.SourcesFailed++
	state.run.ErrorSummary = append(state.run.ErrorSummary, pipeline.SourceError{
		SourceID:   src.ID,
		SourceName: src.Name,
		Kind:       pipeline.KindOf(cause),
		Message:    cause.Error(),
	})
	state.mu.Unlock()
	if err := o.sources.RecordOutcome(context.WithoutCancel(ctx), src.ID, false, o.clock.Now()); err != nil {
		logger.Warn("record source failure failed", zap.Error(err))
	}
}

// enqueue filters candidates by recency and existing URLs, then inserts the
// remainder as pending entries at the source's tier.
func (o *Orchestrator) enqueue(ctx context.Context, src pipeline.Source, candidates []pipeline.Candidate) (sourceCounts, error) {
	var counts sourceCounts
	now := o.clock.Now()
	cutoff := now.Add(-o.recency(src))

	seen := make(map[string]struct{}, len(candidates))
	fresh := make([]pipeline.Candidate, 0, len(candidates))
	for _, c := range candidates {
		key, err := canonical.URL(c.URL)
		if err != nil {
			// Counted as discovered so run totals reconcile.
			counts.discovered++
			counts.invalid++
			o.logger.Debug("candidate url rejected", logging.URL(c.URL), zap.Error(err))
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		counts.discovered++
		if c.PublishedAt != nil && c.PublishedAt.Before(cutoff) {
			counts.stale++
			continue
		}
		c.URL = key
		fresh = append(fresh, c)
	}
	if len(fresh) == 0 {
		return counts, nil
	}

	urls := make([]string, len(fresh))
	for i, c := range fresh {
		urls[i] = c.URL
	}
	existing, err := o.queue.ExistingURLs(ctx, src.ID, urls)
	if err != nil {
		return counts, fmt.Errorf("check existing urls: %w", err)
	}

	entries := make([]pipeline.QueueEntry, 0, len(fresh))
	for _, c := range fresh {
		if _, dup := existing[c.URL]; dup {
			counts.duplicate++
			continue
		}
		id, err := o.ids.NewID()
		if err != nil {
			return counts, fmt.Errorf("generate entry id: %w", err)
		}
		entries = append(entries, pipeline.QueueEntry{
			ID:           id,
			SourceID:     src.ID,
			URL:          c.URL,
			Title:        c.Title,
			Description:  c.Description,
			DiscoveredAt: now,
			PublishedAt:  c.PublishedAt,
			Status:       pipeline.ScrapePending,
			Priority:     src.Tier,
			RawMetadata:  rawMetadata(src, c),
		})
	}
	if len(entries) == 0 {
		return counts, nil
	}
	inserted, err := o.queue.InsertEntries(ctx, entries)
	if err != nil {
		return counts, fmt.Errorf("insert entries: %w", err)
	}
	counts.inserted = inserted
	// Rows skipped on URL conflict were queued by another source or a concurrent run.
	counts.duplicate += len(entries) - inserted
	return counts, nil
}

func (o *Orchestrator) recency(src pipeline.Source) time.Duration {
	if src.RecencyHours != nil && *src.RecencyHours > 0 {
		return time.Duration(*src.RecencyHours) * time.Hour
	}
	if d := o.cfg.Recency[src.Method]; d > 0 {
		return d
	}
	return 48 * time.Hour
}

func rawMetadata(src pipeline.Source, c pipeline.Candidate) map[string]any {
	raw := make(map[string]any, len(c.Raw)+3)
	for k, v := range c.Raw {
		raw[k] = v
	}
	raw["source_name"] = src.Name
	raw["industries"] = append([]string{}, src.Industries...)
	raw["method"] = string(src.Method)
	return raw
}

func (o *Orchestrator) finalize(ctx context.Context, run *pipeline.RunRecord) error {
	done := o.clock.Now()
	run.CompletedAt = &done
	run.DurationSeconds = done.Sub(run.StartedAt).Seconds()
	metrics.ObserveRun(string(run.RunType), string(run.Status))
	if err := o.runs.FinalizeRun(ctx, *run); err != nil {
		return fmt.Errorf("finalize run: %w", err)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
