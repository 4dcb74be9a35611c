// Package scraper implements the scrape worker invocation: sweep stale
// leases, claim a batch, fetch it with a bounded pool and resolve every entry
// to completed or failed.
package scraper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/discovery-pipeline/internal/logging"
	"github.com/JakeFAU/discovery-pipeline/internal/metrics"
	"github.com/JakeFAU/discovery-pipeline/internal/pipeline"
)

// Config controls Worker behavior.
type Config struct {
	BatchSize       int
	Concurrency     int
	FetchTimeout    time.Duration
	MaxAttempts     int
	StaleAfter      time.Duration
	MaxContentBytes int
	CacheTTL        time.Duration
	CacheSize       int
	// EnqueueExtraction enqueues an extract.metadata job per completed entry.
	EnqueueExtraction bool
	// Archive writes the raw HTML to the blob store.
	Archive     bool
	BlobPrefix  string
	ContentType string
	// Topic receives one notification per completed entry; empty disables it.
	Topic string
}

// Pacer blocks until the next request to rawURL's host may be sent.
type Pacer interface {
	Wait(ctx context.Context, rawURL string) error
}

// Request is the optional structured input of a scrape invocation.
type Request struct {
	BatchSize int `json:"batch_size,omitempty"`
}

// Summary reports the outcome of one invocation.
type Summary struct {
	StaleRequeued   int     `json:"stale_requeued"`
	Claimed         int     `json:"claimed"`
	Completed       int     `json:"completed"`
	Failed          int     `json:"failed"`
	Terminal        int     `json:"terminal"`
	CacheHits       int     `json:"cache_hits"`
	DurationSeconds float64 `json:"duration_seconds"`
}

type cachedFetch struct {
	statusCode int
	body       []byte
}

// Worker runs scrape invocations. Optional collaborators (blobs, publisher,
// jobs, pacer) may be nil.
type Worker struct {
	queue     pipeline.QueueStore
	fetcher   pipeline.Fetcher
	pacer     Pacer
	blobs     pipeline.BlobStore
	publisher pipeline.Publisher
	jobs      pipeline.JobEnqueuer
	hasher    pipeline.Hasher
	clock     pipeline.Clock
	cache     *expirable.LRU[string, cachedFetch]
	cfg       Config
	logger    *zap.Logger
}

// Deps groups the Worker's collaborators.
type Deps struct {
	Queue     pipeline.QueueStore
	Fetcher   pipeline.Fetcher
	Pacer     Pacer
	Blobs     pipeline.BlobStore
	Publisher pipeline.Publisher
	Jobs      pipeline.JobEnqueuer
	Hasher    pipeline.Hasher
	Clock     pipeline.Clock
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = pipeline.DefaultMaxAttempts
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html; charset=utf-8"
	}
	w := &Worker{
		queue:     deps.Queue,
		fetcher:   deps.Fetcher,
		pacer:     deps.Pacer,
		blobs:     deps.Blobs,
		publisher: deps.Publisher,
		jobs:      deps.Jobs,
		hasher:    deps.Hasher,
		clock:     deps.Clock,
		cfg:       cfg,
		logger:    logging.OrNop(logger).Named("scraper"),
	}
	if cfg.CacheTTL > 0 && cfg.CacheSize > 0 {
		w.cache = expirable.NewLRU[string, cachedFetch](cfg.CacheSize, nil, cfg.CacheTTL)
	}
	return w
}

// Run performs one bounded scrape invocation. It returns an error only when
// the batch could not be claimed; per-entry failures are counted in Summary.
func (w *Worker) Run(ctx context.Context, req Request) (Summary, error) {
	ctx, span := otel.Tracer("scraper").Start(ctx, "scrape.run")
	defer span.End()

	started := w.clock.Now()
	var summary Summary

	if w.cfg.StaleAfter > 0 {
		n, err := w.queue.RequeueStaleEntries(ctx, started.Add(-w.cfg.StaleAfter), w.cfg.MaxAttempts)
		if err != nil {
			return summary, fmt.Errorf("requeue stale entries: %w", err)
		}
		summary.StaleRequeued = n
		if n > 0 {
			metrics.ObserveStaleRequeued("scrape_queue", n)
			w.logger.Warn("released stale processing entries", zap.Int("count", n))
		}
	}

	limit := w.cfg.BatchSize
	if req.BatchSize > 0 && req.BatchSize < limit {
		limit = req.BatchSize
	}
	entries, err := w.queue.Claim(ctx, pipeline.ClaimRequest{Limit: limit, MaxAttempts: w.cfg.MaxAttempts, At: started})
	if err != nil {
		return summary, fmt.Errorf("claim entries: %w", err)
	}
	summary.Claimed = len(entries)
	span.SetAttributes(attribute.Int("scrape.claimed", len(entries)))
	if len(entries) == 0 {
		w.logger.Debug("no claimable entries")
		summary.DurationSeconds = w.clock.Now().Sub(started).Seconds()
		return summary, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)
	for _, entry := range entries {
		g.Go(func() error {
			outcome := w.process(gctx, entry)
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case outcomeCompleted:
				summary.Completed++
			case outcomeCompletedCached:
				summary.Completed++
				summary.CacheHits++
			case outcomeFailed:
				summary.Failed++
			case outcomeTerminal:
				summary.Failed++
				summary.Terminal++
			}
			return nil
		})
	}
	_ = g.Wait()

	summary.DurationSeconds = w.clock.Now().Sub(started).Seconds()
	w.logger.Info("scrape batch finished",
		zap.Int("claimed", summary.Claimed),
		zap.Int("completed", summary.Completed),
		zap.Int("failed", summary.Failed),
		zap.Int("terminal", summary.Terminal),
	)
	return summary, nil
}

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeCompletedCached
	outcomeFailed
	outcomeTerminal
)

// process resolves one claimed entry. Store writes use a context detached
// from cancellation so an entry never stays in processing because the
// invocation was interrupted mid-fetch.
func (w *Worker) process(ctx context.Context, entry pipeline.QueueEntry) outcome {
	logger := w.logger.With(logging.EntryID(entry.ID), logging.URL(entry.URL))
	storeCtx := context.WithoutCancel(ctx)

	body, status, cached, err := w.fetch(ctx, entry.URL)
	if err == nil {
		err = w.complete(storeCtx, entry, body, status, logger)
	}
	if err != nil {
		return w.fail(storeCtx, entry, err, logger)
	}
	if cached {
		return outcomeCompletedCached
	}
	return outcomeCompleted
}

func (w *Worker) fetch(ctx context.Context, url string) ([]byte, int, bool, error) {
	if w.cache != nil {
		if hit, ok := w.cache.Get(url); ok {
			metrics.ObserveCacheHit()
			return hit.body, hit.statusCode, true, nil
		}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	defer cancel()
	if w.pacer != nil {
		if err := w.pacer.Wait(fetchCtx, url); err != nil {
			return nil, 0, false, pipeline.ClassifyTransport("rate limit", url, err)
		}
	}
	resp, err := w.fetcher.Fetch(fetchCtx, pipeline.FetchRequest{URL: url})
	if err != nil {
		return nil, 0, false, pipeline.ClassifyTransport("fetch", url, err)
	}
	metrics.ObserveFetch(url, resp.StatusCode, len(resp.Body), resp.Duration)
	if err := pipeline.ClassifyHTTPStatus("fetch", url, resp.StatusCode); err != nil {
		return nil, resp.StatusCode, false, err
	}
	if w.cache != nil {
		w.cache.Add(url, cachedFetch{statusCode: resp.StatusCode, body: resp.Body})
	}
	return resp.Body, resp.StatusCode, false, nil
}

func (w *Worker) complete(ctx context.Context, entry pipeline.QueueEntry, body []byte, status int, logger *zap.Logger) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return pipeline.NewError(pipeline.KindPermanentContent, "extract content", entry.URL, errors.New("empty body"))
	}
	text, err := extractText(body, w.cfg.MaxContentBytes)
	if err != nil {
		return pipeline.NewError(pipeline.KindPermanentContent, "extract content", entry.URL, err)
	}
	if text.Text == "" {
		return pipeline.NewError(pipeline.KindPermanentContent, "extract content", entry.URL, errors.New("no readable text"))
	}

	scrapedAt := w.clock.Now()
	raw := map[string]any{"http_status": status}
	if text.Title != "" {
		raw["page_title"] = text.Title
	}
	if w.hasher != nil {
		hash, err := w.hasher.Hash(body)
		if err != nil {
			return fmt.Errorf("hash body: %w", err)
		}
		raw["content_hash"] = hash
		if uri := w.archive(ctx, hash, body, scrapedAt, logger); uri != "" {
			raw["archive_uri"] = uri
		}
	}

	if err := w.queue.MarkCompleted(ctx, entry.ID, leaseOf(entry), pipeline.ScrapeResult{
		Content:     text.Text,
		ScrapedAt:   scrapedAt,
		RawMetadata: raw,
	}); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	metrics.ObserveScrape("completed")
	logger.Debug("entry scraped", zap.Int("content_length", len(text.Text)))

	entry.Status = pipeline.ScrapeCompleted
	entry.ContentLength = len(text.Text)
	entry.ScrapedAt = &scrapedAt
	w.notify(ctx, entry, logger)
	w.enqueueExtraction(ctx, entry, logger)
	return nil
}

func leaseOf(entry pipeline.QueueEntry) time.Time {
	if entry.ClaimedAt == nil {
		return time.Time{}
	}
	return *entry.ClaimedAt
}

// BlobPath returns the archive key for a body hash captured at t.
func BlobPath(prefix, hash string, t time.Time) string {
	return path.Join(strings.Trim(prefix, "/"), t.UTC().Format(time.DateOnly), hash+".html")
}

func (w *Worker) archive(ctx context.Context, hash string, body []byte, at time.Time, logger *zap.Logger) string {
	if !w.cfg.Archive || w.blobs == nil {
		return ""
	}
	uri, err := w.blobs.PutObject(ctx, BlobPath(w.cfg.BlobPrefix, hash, at), w.cfg.ContentType, bytes.NewReader(body))
	if err != nil {
		logger.Warn("archive content failed", zap.Error(err))
		return ""
	}
	return uri
}

func (w *Worker) notify(ctx context.Context, entry pipeline.QueueEntry, logger *zap.Logger) {
	if w.publisher == nil || w.cfg.Topic == "" {
		return
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, pipeline.NotificationFor(entry)); err != nil {
		logger.Warn("publish scrape notification failed", zap.Error(err))
	}
}

func (w *Worker) enqueueExtraction(ctx context.Context, entry pipeline.QueueEntry, logger *zap.Logger) {
	if w.jobs == nil || !w.cfg.EnqueueExtraction {
		return
	}
	jobID, err := w.jobs.Enqueue(ctx, pipeline.JobExtractMetadata, pipeline.EntryPayload{EntryID: entry.ID}, 0)
	if err != nil {
		logger.Warn("enqueue extraction failed", zap.Error(err))
		return
	}
	logger.Debug("extraction enqueued", logging.JobID(jobID))
}

func (w *Worker) fail(ctx context.Context, entry pipeline.QueueEntry, cause error, logger *zap.Logger) outcome {
	attempts, err := w.queue.MarkFailed(ctx, entry.ID, leaseOf(entry), truncate(cause.Error(), 1000))
	if errors.Is(err, pipeline.ErrNotFound) {
		// Swept as stale and possibly re-claimed; the current holder resolves it.
		logger.Warn("lease lost before resolution", zap.NamedError("cause", cause))
		return outcomeFailed
	}
	if err != nil {
		logger.Error("mark failed", zap.NamedError("cause", cause), zap.Error(err))
		return outcomeFailed
	}
	if attempts >= w.cfg.MaxAttempts {
		metrics.ObserveScrape("terminal")
		logger.Warn("entry failed terminally",
			zap.Int("attempts", attempts),
			zap.String("kind", string(pipeline.KindOf(cause))),
			zap.Error(cause),
		)
		return outcomeTerminal
	}
	metrics.ObserveScrape("failed")
	logger.Warn("entry failed; will retry",
		zap.Int("attempts", attempts),
		zap.String("kind", string(pipeline.KindOf(cause))),
		zap.Error(cause),
	)
	return outcomeFailed
}
