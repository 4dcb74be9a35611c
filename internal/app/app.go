// Package app builds the pipeline's long-lived services from configuration
// and owns their shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/discovery-pipeline/internal/api"
	"github.com/JakeFAU/discovery-pipeline/internal/clock/system"
	"github.com/JakeFAU/discovery-pipeline/internal/config"
	"github.com/JakeFAU/discovery-pipeline/internal/discovery"
	"github.com/JakeFAU/discovery-pipeline/internal/dispatcher"
	"github.com/JakeFAU/discovery-pipeline/internal/extract"
	collyfetcher "github.com/JakeFAU/discovery-pipeline/internal/fetcher/colly"
	"github.com/JakeFAU/discovery-pipeline/internal/hash/sha256"
	"github.com/JakeFAU/discovery-pipeline/internal/id/uuid"
	"github.com/JakeFAU/discovery-pipeline/internal/jobqueue"
	"github.com/JakeFAU/discovery-pipeline/internal/logging"
	"github.com/JakeFAU/discovery-pipeline/internal/pipeline"
	"github.com/JakeFAU/discovery-pipeline/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/discovery-pipeline/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/discovery-pipeline/internal/publisher/pubsub"
	"github.com/JakeFAU/discovery-pipeline/internal/quota"
	"github.com/JakeFAU/discovery-pipeline/internal/retention"
	"github.com/JakeFAU/discovery-pipeline/internal/scheduler"
	"github.com/JakeFAU/discovery-pipeline/internal/scraper"
	gcsstorage "github.com/JakeFAU/discovery-pipeline/internal/storage/gcs"
	localstorage "github.com/JakeFAU/discovery-pipeline/internal/storage/local"
	memorystorage "github.com/JakeFAU/discovery-pipeline/internal/storage/memory"
	pgstore "github.com/JakeFAU/discovery-pipeline/internal/storage/postgres"
	"github.com/JakeFAU/discovery-pipeline/internal/telemetry"
)

// Store is the union of the persistence contracts. Both the Postgres and the
// in-memory backends satisfy it.
type Store interface {
	pipeline.SourceStore
	pipeline.QueueStore
	pipeline.RunStore
	pipeline.JobStore
	pipeline.RetentionStore
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  pipeline.Clock

	Store      Store
	Discovery  *discovery.Orchestrator
	Scraper    *scraper.Worker
	Extractor  *extract.Runner
	Cleaner    *retention.Sweeper
	Jobs       *jobqueue.Queue
	Dispatcher *dispatcher.Dispatcher
	API        *api.Server

	pg              *pgstore.Store
	redis           *redis.Client
	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
	storage         *storage.Client
	gcsBlobs        *gcsstorage.BlobStore
	tracerShutdown  telemetry.ShutdownFunc
	closeOnce       sync.Once
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Build creates the application's dependencies. Resources opened before a
// failure are released before returning.
func Build(ctx context.Context, cfg config.Config) (_ *App, err error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Telemetry.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := &App{cfg: cfg, logger: logger, clock: system.New()}
	defer func() {
		if err != nil {
			_ = app.Close(context.WithoutCancel(ctx))
		}
	}()

	app.tracerShutdown, err = telemetry.Setup(ctx, telemetry.Config{
		ServiceName:  cfg.Telemetry.ServiceName,
		Enabled:      cfg.Telemetry.TracingEnabled,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}

	logger.Info("building application dependencies")
	if err = setupDatabase(ctx, app); err != nil {
		return nil, err
	}
	counter, err := setupQuota(ctx, app)
	if err != nil {
		return nil, err
	}
	blobs, err := setupStorage(ctx, app)
	if err != nil {
		return nil, err
	}
	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}

	ids := uuid.New()
	app.Jobs = jobqueue.NewQueue(app.Store, ids, app.clock, cfg.Jobs.MaxAttempts)
	app.Discovery = setupDiscovery(app, counter, ids)
	app.Scraper = setupScraper(app, blobs, publisher)
	app.Extractor = extract.NewRunner(app.Store, app.clock, extract.Config{
		BatchSize:   cfg.Extract.BatchSize,
		Concurrency: cfg.Extract.Concurrency,
	}, logger)
	app.Cleaner = retention.New(app.Store, app.clock, retention.Config{
		QueueWindow: time.Duration(cfg.Retention.QueueHours) * time.Hour,
		RunWindow:   time.Duration(cfg.Retention.RunDays) * 24 * time.Hour,
		JobWindow:   time.Duration(cfg.Retention.JobDays) * 24 * time.Hour,
		BatchSize:   cfg.Retention.BatchSize,
		MaxBatches:  cfg.Retention.MaxBatches,
	}, logger)

	if app.Dispatcher, err = setupDispatcher(app, publisher, ids); err != nil {
		return nil, err
	}

	app.API = api.NewServer(api.Services{
		Discovery: app.Discovery,
		Scraper:   app.Scraper,
		Extractor: app.Extractor,
		Cleaner:   app.Cleaner,
		Jobs:      app.Jobs,
		Runs:      app.Store,
		Checks:    app.checks(),
	}, cfg.Server.RequestTimeout, logger.Named("api"))

	return app, nil
}

func setupDatabase(ctx context.Context, app *App) error {
	if app.cfg.DB.DSN == "" {
		app.logger.Warn("no DSN specified for database, using in-memory stores")
		app.Store = memorystorage.New()
		return nil
	}
	pg, err := pgstore.Open(ctx, pgstore.Config{
		DSN:             app.cfg.DB.DSN,
		MaxConns:        app.cfg.DB.MaxConns,
		MinConns:        app.cfg.DB.MinConns,
		MaxConnLifetime: app.cfg.DB.MaxConnLifetime,
		ClaimMode:       pgstore.ClaimMode(app.cfg.DB.ClaimMode),
		DependentTable:  "entry_matches",
	})
	if err != nil {
		return fmt.Errorf("postgres store init failed: %w", err)
	}
	app.pg = pg
	app.Store = pg
	app.logger.Info("postgres store initialized", zap.String("claim_mode", app.cfg.DB.ClaimMode))
	return nil
}

func setupQuota(ctx context.Context, app *App) (quota.Counter, error) {
	limit := app.cfg.Discovery.Search.DailyQuota
	if app.cfg.Redis.Addr == "" {
		app.logger.Warn("no redis address configured, search quota is per process")
		return quota.NewMemory(limit), nil
	}
	app.redis = redis.NewClient(&redis.Options{
		Addr:     app.cfg.Redis.Addr,
		Password: app.cfg.Redis.Password,
		DB:       app.cfg.Redis.DB,
	})
	counter := quota.NewRedis(app.redis, limit)
	if err := counter.Ping(ctx); err != nil {
		return nil, fmt.Errorf("redis quota init failed: %w", err)
	}
	app.logger.Info("redis search quota initialized",
		zap.String("addr", app.cfg.Redis.Addr),
		zap.Int("daily_quota", limit),
	)
	return counter, nil
}

func setupStorage(ctx context.Context, app *App) (pipeline.BlobStore, error) {
	var blobStore pipeline.BlobStore
	var err error
	switch app.cfg.Storage.Backend {
	case config.StorageGCS:
		app.logger.Info("using GCS storage backend")
		app.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.gcsBlobs, err = gcsstorage.New(app.storage, gcsstorage.Config{
			Bucket: app.cfg.Storage.GCSBucket,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		blobStore = app.gcsBlobs
		app.logger.Debug("GCS storage backend", zap.String("bucket", app.cfg.Storage.GCSBucket))
	case config.StorageLocal:
		app.logger.Info("using local storage backend")
		blobStore, err = localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Debug("local storage backend", zap.String("path", app.cfg.Storage.LocalDir))
	default:
		app.logger.Info("using in-memory storage backend")
		blobStore = memorystorage.NewBlobStore()
	}
	return blobStore, nil
}

func setupPublisher(ctx context.Context, app *App) (pipeline.Publisher, error) {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubPublisher = app.pubsubClient.Publisher(app.cfg.PubSub.TopicName)
	app.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return gcppublisher.New(app.pubsubPublisher), nil
}

func setupDiscovery(app *App, counter quota.Counter, ids pipeline.IDGenerator) *discovery.Orchestrator {
	dc := app.cfg.Discovery
	client := discovery.ClientConfig{Timeout: dc.RequestTimeout, UserAgent: dc.UserAgent}
	strategies := []discovery.Strategy{discovery.NewFeedStrategy(client)}

	if dc.Search.Endpoint != "" && dc.Search.APIKey != "" {
		pacer := ratelimit.New(ratelimit.Config{RPS: dc.Search.RequestsPerSec, Burst: 1})
		strategies = append(strategies, discovery.NewSearchStrategy(discovery.SearchConfig{
			ClientConfig:   client,
			Endpoint:       dc.Search.Endpoint,
			APIKey:         dc.Search.APIKey,
			EngineID:       dc.Search.EngineID,
			MaxPages:       dc.Search.MaxPages,
			ResultsPerPage: dc.Search.ResultsPerPage,
		}, counter, pacer, app.clock))
	} else {
		app.logger.Info("search-engine discovery disabled, no API key configured")
	}

	if dc.CrawlMap.Endpoint != "" {
		strategies = append(strategies, discovery.NewCrawlMapStrategy(discovery.CrawlMapConfig{
			ClientConfig: client,
			Endpoint:     dc.CrawlMap.Endpoint,
			APIKey:       dc.CrawlMap.APIKey,
			MaxURLs:      dc.CrawlMap.MaxURLs,
		}))
	} else {
		app.logger.Info("crawl-map discovery disabled, no endpoint configured")
	}

	recency := make(map[pipeline.DiscoveryMethod]time.Duration, 3)
	for _, m := range pipeline.DiscoveryMethods() {
		recency[m] = dc.RecencyFor(string(m))
	}
	return discovery.New(app.Store, app.Store, app.Store, app.clock, ids, discovery.Config{
		BatchSize:       dc.BatchSize,
		InterBatchDelay: dc.InterBatchDelay,
		MaxSources:      dc.MaxSources,
		StaleRunAfter:   dc.StaleRunAfter,
		Recency:         recency,
	}, app.logger, strategies...)
}

func setupScraper(app *App, blobs pipeline.BlobStore, publisher pipeline.Publisher) *scraper.Worker {
	sc := app.cfg.Scrape
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:     sc.UserAgent,
		RespectRobots: true,
		Timeout:       sc.FetchTimeout,
	})
	app.logger.Info("using colly fetcher", zap.String("user_agent", sc.UserAgent))

	var pacer scraper.Pacer
	if sc.RatePerHost > 0 {
		pacer = ratelimit.New(ratelimit.Config{RPS: sc.RatePerHost, Burst: 1})
		app.logger.Info("per-host rate limiter enabled", zap.Float64("rps", sc.RatePerHost))
	}

	return scraper.New(scraper.Deps{
		Queue:     app.Store,
		Fetcher:   fetcher,
		Pacer:     pacer,
		Blobs:     blobs,
		Publisher: publisher,
		Jobs:      app.Jobs,
		Hasher:    sha256.New(),
		Clock:     app.clock,
	}, scraper.Config{
		BatchSize:         sc.BatchSize,
		Concurrency:       sc.Concurrency,
		FetchTimeout:      sc.FetchTimeout,
		MaxAttempts:       sc.MaxAttempts,
		StaleAfter:        sc.StaleAfter,
		MaxContentBytes:   sc.MaxContentBytes,
		CacheTTL:          sc.CacheTTL,
		CacheSize:         sc.CacheSize,
		EnqueueExtraction: sc.EnqueueExtraction,
		Archive:           sc.Archive,
		BlobPrefix:        app.cfg.Storage.Prefix,
		ContentType:       app.cfg.Storage.ContentType,
		Topic:             app.cfg.PubSub.TopicName,
	}, app.logger)
}

func setupDispatcher(app *App, publisher pipeline.Publisher, ids *uuid.Generator) (*dispatcher.Dispatcher, error) {
	registry := jobqueue.NewRegistry()
	registry.Register(pipeline.JobExtractMetadata, jobqueue.ExtractMetadataHandler(app.Extractor))
	registry.Register(pipeline.JobPublishEntry,
		jobqueue.PublishEntryHandler(app.Store, publisher, app.cfg.PubSub.TopicName))

	jc := app.cfg.Jobs
	workers := make([]dispatcher.Worker, 0, jc.Workers)
	for i := 0; i < jc.Workers; i++ {
		id, err := ids.WorkerID()
		if err != nil {
			return nil, fmt.Errorf("worker id: %w", err)
		}
		workers = append(workers, jobqueue.NewWorker(id, app.Store, registry, app.clock, jobqueue.WorkerConfig{
			PollInterval:   jc.PollInterval,
			ErrorBackoff:   jc.ErrorBackoff,
			HandlerTimeout: jc.HandlerTimeout,
		}, app.logger.Named("jobs").With(zap.Int("index", i))))
	}
	app.logger.Info("job workers configured",
		zap.Int("workers", jc.Workers),
		zap.Strings("job_types", registry.Types()),
	)
	return dispatcher.New(app.Store, app.clock, workers, dispatcher.Config{StaleAfter: jc.StaleAfter}, app.logger), nil
}

func (a *App) checks() map[string]api.Check {
	checks := make(map[string]api.Check, 3)
	if a.pg != nil {
		checks["postgres"] = a.pg.Ping
	}
	if a.redis != nil {
		checks["redis"] = func(ctx context.Context) error { return a.redis.Ping(ctx).Err() }
	}
	if a.gcsBlobs != nil {
		checks["gcs"] = a.gcsBlobs.CheckBucket
	}
	return checks
}

// Migrate applies the Postgres schema. In-memory stores need no migration.
func (a *App) Migrate(ctx context.Context) error {
	if a.pg == nil {
		a.logger.Warn("no database configured, nothing to migrate")
		return nil
	}
	if err := a.pg.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	a.logger.Info("schema applied")
	return nil
}

// Scheduler builds the cron scheduler from the configured expressions.
func (a *App) Scheduler() (*scheduler.Scheduler, error) {
	s := scheduler.New(a.logger)
	sc := a.cfg.Schedule
	discover := func(m pipeline.DiscoveryMethod) func(context.Context) error {
		return func(ctx context.Context) error {
			_, err := a.Discovery.Run(ctx, m, discovery.Request{})
			return err
		}
	}
	tasks := []scheduler.Task{
		{Name: "discovery.feed", Spec: sc.Feed, Run: discover(pipeline.MethodFeed)},
		{Name: "discovery.search-engine", Spec: sc.Search, Run: discover(pipeline.MethodSearchEngine)},
		{Name: "discovery.crawl-map", Spec: sc.CrawlMap, Run: discover(pipeline.MethodCrawlMap)},
		{Name: "scrape", Spec: sc.Scrape, Run: func(ctx context.Context) error {
			_, err := a.Scraper.Run(ctx, scraper.Request{})
			return err
		}},
		{Name: "extract", Spec: sc.Extract, Run: func(ctx context.Context) error {
			_, err := a.Extractor.Run(ctx, extract.Request{})
			return err
		}},
		{Name: "cleanup", Spec: sc.Cleanup, Run: func(ctx context.Context) error {
			_, err := a.Cleaner.Run(ctx, retention.Request{})
			return err
		}},
	}
	for _, t := range tasks {
		if _, err := s.Add(t); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Serve runs the HTTP API, the job dispatcher and the scheduler until ctx is
// canceled or the process receives SIGINT/SIGTERM.
func (a *App) Serve(ctx context.Context) error {
	sched, err := a.Scheduler()
	if err != nil {
		return err
	}

	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.Dispatcher.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.API.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	wg.Wait()
	return a.Close(shutdownCtx)
}

// RunUntilSignal runs fn with a context canceled on SIGINT/SIGTERM.
func (a *App) RunUntilSignal(ctx context.Context, fn func(ctx context.Context)) {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	fn(ctx)
}

// Close releases every opened resource. It is safe to call more than once.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.closeInfrastructure()
		a.closeObservability(ctx)
	})
	return nil
}

func (a *App) closeInfrastructure() {
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if a.pg != nil {
		a.pg.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	a.logger.Info("shutdown complete")
	// Sync fails on stderr-backed loggers on some platforms; nothing to do about it.
	_ = a.logger.Sync()
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}
