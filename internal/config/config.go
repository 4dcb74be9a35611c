// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	DB        DBConfig        `mapstructure:"db"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Scrape    ScrapeConfig    `mapstructure:"scrape"`
	Extract   ExtractConfig   `mapstructure:"extract"`
	Retention RetentionConfig `mapstructure:"retention"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Storage   StorageConfig   `mapstructure:"storage"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Claim modes for the scrape queue and job queue.
const (
	ClaimAtomic     = "atomic"
	ClaimOptimistic = "optimistic"
)

// DBConfig controls access to Postgres. An empty DSN selects in-memory stores.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	ClaimMode       string        `mapstructure:"claim_mode"`
}

// RedisConfig points at the search quota counter. Empty Addr selects a memory counter.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// DiscoveryConfig governs the discovery orchestrators.
type DiscoveryConfig struct {
	BatchSize       int            `mapstructure:"batch_size"`
	InterBatchDelay time.Duration  `mapstructure:"inter_batch_delay"`
	MaxSources      int            `mapstructure:"max_sources"`
	StaleRunAfter   time.Duration  `mapstructure:"stale_run_after"`
	RequestTimeout  time.Duration  `mapstructure:"request_timeout"`
	UserAgent       string         `mapstructure:"user_agent"`
	Feed            FeedConfig     `mapstructure:"feed"`
	Search          SearchConfig   `mapstructure:"search"`
	CrawlMap        CrawlMapConfig `mapstructure:"crawl_map"`
}

// FeedConfig configures feed discovery.
type FeedConfig struct {
	Recency time.Duration `mapstructure:"recency"`
}

// SearchConfig configures search-engine discovery.
type SearchConfig struct {
	Endpoint       string        `mapstructure:"endpoint"`
	APIKey         string        `mapstructure:"api_key"`
	EngineID       string        `mapstructure:"engine_id"`
	DailyQuota     int           `mapstructure:"daily_quota"`
	MaxPages       int           `mapstructure:"max_pages"`
	ResultsPerPage int           `mapstructure:"results_per_page"`
	RequestsPerSec float64       `mapstructure:"requests_per_second"`
	Recency        time.Duration `mapstructure:"recency"`
}

// CrawlMapConfig configures crawl-map discovery.
type CrawlMapConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	APIKey   string        `mapstructure:"api_key"`
	MaxURLs  int           `mapstructure:"max_urls"`
	Recency  time.Duration `mapstructure:"recency"`
}

// ScrapeConfig governs the scrape worker invocation.
type ScrapeConfig struct {
	BatchSize         int           `mapstructure:"batch_size"`
	Concurrency       int           `mapstructure:"concurrency"`
	FetchTimeout      time.Duration `mapstructure:"fetch_timeout"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	CacheTTL          time.Duration `mapstructure:"cache_ttl"`
	CacheSize         int           `mapstructure:"cache_size"`
	StaleAfter        time.Duration `mapstructure:"stale_after"`
	MaxContentBytes   int           `mapstructure:"max_content_bytes"`
	RatePerHost       float64       `mapstructure:"rate_per_host"`
	EnqueueExtraction bool          `mapstructure:"enqueue_extraction"`
	Archive           bool          `mapstructure:"archive"`
	UserAgent         string        `mapstructure:"user_agent"`
}

// ExtractConfig governs metadata extraction invocations.
type ExtractConfig struct {
	BatchSize   int `mapstructure:"batch_size"`
	Concurrency int `mapstructure:"concurrency"`
}

// RetentionConfig sets the purge windows and batch bounds.
type RetentionConfig struct {
	QueueHours int `mapstructure:"queue_hours"`
	RunDays    int `mapstructure:"run_days"`
	JobDays    int `mapstructure:"job_days"`
	BatchSize  int `mapstructure:"batch_size"`
	MaxBatches int `mapstructure:"max_batches"`
}

// JobsConfig governs the generic job queue workers.
type JobsConfig struct {
	Workers        int           `mapstructure:"workers"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	ErrorBackoff   time.Duration `mapstructure:"error_backoff"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	HandlerTimeout time.Duration `mapstructure:"handler_timeout"`
	StaleAfter     time.Duration `mapstructure:"stale_after"`
}

// Storage backends for the content archive.
const (
	StorageMemory = "memory"
	StorageLocal  = "local"
	StorageGCS    = "gcs"
)

// StorageConfig sets the archive backend and key layout.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	LocalDir    string `mapstructure:"local_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// PubSubConfig holds metadata for scrape notifications. Empty ProjectID
// selects the in-memory publisher.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// TelemetryConfig toggles tracing.
type TelemetryConfig struct {
	ServiceName    string `mapstructure:"service_name"`
	TracingEnabled bool   `mapstructure:"tracing_enabled"`
	// OTLPEndpoint is an OTLP/HTTP collector URL. Empty keeps spans in process.
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// ScheduleConfig holds cron expressions per invocation. Empty disables the entry.
type ScheduleConfig struct {
	Feed     string `mapstructure:"feed"`
	Search   string `mapstructure:"search"`
	CrawlMap string `mapstructure:"crawl_map"`
	Scrape   string `mapstructure:"scrape"`
	Extract  string `mapstructure:"extract"`
	Cleanup  string `mapstructure:"cleanup"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PIPELINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 5*time.Minute)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("logging.development", true)

	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime", time.Hour)
	v.SetDefault("db.claim_mode", ClaimAtomic)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("discovery.batch_size", 5)
	v.SetDefault("discovery.inter_batch_delay", time.Second)
	v.SetDefault("discovery.max_sources", 50)
	v.SetDefault("discovery.stale_run_after", 10*time.Minute)
	v.SetDefault("discovery.request_timeout", 15*time.Second)
	v.SetDefault("discovery.user_agent", "discovery-pipeline/0.1")
	v.SetDefault("discovery.feed.recency", 48*time.Hour)
	v.SetDefault("discovery.search.endpoint", "https://www.googleapis.com/customsearch/v1")
	v.SetDefault("discovery.search.api_key", "")
	v.SetDefault("discovery.search.engine_id", "")
	v.SetDefault("discovery.search.daily_quota", 100)
	v.SetDefault("discovery.search.max_pages", 2)
	v.SetDefault("discovery.search.results_per_page", 10)
	v.SetDefault("discovery.search.requests_per_second", 2.0)
	v.SetDefault("discovery.search.recency", 72*time.Hour)
	v.SetDefault("discovery.crawl_map.endpoint", "")
	v.SetDefault("discovery.crawl_map.api_key", "")
	v.SetDefault("discovery.crawl_map.max_urls", 200)
	v.SetDefault("discovery.crawl_map.recency", 168*time.Hour)

	v.SetDefault("scrape.batch_size", 10)
	v.SetDefault("scrape.concurrency", 5)
	v.SetDefault("scrape.fetch_timeout", 10*time.Second)
	v.SetDefault("scrape.max_attempts", 3)
	v.SetDefault("scrape.cache_ttl", 10*time.Minute)
	v.SetDefault("scrape.cache_size", 1024)
	v.SetDefault("scrape.stale_after", 15*time.Minute)
	v.SetDefault("scrape.max_content_bytes", 200_000)
	v.SetDefault("scrape.rate_per_host", 1.0)
	v.SetDefault("scrape.enqueue_extraction", false)
	v.SetDefault("scrape.archive", false)
	v.SetDefault("scrape.user_agent", "discovery-pipeline/0.1")

	v.SetDefault("extract.batch_size", 50)
	v.SetDefault("extract.concurrency", 8)

	v.SetDefault("retention.queue_hours", 72)
	v.SetDefault("retention.run_days", 30)
	v.SetDefault("retention.job_days", 14)
	v.SetDefault("retention.batch_size", 500)
	v.SetDefault("retention.max_batches", 10)

	v.SetDefault("jobs.workers", 2)
	v.SetDefault("jobs.poll_interval", 2*time.Second)
	v.SetDefault("jobs.error_backoff", 10*time.Second)
	v.SetDefault("jobs.max_attempts", 3)
	v.SetDefault("jobs.handler_timeout", 5*time.Minute)
	v.SetDefault("jobs.stale_after", 30*time.Minute)

	v.SetDefault("storage.backend", StorageMemory)
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.local_dir", "data/archive")
	v.SetDefault("storage.prefix", "content")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")

	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "entry-scraped")

	v.SetDefault("telemetry.service_name", "discovery-pipeline")
	v.SetDefault("telemetry.tracing_enabled", false)
	v.SetDefault("telemetry.otlp_endpoint", "")

	v.SetDefault("schedule.feed", "")
	v.SetDefault("schedule.search", "")
	v.SetDefault("schedule.crawl_map", "")
	v.SetDefault("schedule.scrape", "")
	v.SetDefault("schedule.extract", "")
	v.SetDefault("schedule.cleanup", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.DB.ClaimMode {
	case ClaimAtomic, ClaimOptimistic:
	default:
		return fmt.Errorf("db.claim_mode must be %q or %q", ClaimAtomic, ClaimOptimistic)
	}
	if c.Discovery.BatchSize <= 0 {
		return fmt.Errorf("discovery.batch_size must be > 0")
	}
	if c.Discovery.MaxSources <= 0 {
		return fmt.Errorf("discovery.max_sources must be > 0")
	}
	if c.Discovery.RequestTimeout <= 0 {
		return fmt.Errorf("discovery.request_timeout must be > 0")
	}
	if c.Scrape.BatchSize <= 0 || c.Scrape.Concurrency <= 0 {
		return fmt.Errorf("scrape.batch_size and scrape.concurrency must be > 0")
	}
	if c.Scrape.FetchTimeout <= 0 {
		return fmt.Errorf("scrape.fetch_timeout must be > 0")
	}
	if c.Scrape.StaleAfter <= c.Scrape.FetchTimeout {
		return fmt.Errorf("scrape.stale_after must exceed scrape.fetch_timeout")
	}
	if c.Scrape.MaxAttempts <= 0 || c.Jobs.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be > 0")
	}
	if c.Extract.BatchSize <= 0 || c.Extract.Concurrency <= 0 {
		return fmt.Errorf("extract.batch_size and extract.concurrency must be > 0")
	}
	if c.Retention.QueueHours <= 0 || c.Retention.BatchSize <= 0 || c.Retention.MaxBatches <= 0 {
		return fmt.Errorf("retention.queue_hours, batch_size and max_batches must be > 0")
	}
	if c.Jobs.Workers <= 0 {
		return fmt.Errorf("jobs.workers must be > 0")
	}
	if c.Jobs.StaleAfter <= c.Jobs.HandlerTimeout {
		return fmt.Errorf("jobs.stale_after must exceed jobs.handler_timeout")
	}
	switch c.Storage.Backend {
	case StorageMemory, StorageLocal:
	case StorageGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set when storage.backend is gcs")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	return nil
}

// RecencyFor returns the configured default recency window for a method name.
func (c DiscoveryConfig) RecencyFor(method string) time.Duration {
	switch method {
	case "feed":
		return c.Feed.Recency
	case "search-engine":
		return c.Search.Recency
	case "crawl-map":
		return c.CrawlMap.Recency
	default:
		return 0
	}
}
