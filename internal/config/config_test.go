package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Scrape.BatchSize != 10 || cfg.Scrape.Concurrency != 5 {
		t.Fatalf("unexpected scrape defaults: %+v", cfg.Scrape)
	}
	if cfg.Scrape.MaxAttempts != 3 || cfg.Jobs.MaxAttempts != 3 {
		t.Fatalf("expected max attempts 3, got scrape=%d jobs=%d", cfg.Scrape.MaxAttempts, cfg.Jobs.MaxAttempts)
	}
	if cfg.Discovery.StaleRunAfter != 10*time.Minute {
		t.Fatalf("expected stale run threshold 10m, got %v", cfg.Discovery.StaleRunAfter)
	}
	if cfg.Retention.QueueHours != 72 {
		t.Fatalf("expected 72h queue retention, got %d", cfg.Retention.QueueHours)
	}
	if cfg.DB.ClaimMode != ClaimAtomic {
		t.Fatalf("expected atomic claim mode, got %q", cfg.DB.ClaimMode)
	}
	if got := cfg.Discovery.RecencyFor("crawl-map"); got != 168*time.Hour {
		t.Fatalf("expected crawl-map recency 168h, got %v", got)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
logging:
  development: false
db:
  dsn: postgres://localhost/pipeline
  claim_mode: optimistic
discovery:
  batch_size: 8
  inter_batch_delay: 250ms
  feed:
    recency: 24h
  search:
    daily_quota: 40
scrape:
  batch_size: 20
  fetch_timeout: 3s
storage:
  backend: gcs
  gcs_bucket: archive-bucket
schedule:
  feed: "*/15 * * * *"
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Logging.Development {
		t.Fatalf("expected production logging")
	}
	if cfg.DB.ClaimMode != ClaimOptimistic || cfg.DB.DSN == "" {
		t.Fatalf("expected db overrides to apply: %+v", cfg.DB)
	}
	if cfg.Discovery.BatchSize != 8 || cfg.Discovery.InterBatchDelay != 250*time.Millisecond {
		t.Fatalf("expected discovery overrides to apply: %+v", cfg.Discovery)
	}
	if cfg.Discovery.Feed.Recency != 24*time.Hour || cfg.Discovery.Search.DailyQuota != 40 {
		t.Fatalf("expected nested discovery overrides: %+v", cfg.Discovery)
	}
	if cfg.Discovery.Search.MaxPages != 2 {
		t.Fatalf("expected default search pages to survive partial override, got %d", cfg.Discovery.Search.MaxPages)
	}
	if cfg.Scrape.BatchSize != 20 || cfg.Scrape.FetchTimeout != 3*time.Second {
		t.Fatalf("expected scrape overrides: %+v", cfg.Scrape)
	}
	if cfg.Schedule.Feed != "*/15 * * * *" {
		t.Fatalf("expected feed schedule, got %q", cfg.Schedule.Feed)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PIPELINE_SCRAPE_CONCURRENCY", "9")
	t.Setenv("PIPELINE_DISCOVERY_SEARCH_API_KEY", "secret")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Scrape.Concurrency != 9 {
		t.Fatalf("expected env concurrency 9, got %d", cfg.Scrape.Concurrency)
	}
	if cfg.Discovery.Search.APIKey != "secret" {
		t.Fatalf("expected env api key, got %q", cfg.Discovery.Search.APIKey)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "invalid claim mode", mutate: func(c *Config) { c.DB.ClaimMode = "lock" }, want: "db.claim_mode"},
		{name: "invalid scrape concurrency", mutate: func(c *Config) { c.Scrape.Concurrency = 0 }, want: "scrape.batch_size"},
		{name: "invalid fetch timeout", mutate: func(c *Config) { c.Scrape.FetchTimeout = 0 }, want: "scrape.fetch_timeout"},
		{name: "gcs without bucket", mutate: func(c *Config) { c.Storage.Backend = StorageGCS }, want: "storage.gcs_bucket"},
		{name: "unknown backend", mutate: func(c *Config) { c.Storage.Backend = "s3" }, want: "storage.backend"},
		{name: "job lease shorter than handler", mutate: func(c *Config) { c.Jobs.StaleAfter = c.Jobs.HandlerTimeout }, want: "jobs.stale_after"},
		{name: "entry lease shorter than fetch", mutate: func(c *Config) { c.Scrape.StaleAfter = 5 * time.Second }, want: "scrape.stale_after"},
		{name: "no retention batches", mutate: func(c *Config) { c.Retention.MaxBatches = 0 }, want: "retention"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
