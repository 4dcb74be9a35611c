// Package metrics exposes Prometheus collectors for the discovery pipeline.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	discoverySourcesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_discovery_sources_total",
			Help: "Sources processed by discovery runs, labeled by method and outcome.",
		},
		[]string{"method", "outcome"},
	)

	discoveryItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_discovery_items_total",
			Help: "Candidate items seen by discovery runs, labeled by method and kind (discovered, new, duplicate, stale).",
		},
		[]string{"method", "kind"},
	)

	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_runs_total",
			Help: "Finalized orchestrator runs, labeled by run type and status.",
		},
		[]string{"run_type", "status"},
	)

	scrapeEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_scrape_entries_total",
			Help: "Queue entries resolved by the scrape worker, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	fetchDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_fetch_duration_seconds",
			Help:    "Content fetch latency, labeled by site and status class.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"site", "status"},
	)

	fetchBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_fetch_bytes_total",
			Help: "Bytes fetched, labeled by site.",
		},
		[]string{"site"},
	)

	cacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_scrape_cache_hits_total",
			Help: "Fetches served from the scrape content cache.",
		},
	)

	robotsFallbackTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_robots_fallback_total",
			Help: "robots.txt probes that timed out and fell back to allow-all.",
		},
	)

	rateLimitDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_rate_limit_delay_seconds",
			Help:    "Time spent waiting on per-host rate limits.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"site"},
	)

	searchQuotaExhaustedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_search_quota_exhausted_total",
			Help: "Search discovery runs halted by the daily quota.",
		},
	)

	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_jobs_total",
			Help: "Jobs processed by the job queue workers, labeled by type and resulting status.",
		},
		[]string{"job_type", "status"},
	)

	activeJobWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipeline_active_job_workers",
			Help: "Job queue workers currently running a handler.",
		},
	)

	staleRequeuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_stale_requeued_total",
			Help: "Rows released by the stale-processing sweep, labeled by table.",
		},
		[]string{"table"},
	)

	cleanupDeletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_cleanup_deleted_total",
			Help: "Rows deleted by retention sweeps, labeled by table.",
		},
		[]string{"table"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30, 120},
		},
		[]string{"method", "route"},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SanitizeSite reduces a URL to a lowercase hostname, or "unknown".
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// ObserveDiscoverySource counts one processed source.
func ObserveDiscoverySource(method, outcome string) {
	discoverySourcesTotal.WithLabelValues(method, outcome).Inc()
}

// ObserveDiscoveryItems adds n items of the given kind.
func ObserveDiscoveryItems(method, kind string, n int) {
	if n <= 0 {
		return
	}
	discoveryItemsTotal.WithLabelValues(method, kind).Add(float64(n))
}

// ObserveRun counts a finalized run.
func ObserveRun(runType, status string) {
	runsTotal.WithLabelValues(runType, status).Inc()
}

// ObserveScrape counts one resolved queue entry.
func ObserveScrape(outcome string) {
	scrapeEntriesTotal.WithLabelValues(outcome).Inc()
}

// ObserveFetch records a fetch latency and body size.
func ObserveFetch(rawURL string, statusCode int, bytes int, d time.Duration) {
	site := SanitizeSite(rawURL)
	status := "error"
	if statusCode > 0 {
		status = strconv.Itoa(statusCode/100) + "xx"
	}
	fetchDurationSeconds.WithLabelValues(site, status).Observe(d.Seconds())
	if bytes > 0 {
		fetchBytesTotal.WithLabelValues(site).Add(float64(bytes))
	}
}

// ObserveCacheHit counts a fetch served from cache.
func ObserveCacheHit() {
	cacheHitsTotal.Inc()
}

// ObserveRobotsFallback counts a robots.txt probe that fell back to allow-all.
func ObserveRobotsFallback() {
	robotsFallbackTotal.Inc()
}

// ObserveRateLimitDelay records time spent waiting for a host token.
func ObserveRateLimitDelay(site string, d time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(site).Observe(d.Seconds())
}

// ObserveQuotaExhausted counts a search run halted by quota.
func ObserveQuotaExhausted() {
	searchQuotaExhaustedTotal.Inc()
}

// ObserveJob counts one handled job.
func ObserveJob(jobType, status string) {
	jobsTotal.WithLabelValues(jobType, status).Inc()
}

// IncActiveJobWorkers increments the active job worker gauge.
func IncActiveJobWorkers() { activeJobWorkers.Inc() }

// DecActiveJobWorkers decrements the active job worker gauge.
func DecActiveJobWorkers() { activeJobWorkers.Dec() }

// ObserveStaleRequeued adds n rows released by the stale sweep on table.
func ObserveStaleRequeued(table string, n int) {
	if n <= 0 {
		return
	}
	staleRequeuedTotal.WithLabelValues(table).Add(float64(n))
}

// ObserveCleanup adds n rows deleted from table.
func ObserveCleanup(table string, n int) {
	if n <= 0 {
		return
	}
	cleanupDeletedTotal.WithLabelValues(table).Add(float64(n))
}

// ObserveHTTPRequest records an API request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Middleware is a chi middleware that records HTTP request metrics by route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, route, rec.statusCode, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}
