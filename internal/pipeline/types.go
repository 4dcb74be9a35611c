// Package pipeline defines the core types shared by the discovery, scrape,
// extraction, retention and job-queue subsystems.
package pipeline

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// DefaultMaxAttempts bounds retries for queue entries and jobs.
const DefaultMaxAttempts = 3

// DiscoveryMethod selects the strategy used to discover candidates for a source.
type DiscoveryMethod string

// Supported discovery methods.
const (
	MethodFeed         DiscoveryMethod = "feed"
	MethodSearchEngine DiscoveryMethod = "search-engine"
	MethodCrawlMap     DiscoveryMethod = "crawl-map"
)

// DiscoveryMethods lists every supported method in a stable order.
func DiscoveryMethods() []DiscoveryMethod {
	return []DiscoveryMethod{MethodFeed, MethodSearchEngine, MethodCrawlMap}
}

// ParseDiscoveryMethod accepts the canonical names plus a few common spellings.
func ParseDiscoveryMethod(raw string) (DiscoveryMethod, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "feed", "rss", "atom":
		return MethodFeed, nil
	case "search-engine", "search_engine", "search":
		return MethodSearchEngine, nil
	case "crawl-map", "crawl_map", "crawlmap", "map":
		return MethodCrawlMap, nil
	default:
		return "", fmt.Errorf("unknown discovery method %q", raw)
	}
}

// RunType returns the run-type label recorded for orchestrator runs of this method.
func (m DiscoveryMethod) RunType() RunType {
	return RunType("discovery:" + string(m))
}

// Source is a catalogued content source.
type Source struct {
	ID                      string          `json:"id"`
	Name                    string          `json:"name"`
	Address                 string          `json:"address"`
	Method                  DiscoveryMethod `json:"discovery_method"`
	Tier                    int             `json:"tier"`
	Industries              []string        `json:"industries"`
	Active                  bool            `json:"active"`
	ConsecutiveFailures     int             `json:"consecutive_failures"`
	LastSuccessfulDiscovery *time.Time      `json:"last_successful_discovery,omitempty"`
	Group                   *int            `json:"group,omitempty"`
	// RecencyHours overrides the method default recency cutoff when set.
	RecencyHours *int `json:"recency_hours,omitempty"`
}

// SourceFilter narrows ListActive results. Zero values mean "any".
type SourceFilter struct {
	Method DiscoveryMethod
	Tier   *int
	Group  *int
	Limit  int
}

// ScrapeStatus is the lifecycle state of a queue entry.
type ScrapeStatus string

// Scrape statuses persisted in scrape_queue.scrape_status.
const (
	ScrapePending    ScrapeStatus = "pending"
	ScrapeProcessing ScrapeStatus = "processing"
	ScrapeCompleted  ScrapeStatus = "completed"
	ScrapeFailed     ScrapeStatus = "failed"
)

// QueueEntry is the scrape queue's unit of work.
type QueueEntry struct {
	ID                string             `json:"id"`
	SourceID          string             `json:"source_id"`
	URL               string             `json:"url"`
	Title             string             `json:"title"`
	Description       string             `json:"description"`
	DiscoveredAt      time.Time          `json:"discovered_at"`
	PublishedAt       *time.Time         `json:"published_at,omitempty"`
	Status            ScrapeStatus       `json:"scrape_status"`
	Attempts          int                `json:"scrape_attempts"`
	Priority          int                `json:"scrape_priority"`
	FullContent       *string            `json:"full_content,omitempty"`
	ContentLength     int                `json:"content_length"`
	ScrapedAt         *time.Time         `json:"scraped_at,omitempty"`
	ClaimedAt         *time.Time         `json:"claimed_at,omitempty"`
	LastError         string             `json:"last_error,omitempty"`
	ExtractedMetadata *ExtractedMetadata `json:"extracted_metadata,omitempty"`
	RawMetadata       map[string]any     `json:"raw_metadata"`
}

// Candidate is a discovered item before it becomes a QueueEntry.
type Candidate struct {
	URL         string
	Title       string
	Description string
	PublishedAt *time.Time
	Raw         map[string]any
}

// ClaimRequest parameterizes a scrape queue lease.
type ClaimRequest struct {
	Limit       int
	MaxAttempts int
	At          time.Time
}

// ScrapeResult is stored when an entry completes.
type ScrapeResult struct {
	Content     string
	ScrapedAt   time.Time
	RawMetadata map[string]any
}

// Confidence grades extracted metadata by the richest input available.
type Confidence string

// Confidence tiers.
const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Temporal summarizes an entry's freshness at extraction time.
type Temporal struct {
	AgeHours  *float64 `json:"age_hours,omitempty"`
	Breaking  bool     `json:"breaking"`
	Within24h bool     `json:"within_24h"`
}

// ExtractedMetadata is produced by the metadata extraction stage.
type ExtractedMetadata struct {
	Entities    []string   `json:"entities"`
	Type        string     `json:"type"`
	Topics      []string   `json:"topics"`
	Industries  []string   `json:"industries"`
	Temporal    Temporal   `json:"temporal"`
	Confidence  Confidence `json:"confidence"`
	ExtractedAt time.Time  `json:"extracted_at"`
}

// RunType labels orchestrator runs; one label per discovery method.
type RunType string

// RunStatus is the lifecycle state of a run record.
type RunStatus string

// Run statuses persisted in pipeline_runs.status.
const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunPartial   RunStatus = "partial"
	RunFailed    RunStatus = "failed"
)

// SourceError is one entry of a run's error summary.
type SourceError struct {
	SourceID   string    `json:"source_id,omitempty"`
	SourceName string    `json:"source_name,omitempty"`
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
}

// RunRecord is the audit row for one orchestrator invocation.
type RunRecord struct {
	ID               string        `json:"id"`
	RunType          RunType       `json:"run_type"`
	Status           RunStatus     `json:"status"`
	StartedAt        time.Time     `json:"started_at"`
	CompletedAt      *time.Time    `json:"completed_at,omitempty"`
	SourcesTargeted  int           `json:"sources_targeted"`
	SourcesSucceeded int           `json:"sources_successful"`
	SourcesFailed    int           `json:"sources_failed"`
	ItemsDiscovered  int           `json:"items_discovered"`
	ItemsNew         int           `json:"items_new"`
	ItemsDuplicate   int           `json:"items_duplicate"`
	DurationSeconds  float64       `json:"duration_seconds"`
	ErrorSummary     []SourceError `json:"error_summary,omitempty"`
}

// JobStatus is the lifecycle state of a generic job.
type JobStatus string

// Job statuses persisted in jobs.status.
const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Job is a unit of work in the generic job queue.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"job_type"`
	Payload     json.RawMessage `json:"payload"`
	Status      JobStatus       `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Priority    int             `json:"priority"`
	WorkerID    string          `json:"worker_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
}

// Built-in job types.
const (
	JobExtractMetadata = "extract.metadata"
	JobPublishEntry    = "entry.publish"
)

// EntryPayload is the payload of jobs that act on a single queue entry.
type EntryPayload struct {
	EntryID string `json:"entry_id"`
}

// ScrapeNotification is published to downstream collaborators when an entry completes.
type ScrapeNotification struct {
	EntryID       string    `json:"entry_id"`
	URL           string    `json:"url"`
	SourceID      string    `json:"source_id"`
	ContentLength int       `json:"content_length"`
	ScrapedAt     time.Time `json:"scraped_at"`
}

// NotificationFor builds the notification for a completed entry.
func NotificationFor(e QueueEntry) ScrapeNotification {
	n := ScrapeNotification{
		EntryID:       e.ID,
		URL:           e.URL,
		SourceID:      e.SourceID,
		ContentLength: e.ContentLength,
	}
	if e.ScrapedAt != nil {
		n.ScrapedAt = *e.ScrapedAt
	}
	return n
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Response is the structured result of every invocation.
type Response struct {
	Success bool   `json:"success"`
	RunID   string `json:"run_id,omitempty"`
	Summary any    `json:"summary,omitempty"`
	Error   string `json:"error,omitempty"`
}

// OK builds a successful invocation response.
func OK(runID string, summary any) Response {
	return Response{Success: true, RunID: runID, Summary: summary}
}

// Failure builds a failed invocation response from err.
func Failure(err error) Response {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return Response{Success: false, Error: msg}
}
