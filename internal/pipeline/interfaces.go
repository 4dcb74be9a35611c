package pipeline

import (
	"context"
	"io"
	"time"
)

// SourceRegistry reads the source catalog and records discovery health.
type SourceRegistry interface {
	ListActive(ctx context.Context, filter SourceFilter) ([]Source, error)
	// RecordOutcome resets the failure counter and stamps the last successful
	// discovery on success, or increments the counter on failure.
	RecordOutcome(ctx context.Context, sourceID string, success bool, at time.Time) error
}

// SourceStore adds the administrative operations on top of SourceRegistry.
type SourceStore interface {
	SourceRegistry
	UpsertSource(ctx context.Context, source Source) error
	SetActive(ctx context.Context, sourceID string, active bool) error
	GetSource(ctx context.Context, sourceID string) (Source, error)
}

// QueueStore persists scrape queue entries and their lease transitions.
type QueueStore interface {
	// ExistingURLs returns the subset of urls already queued for sourceID.
	ExistingURLs(ctx context.Context, sourceID string, urls []string) (map[string]struct{}, error)
	// InsertEntries inserts new pending entries, silently skipping URL
	// conflicts, and reports how many rows were written.
	InsertEntries(ctx context.Context, entries []QueueEntry) (int, error)
	// Claim leases up to req.Limit claimable entries, moving them to processing.
	Claim(ctx context.Context, req ClaimRequest) ([]QueueEntry, error)
	// MarkCompleted and MarkFailed resolve a lease. claimedAt must match the
	// entry's current claim; a lease lost to RequeueStaleEntries and since
	// re-claimed resolves to ErrNotFound. MarkCompleted clears previously
	// extracted metadata so the entry is extracted again from its content.
	MarkCompleted(ctx context.Context, entryID string, claimedAt time.Time, result ScrapeResult) error
	// MarkFailed increments attempts, records reason and sets status failed.
	// The entry stays claimable until the returned attempts reach the maximum.
	MarkFailed(ctx context.Context, entryID string, claimedAt time.Time, reason string) (attempts int, err error)
	// RequeueStaleEntries releases entries stuck in processing since before claimedBefore.
	RequeueStaleEntries(ctx context.Context, claimedBefore time.Time, maxAttempts int) (int, error)
	GetEntry(ctx context.Context, entryID string) (QueueEntry, error)
	// ListForExtraction returns entries without extracted metadata, newest first.
	ListForExtraction(ctx context.Context, limit int) ([]QueueEntry, error)
	SaveMetadata(ctx context.Context, entryID string, metadata ExtractedMetadata) error
}

// RunStore persists orchestrator run records.
type RunStore interface {
	// FailStaleRuns marks running records of runType started before cutoff as failed.
	FailStaleRuns(ctx context.Context, runType RunType, cutoff time.Time, at time.Time) (int, error)
	CreateRun(ctx context.Context, run RunRecord) error
	FinalizeRun(ctx context.Context, run RunRecord) error
	GetRun(ctx context.Context, runID string) (RunRecord, error)
}

// JobStore persists generic jobs.
type JobStore interface {
	Enqueue(ctx context.Context, job Job) error
	// ClaimNext atomically leases the most urgent pending job or returns
	// ErrNoJobAvailable.
	ClaimNext(ctx context.Context, workerID string, at time.Time) (Job, error)
	// Complete and Fail only resolve a job still held by workerID.
	Complete(ctx context.Context, jobID string, workerID string, at time.Time) error
	// Fail increments attempts and requeues the job, or fails it terminally
	// once attempts reach max_attempts. It returns the resulting status.
	Fail(ctx context.Context, jobID string, workerID string, reason string, at time.Time) (JobStatus, error)
	RequeueStaleJobs(ctx context.Context, startedBefore time.Time, at time.Time) (int, error)
	GetJob(ctx context.Context, jobID string) (Job, error)
}

// RetentionStore exposes the age-based purge primitives.
type RetentionStore interface {
	ExpiredEntryIDs(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	// DeleteEntries removes dependents then the entries themselves in one
	// transaction; any failure leaves both untouched.
	DeleteEntries(ctx context.Context, entryIDs []string) (entries int, dependents int, err error)
	// CountExpiredEntries counts the oldest limit entries discovered before
	// cutoff, in ExpiredEntryIDs order, and their dependents. limit <= 0
	// counts every expired entry.
	CountExpiredEntries(ctx context.Context, cutoff time.Time, limit int) (entries int, dependents int, err error)
	DeleteRuns(ctx context.Context, cutoff time.Time, limit int) (int, error)
	CountRuns(ctx context.Context, cutoff time.Time) (int, error)
	DeleteJobs(ctx context.Context, cutoff time.Time, limit int) (int, error)
	CountJobs(ctx context.Context, cutoff time.Time) (int, error)
}

// JobEnqueuer is the producer half of the generic job queue.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload any, priority int) (string, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes notifications to downstream collaborators.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for archive keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs.
type IDGenerator interface {
	NewID() (string, error)
}
