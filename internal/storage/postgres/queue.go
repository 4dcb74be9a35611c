package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/discovery-pipeline/internal/pipeline"
)

const entryColumns = `id, source_id, url, title, description, discovered_at, published_at,
	scrape_status, scrape_attempts, scrape_priority, full_content, content_length,
	scraped_at, claimed_at, last_error, extracted_metadata, raw_metadata`

// claimablePredicate matches rows a worker may lease; $N is max attempts.
const claimablePredicate = `(scrape_status = 'pending' OR (scrape_status = 'failed' AND scrape_attempts < %s))`

func scanEntry(row pgx.Row) (pipeline.QueueEntry, error) {
	var (
		e      pipeline.QueueEntry
		status string
	)
	err := row.Scan(
		&e.ID,
		&e.SourceID,
		&e.URL,
		&e.Title,
		&e.Description,
		&e.DiscoveredAt,
		&e.PublishedAt,
		&status,
		&e.Attempts,
		&e.Priority,
		&e.FullContent,
		&e.ContentLength,
		&e.ScrapedAt,
		&e.ClaimedAt,
		&e.LastError,
		&e.ExtractedMetadata,
		&e.RawMetadata,
	)
	if err != nil {
		return pipeline.QueueEntry{}, err
	}
	e.Status = pipeline.ScrapeStatus(status)
	return e, nil
}

func collectEntries(rows pgx.Rows) ([]pipeline.QueueEntry, error) {
	defer rows.Close()
	var out []pipeline.QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return out, nil
}

// ExistingURLs returns the urls already queued for sourceID.
func (s *Store) ExistingURLs(ctx context.Context, sourceID string, urls []string) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	if len(urls) == 0 {
		return out, nil
	}
	rows, err := s.db.Query(ctx, `SELECT url FROM scrape_queue WHERE source_id = $1 AND url = ANY($2)`, sourceID, urls)
	if err != nil {
		return nil, fmt.Errorf("query existing urls: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan existing url: %w", err)
		}
		out[u] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate existing urls: %w", err)
	}
	return out, nil
}

// InsertEntries inserts entries one statement each; URL conflicts are skipped
// so concurrent discoveries of the same URL never create duplicate work.
func (s *Store) InsertEntries(ctx context.Context, entries []pipeline.QueueEntry) (int, error) {
	inserted := 0
	for _, e := range entries {
		raw, err := json.Marshal(nonNilMap(e.RawMetadata))
		if err != nil {
			return inserted, fmt.Errorf("marshal raw metadata: %w", err)
		}
		status := e.Status
		if status == "" {
			status = pipeline.ScrapePending
		}
		tag, err := s.db.Exec(ctx, `
INSERT INTO scrape_queue (
	id, source_id, url, title, description, discovered_at, published_at,
	scrape_status, scrape_attempts, scrape_priority, raw_metadata
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (url) DO NOTHING`,
			e.ID, e.SourceID, e.URL, e.Title, e.Description, e.DiscoveredAt, e.PublishedAt,
			string(status), e.Attempts, e.Priority, raw,
		)
		if err != nil {
			return inserted, fmt.Errorf("insert queue entry: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// Claim leases up to req.Limit claimable entries ordered by priority
// ascending, then discovery time descending.
func (s *Store) Claim(ctx context.Context, req pipeline.ClaimRequest) ([]pipeline.QueueEntry, error) {
	if req.Limit <= 0 {
		return nil, nil
	}
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = pipeline.DefaultMaxAttempts
	}
	var (
		claimed []pipeline.QueueEntry
		err     error
	)
	if s.claimMode == ClaimOptimistic {
		claimed, err = s.claimOptimistic(ctx, req)
	} else {
		claimed, err = s.claimAtomic(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	sortClaimed(claimed)
	return claimed, nil
}

func (s *Store) claimAtomic(ctx context.Context, req pipeline.ClaimRequest) ([]pipeline.QueueEntry, error) {
	query := `
UPDATE scrape_queue SET scrape_status = 'processing', claimed_at = $1
WHERE id IN (
	SELECT id FROM scrape_queue
	WHERE ` + fmt.Sprintf(claimablePredicate, "$2") + `
	ORDER BY scrape_priority ASC, discovered_at DESC
	LIMIT $3
	FOR UPDATE SKIP LOCKED
)
RETURNING ` + entryColumns
	rows, err := s.db.Query(ctx, query, req.At, req.MaxAttempts, req.Limit)
	if err != nil {
		return nil, fmt.Errorf("claim queue entries: %w", err)
	}
	return collectEntries(rows)
}

func (s *Store) claimOptimistic(ctx context.Context, req pipeline.ClaimRequest) ([]pipeline.QueueEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM scrape_queue
WHERE ` + fmt.Sprintf(claimablePredicate, "$1") + `
ORDER BY scrape_priority ASC, discovered_at DESC
LIMIT $2`
	rows, err := s.db.Query(ctx, query, req.MaxAttempts, req.Limit)
	if err != nil {
		return nil, fmt.Errorf("select claim candidates: %w", err)
	}
	candidates, err := collectEntries(rows)
	if err != nil {
		return nil, err
	}

	update := `UPDATE scrape_queue SET scrape_status = 'processing', claimed_at = $2
WHERE id = $1 AND ` + fmt.Sprintf(claimablePredicate, "$3")
	claimed := make([]pipeline.QueueEntry, 0, len(candidates))
	for _, e := range candidates {
		tag, err := s.db.Exec(ctx, update, e.ID, req.At, req.MaxAttempts)
		if err != nil {
			return nil, fmt.Errorf("claim queue entry %s: %w", e.ID, err)
		}
		if tag.RowsAffected() != 1 {
			// Another worker won the row; it stays eligible for them.
			continue
		}
		at := req.At
		e.Status = pipeline.ScrapeProcessing
		e.ClaimedAt = &at
		claimed = append(claimed, e)
	}
	return claimed, nil
}

func sortClaimed(entries []pipeline.QueueEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Priority != entries[j].Priority {
			return entries[i].Priority < entries[j].Priority
		}
		return entries[i].DiscoveredAt.After(entries[j].DiscoveredAt)
	})
}

// MarkCompleted stores the scrape result for an entry still leased at claimedAt.
func (s *Store) MarkCompleted(ctx context.Context, entryID string, claimedAt time.Time, result pipeline.ScrapeResult) error {
	raw, err := json.Marshal(nonNilMap(result.RawMetadata))
	if err != nil {
		return fmt.Errorf("marshal raw metadata: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
UPDATE scrape_queue SET
	scrape_status = 'completed',
	full_content = $2,
	content_length = $3,
	scraped_at = $4,
	last_error = '',
	extracted_metadata = NULL,
	raw_metadata = raw_metadata || $5::jsonb
WHERE id = $1 AND scrape_status = 'processing' AND claimed_at = $6`,
		entryID, result.Content, len(result.Content), result.ScrapedAt, raw, claimedAt,
	)
	if err != nil {
		return fmt.Errorf("complete queue entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("complete entry", entryID)
	}
	return nil
}

// MarkFailed increments attempts on an entry still leased at claimedAt and sets it failed.
func (s *Store) MarkFailed(ctx context.Context, entryID string, claimedAt time.Time, reason string) (int, error) {
	var attempts int
	err := s.db.QueryRow(ctx, `
UPDATE scrape_queue SET
	scrape_status = 'failed',
	scrape_attempts = scrape_attempts + 1,
	last_error = $2,
	claimed_at = NULL
WHERE id = $1 AND scrape_status = 'processing' AND claimed_at = $3
RETURNING scrape_attempts`, entryID, reason, claimedAt).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, notFound("fail entry", entryID)
	}
	if err != nil {
		return 0, fmt.Errorf("fail queue entry: %w", err)
	}
	return attempts, nil
}

// RequeueStaleEntries releases entries claimed before claimedBefore, charging
// one attempt; entries reaching maxAttempts fail terminally.
func (s *Store) RequeueStaleEntries(ctx context.Context, claimedBefore time.Time, maxAttempts int) (int, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE scrape_queue SET
	scrape_attempts = scrape_attempts + 1,
	scrape_status = CASE WHEN scrape_attempts + 1 >= $2 THEN 'failed' ELSE 'pending' END,
	last_error = 'lease expired',
	claimed_at = NULL
WHERE scrape_status = 'processing' AND claimed_at < $1`, claimedBefore, maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("requeue stale entries: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// GetEntry fetches an entry by ID.
func (s *Store) GetEntry(ctx context.Context, entryID string) (pipeline.QueueEntry, error) {
	e, err := scanEntry(s.db.QueryRow(ctx, `SELECT `+entryColumns+` FROM scrape_queue WHERE id = $1`, entryID))
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.QueueEntry{}, notFound("get entry", entryID)
	}
	if err != nil {
		return pipeline.QueueEntry{}, fmt.Errorf("get queue entry: %w", err)
	}
	return e, nil
}

// ListForExtraction returns entries without metadata, newest discoveries first.
func (s *Store) ListForExtraction(ctx context.Context, limit int) ([]pipeline.QueueEntry, error) {
	rows, err := s.db.Query(ctx, `SELECT `+entryColumns+` FROM scrape_queue
WHERE extracted_metadata IS NULL AND scrape_status <> 'processing'
ORDER BY discovered_at DESC
LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list entries for extraction: %w", err)
	}
	return collectEntries(rows)
}

// SaveMetadata attaches extracted metadata to an entry.
func (s *Store) SaveMetadata(ctx context.Context, entryID string, metadata pipeline.ExtractedMetadata) error {
	payload, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal extracted metadata: %w", err)
	}
	tag, err := s.db.Exec(ctx, `UPDATE scrape_queue SET extracted_metadata = $2 WHERE id = $1`, entryID, payload)
	if err != nil {
		return fmt.Errorf("save extracted metadata: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("save metadata", entryID)
	}
	return nil
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
