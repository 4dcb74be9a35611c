package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"time"

	"github.com/JakeFAU/discovery-pipeline/internal/pipeline"
)

// ExistingURLs returns the urls already queued for sourceID.
func (s *Store) ExistingURLs(_ context.Context, sourceID string, urls []string) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]struct{})
	for _, u := range urls {
		id, ok := s.byURL[u]
		if ok && s.entries[id].SourceID == sourceID {
			out[u] = struct{}{}
		}
	}
	return out, nil
}

// InsertEntries inserts entries whose URL is not already queued.
func (s *Store) InsertEntries(_ context.Context, entries []pipeline.QueueEntry) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, e := range entries {
		if _, dup := s.byURL[e.URL]; dup {
			continue
		}
		if _, dup := s.entries[e.ID]; dup {
			return inserted, fmt.Errorf("insert entry %s: duplicate id", e.ID)
		}
		if e.Status == "" {
			e.Status = pipeline.ScrapePending
		}
		s.entries[e.ID] = cloneEntry(e)
		s.byURL[e.URL] = e.ID
		inserted++
	}
	return inserted, nil
}

func claimable(e pipeline.QueueEntry, maxAttempts int) bool {
	switch e.Status {
	case pipeline.ScrapePending:
		return true
	case pipeline.ScrapeFailed:
		return e.Attempts < maxAttempts
	default:
		return false
	}
}

// Claim leases up to req.Limit claimable entries ordered by priority
// ascending, then discovery time descending.
func (s *Store) Claim(_ context.Context, req pipeline.ClaimRequest) ([]pipeline.QueueEntry, error) {
	if req.Limit <= 0 {
		return nil, nil
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = pipeline.DefaultMaxAttempts
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	candidates := make([]pipeline.QueueEntry, 0)
	for _, e := range s.entries {
		if claimable(e, maxAttempts) {
			candidates = append(candidates, e)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.DiscoveredAt.Equal(b.DiscoveredAt) {
			return a.DiscoveredAt.After(b.DiscoveredAt)
		}
		return a.ID < b.ID
	})
	if len(candidates) > req.Limit {
		candidates = candidates[:req.Limit]
	}
	out := make([]pipeline.QueueEntry, 0, len(candidates))
	for _, e := range candidates {
		e.Status = pipeline.ScrapeProcessing
		e.ClaimedAt = pointerTime(req.At)
		s.entries[e.ID] = e
		out = append(out, cloneEntry(e))
	}
	return out, nil
}

func holdsLease(e pipeline.QueueEntry, claimedAt time.Time) bool {
	return e.Status == pipeline.ScrapeProcessing && e.ClaimedAt != nil && e.ClaimedAt.Equal(claimedAt)
}

// MarkCompleted stores the scrape result for an entry still leased at claimedAt.
func (s *Store) MarkCompleted(_ context.Context, entryID string, claimedAt time.Time, result pipeline.ScrapeResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[entryID]
	if !ok || !holdsLease(e, claimedAt) {
		return fmt.Errorf("complete entry %s: %w", entryID, pipeline.ErrNotFound)
	}
	content := result.Content
	e.Status = pipeline.ScrapeCompleted
	e.FullContent = &content
	e.ContentLength = len(content)
	e.ScrapedAt = pointerTime(result.ScrapedAt)
	e.LastError = ""
	e.ExtractedMetadata = nil
	if len(result.RawMetadata) > 0 {
		if e.RawMetadata == nil {
			e.RawMetadata = make(map[string]any, len(result.RawMetadata))
		}
		maps.Copy(e.RawMetadata, result.RawMetadata)
	}
	s.entries[entryID] = e
	return nil
}

// MarkFailed increments attempts on an entry still leased at claimedAt and sets it failed.
func (s *Store) MarkFailed(_ context.Context, entryID string, claimedAt time.Time, reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[entryID]
	if !ok || !holdsLease(e, claimedAt) {
		return 0, fmt.Errorf("fail entry %s: %w", entryID, pipeline.ErrNotFound)
	}
	e.Attempts++
	e.Status = pipeline.ScrapeFailed
	e.LastError = reason
	e.ClaimedAt = nil
	s.entries[entryID] = e
	return e.Attempts, nil
}

// RequeueStaleEntries releases entries claimed before claimedBefore, charging one attempt.
func (s *Store) RequeueStaleEntries(_ context.Context, claimedBefore time.Time, maxAttempts int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.entries {
		if e.Status != pipeline.ScrapeProcessing || e.ClaimedAt == nil || !e.ClaimedAt.Before(claimedBefore) {
			continue
		}
		e.Attempts++
		if e.Attempts >= maxAttempts {
			e.Status = pipeline.ScrapeFailed
		} else {
			e.Status = pipeline.ScrapePending
		}
		e.LastError = "lease expired"
		e.ClaimedAt = nil
		s.entries[id] = e
		n++
	}
	return n, nil
}

// GetEntry fetches an entry by ID.
func (s *Store) GetEntry(_ context.Context, entryID string) (pipeline.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[entryID]
	if !ok {
		return pipeline.QueueEntry{}, fmt.Errorf("get entry %s: %w", entryID, pipeline.ErrNotFound)
	}
	return cloneEntry(e), nil
}

// ListForExtraction returns entries without metadata, newest discoveries first.
func (s *Store) ListForExtraction(_ context.Context, limit int) ([]pipeline.QueueEntry, error) {
	s.mu.Lock()
	out := make([]pipeline.QueueEntry, 0)
	for _, e := range s.entries {
		if e.ExtractedMetadata == nil && e.Status != pipeline.ScrapeProcessing {
			out = append(out, cloneEntry(e))
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DiscoveredAt.Equal(out[j].DiscoveredAt) {
			return out[i].DiscoveredAt.After(out[j].DiscoveredAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SaveMetadata attaches extracted metadata to an entry.
func (s *Store) SaveMetadata(_ context.Context, entryID string, metadata pipeline.ExtractedMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[entryID]
	if !ok {
		return fmt.Errorf("save metadata %s: %w", entryID, pipeline.ErrNotFound)
	}
	md := metadata
	e.ExtractedMetadata = &md
	s.entries[entryID] = e
	return nil
}

// Entries returns a snapshot of every queued entry.
func (s *Store) Entries() []pipeline.QueueEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]pipeline.QueueEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, cloneEntry(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
