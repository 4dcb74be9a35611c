package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/JakeFAU/discovery-pipeline/internal/pipeline"
)

// UpsertSource inserts or replaces a source by ID.
func (s *Store) UpsertSource(_ context.Context, source pipeline.Source) error {
	if source.ID == "" {
		return fmt.Errorf("upsert source: empty id")
	}
	s.mu.Lock()
	s.sources[source.ID] = cloneSource(source)
	s.mu.Unlock()
	return nil
}

// SetActive toggles a source's active flag.
func (s *Store) SetActive(_ context.Context, sourceID string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[sourceID]
	if !ok {
		return fmt.Errorf("set active %s: %w", sourceID, pipeline.ErrNotFound)
	}
	src.Active = active
	s.sources[sourceID] = src
	return nil
}

// GetSource fetches a source by ID.
func (s *Store) GetSource(_ context.Context, sourceID string) (pipeline.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[sourceID]
	if !ok {
		return pipeline.Source{}, fmt.Errorf("get source %s: %w", sourceID, pipeline.ErrNotFound)
	}
	return cloneSource(src), nil
}

// ListActive returns active sources matching filter, most urgent tier first,
// then healthiest, then least recently discovered.
func (s *Store) ListActive(_ context.Context, filter pipeline.SourceFilter) ([]pipeline.Source, error) {
	s.mu.Lock()
	out := make([]pipeline.Source, 0, len(s.sources))
	for _, src := range s.sources {
		if !src.Active {
			continue
		}
		if filter.Method != "" && src.Method != filter.Method {
			continue
		}
		if filter.Tier != nil && src.Tier != *filter.Tier {
			continue
		}
		if filter.Group != nil && (src.Group == nil || *src.Group != *filter.Group) {
			continue
		}
		out = append(out, cloneSource(src))
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Tier != b.Tier {
			return a.Tier < b.Tier
		}
		if a.ConsecutiveFailures != b.ConsecutiveFailures {
			return a.ConsecutiveFailures < b.ConsecutiveFailures
		}
		switch {
		case a.LastSuccessfulDiscovery == nil && b.LastSuccessfulDiscovery != nil:
			return true
		case a.LastSuccessfulDiscovery != nil && b.LastSuccessfulDiscovery == nil:
			return false
		case a.LastSuccessfulDiscovery != nil && !a.LastSuccessfulDiscovery.Equal(*b.LastSuccessfulDiscovery):
			return a.LastSuccessfulDiscovery.Before(*b.LastSuccessfulDiscovery)
		}
		return a.Name < b.Name
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// RecordOutcome updates the health counters of a source.
func (s *Store) RecordOutcome(_ context.Context, sourceID string, success bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[sourceID]
	if !ok {
		return fmt.Errorf("record outcome %s: %w", sourceID, pipeline.ErrNotFound)
	}
	if success {
		src.ConsecutiveFailures = 0
		src.LastSuccessfulDiscovery = pointerTime(at)
	} else {
		src.ConsecutiveFailures++
	}
	s.sources[sourceID] = src
	return nil
}
