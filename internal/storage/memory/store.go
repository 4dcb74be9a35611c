// Package memory provides mutex-guarded in-memory stores for development and
// tests. A single Store backs every table so cross-table operations stay atomic.
package memory

import (
	"maps"
	"sync"
	"time"

	"github.com/JakeFAU/discovery-pipeline/internal/pipeline"
)

// Store implements the pipeline store interfaces in memory.
type Store struct {
	mu      sync.Mutex
	sources map[string]pipeline.Source
	entries map[string]pipeline.QueueEntry
	byURL   map[string]string
	runs    map[string]pipeline.RunRecord
	jobs    map[string]storedJob
	matches map[string]int
	seq     int64
}

type storedJob struct {
	job pipeline.Job
	seq int64
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		sources: make(map[string]pipeline.Source),
		entries: make(map[string]pipeline.QueueEntry),
		byURL:   make(map[string]string),
		runs:    make(map[string]pipeline.RunRecord),
		jobs:    make(map[string]storedJob),
		matches: make(map[string]int),
	}
}

// AddMatches records n dependent match rows for entryID. Matches are written
// by downstream analysis; the store only tracks them for retention ordering.
func (s *Store) AddMatches(entryID string, n int) {
	s.mu.Lock()
	s.matches[entryID] += n
	s.mu.Unlock()
}

// Matches reports the dependent rows held for entryID.
func (s *Store) Matches(entryID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.matches[entryID]
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}

func cloneEntry(e pipeline.QueueEntry) pipeline.QueueEntry {
	e.RawMetadata = maps.Clone(e.RawMetadata)
	if e.FullContent != nil {
		content := *e.FullContent
		e.FullContent = &content
	}
	if e.ExtractedMetadata != nil {
		md := *e.ExtractedMetadata
		e.ExtractedMetadata = &md
	}
	return e
}

func cloneSource(src pipeline.Source) pipeline.Source {
	src.Industries = append([]string(nil), src.Industries...)
	return src
}

func cloneJob(j pipeline.Job) pipeline.Job {
	j.Payload = append([]byte(nil), j.Payload...)
	return j
}

var (
	_ pipeline.SourceStore    = (*Store)(nil)
	_ pipeline.QueueStore     = (*Store)(nil)
	_ pipeline.RunStore       = (*Store)(nil)
	_ pipeline.JobStore       = (*Store)(nil)
	_ pipeline.RetentionStore = (*Store)(nil)
)
