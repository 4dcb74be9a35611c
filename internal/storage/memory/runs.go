package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/discovery-pipeline/internal/pipeline"
)

// FailStaleRuns marks running records of runType started before cutoff as failed.
func (s *Store) FailStaleRuns(_ context.Context, runType pipeline.RunType, cutoff time.Time, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, run := range s.runs {
		if run.RunType != runType || run.Status != pipeline.RunRunning || !run.StartedAt.Before(cutoff) {
			continue
		}
		run.Status = pipeline.RunFailed
		run.CompletedAt = pointerTime(at)
		run.DurationSeconds = at.Sub(run.StartedAt).Seconds()
		run.ErrorSummary = append(run.ErrorSummary, pipeline.SourceError{
			Kind:    pipeline.KindUnknown,
			Message: "run abandoned: still running past staleness threshold",
		})
		s.runs[id] = run
		n++
	}
	return n, nil
}

// CreateRun stores a new run record.
func (s *Store) CreateRun(_ context.Context, run pipeline.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("create run %s: already exists", run.ID)
	}
	s.runs[run.ID] = run
	return nil
}

// FinalizeRun overwrites the record with its final counts and status.
func (s *Store) FinalizeRun(_ context.Context, run pipeline.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return fmt.Errorf("finalize run %s: %w", run.ID, pipeline.ErrNotFound)
	}
	run.ErrorSummary = append([]pipeline.SourceError(nil), run.ErrorSummary...)
	s.runs[run.ID] = run
	return nil
}

// GetRun fetches a run record by ID.
func (s *Store) GetRun(_ context.Context, runID string) (pipeline.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return pipeline.RunRecord{}, fmt.Errorf("get run %s: %w", runID, pipeline.ErrNotFound)
	}
	run.ErrorSummary = append([]pipeline.SourceError(nil), run.ErrorSummary...)
	return run, nil
}
