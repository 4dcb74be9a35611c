package memory

import (
	"context"
	"sort"
	"time"

	"github.com/JakeFAU/discovery-pipeline/internal/pipeline"
)

// ExpiredEntryIDs returns up to limit entry IDs discovered before cutoff, oldest first.
func (s *Store) ExpiredEntryIDs(_ context.Context, cutoff time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	expired := make([]pipeline.QueueEntry, 0)
	for _, e := range s.entries {
		if e.DiscoveredAt.Before(cutoff) {
			expired = append(expired, e)
		}
	}
	s.mu.Unlock()

	sort.Slice(expired, func(i, j int) bool {
		if !expired[i].DiscoveredAt.Equal(expired[j].DiscoveredAt) {
			return expired[i].DiscoveredAt.Before(expired[j].DiscoveredAt)
		}
		return expired[i].ID < expired[j].ID
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	ids := make([]string, len(expired))
	for i, e := range expired {
		ids[i] = e.ID
	}
	return ids, nil
}

// DeleteEntries removes the dependents of each entry, then the entries.
func (s *Store) DeleteEntries(_ context.Context, entryIDs []string) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dependents := 0
	for _, id := range entryIDs {
		dependents += s.matches[id]
		delete(s.matches, id)
	}
	entries := 0
	for _, id := range entryIDs {
		e, ok := s.entries[id]
		if !ok {
			continue
		}
		delete(s.byURL, e.URL)
		delete(s.entries, id)
		entries++
	}
	return entries, dependents, nil
}

// CountExpiredEntries counts up to limit of the oldest entries discovered
// before cutoff and their dependents.
func (s *Store) CountExpiredEntries(ctx context.Context, cutoff time.Time, limit int) (int, int, error) {
	ids, err := s.ExpiredEntryIDs(ctx, cutoff, limit)
	if err != nil {
		return 0, 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	dependents := 0
	for _, id := range ids {
		dependents += s.matches[id]
	}
	return len(ids), dependents, nil
}

func runExpired(run pipeline.RunRecord, cutoff time.Time) bool {
	return run.Status != pipeline.RunRunning && run.StartedAt.Before(cutoff)
}

// DeleteRuns removes up to limit finished runs started before cutoff.
func (s *Store) DeleteRuns(_ context.Context, cutoff time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, run := range s.runs {
		if limit > 0 && n >= limit {
			break
		}
		if runExpired(run, cutoff) {
			delete(s.runs, id)
			n++
		}
	}
	return n, nil
}

// CountRuns counts finished runs started before cutoff.
func (s *Store) CountRuns(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, run := range s.runs {
		if runExpired(run, cutoff) {
			n++
		}
	}
	return n, nil
}

func jobExpired(job pipeline.Job, cutoff time.Time) bool {
	if job.Status != pipeline.JobCompleted && job.Status != pipeline.JobFailed {
		return false
	}
	return job.CompletedAt != nil && job.CompletedAt.Before(cutoff)
}

// DeleteJobs removes up to limit terminal jobs finished before cutoff.
func (s *Store) DeleteJobs(_ context.Context, cutoff time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sj := range s.jobs {
		if limit > 0 && n >= limit {
			break
		}
		if jobExpired(sj.job, cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

// CountJobs counts terminal jobs finished before cutoff.
func (s *Store) CountJobs(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sj := range s.jobs {
		if jobExpired(sj.job, cutoff) {
			n++
		}
	}
	return n, nil
}
