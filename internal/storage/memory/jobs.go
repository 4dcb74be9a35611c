package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/discovery-pipeline/internal/pipeline"
)

// Enqueue stores a new pending job.
func (s *Store) Enqueue(_ context.Context, job pipeline.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("enqueue job %s: already exists", job.ID)
	}
	if job.Status == "" {
		job.Status = pipeline.JobPending
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = pipeline.DefaultMaxAttempts
	}
	s.seq++
	s.jobs[job.ID] = storedJob{job: cloneJob(job), seq: s.seq}
	return nil
}

// ClaimNext leases the highest-priority, oldest pending job.
func (s *Store) ClaimNext(_ context.Context, workerID string, at time.Time) (pipeline.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		best  storedJob
		found bool
	)
	for _, sj := range s.jobs {
		if sj.job.Status != pipeline.JobPending {
			continue
		}
		if !found || jobBefore(sj, best) {
			best, found = sj, true
		}
	}
	if !found {
		return pipeline.Job{}, pipeline.ErrNoJobAvailable
	}
	best.job.Status = pipeline.JobProcessing
	best.job.WorkerID = workerID
	best.job.StartedAt = pointerTime(at)
	s.jobs[best.job.ID] = best
	return cloneJob(best.job), nil
}

func jobBefore(a, b storedJob) bool {
	if a.job.Priority != b.job.Priority {
		return a.job.Priority > b.job.Priority
	}
	if !a.job.CreatedAt.Equal(b.job.CreatedAt) {
		return a.job.CreatedAt.Before(b.job.CreatedAt)
	}
	return a.seq < b.seq
}

func heldBy(job pipeline.Job, workerID string) bool {
	return job.Status == pipeline.JobProcessing && job.WorkerID == workerID
}

// Complete marks a job held by workerID completed.
func (s *Store) Complete(_ context.Context, jobID string, workerID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sj, ok := s.jobs[jobID]
	if !ok || !heldBy(sj.job, workerID) {
		return fmt.Errorf("complete job %s: %w", jobID, pipeline.ErrNotFound)
	}
	sj.job.Status = pipeline.JobCompleted
	sj.job.CompletedAt = pointerTime(at)
	sj.job.LastError = ""
	s.jobs[jobID] = sj
	return nil
}

// Fail charges one attempt and requeues the job, or fails it at the cap.
func (s *Store) Fail(_ context.Context, jobID string, workerID string, reason string, at time.Time) (pipeline.JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sj, ok := s.jobs[jobID]
	if !ok || !heldBy(sj.job, workerID) {
		return "", fmt.Errorf("fail job %s: %w", jobID, pipeline.ErrNotFound)
	}
	sj.job = failJob(sj.job, reason, at)
	s.jobs[jobID] = sj
	return sj.job.Status, nil
}

func failJob(job pipeline.Job, reason string, at time.Time) pipeline.Job {
	job.Attempts++
	job.LastError = reason
	job.WorkerID = ""
	if job.Attempts >= job.MaxAttempts {
		job.Status = pipeline.JobFailed
		job.CompletedAt = pointerTime(at)
	} else {
		job.Status = pipeline.JobPending
		job.StartedAt = nil
	}
	return job
}

// RequeueStaleJobs releases jobs whose worker has held them since before startedBefore.
func (s *Store) RequeueStaleJobs(_ context.Context, startedBefore time.Time, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sj := range s.jobs {
		if sj.job.Status != pipeline.JobProcessing || sj.job.StartedAt == nil || !sj.job.StartedAt.Before(startedBefore) {
			continue
		}
		sj.job = failJob(sj.job, "lease expired", at)
		s.jobs[id] = sj
		n++
	}
	return n, nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(_ context.Context, jobID string) (pipeline.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sj, ok := s.jobs[jobID]
	if !ok {
		return pipeline.Job{}, fmt.Errorf("get job %s: %w", jobID, pipeline.ErrNotFound)
	}
	return cloneJob(sj.job), nil
}
