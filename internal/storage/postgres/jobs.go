package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/discovery-pipeline/internal/pipeline"
)

const jobColumns = `id, job_type, payload, status, attempts, max_attempts, priority,
	worker_id, created_at, started_at, completed_at, last_error`

func scanJob(row pgx.Row) (pipeline.Job, error) {
	var (
		job     pipeline.Job
		status  string
		payload []byte
	)
	err := row.Scan(
		&job.ID,
		&job.Type,
		&payload,
		&status,
		&job.Attempts,
		&job.MaxAttempts,
		&job.Priority,
		&job.WorkerID,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
		&job.LastError,
	)
	if err != nil {
		return pipeline.Job{}, err
	}
	job.Status = pipeline.JobStatus(status)
	job.Payload = payload
	return job, nil
}

// Enqueue inserts a pending job.
func (s *Store) Enqueue(ctx context.Context, job pipeline.Job) error {
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = pipeline.DefaultMaxAttempts
	}
	payload := []byte(job.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := s.db.Exec(ctx, `
INSERT INTO jobs (id, job_type, payload, status, attempts, max_attempts, priority, created_at)
VALUES ($1, $2, $3, 'pending', 0, $4, $5, $6)`,
		job.ID, job.Type, payload, job.MaxAttempts, job.Priority, job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// ClaimNext leases the highest-priority, oldest pending job.
func (s *Store) ClaimNext(ctx context.Context, workerID string, at time.Time) (pipeline.Job, error) {
	if s.claimMode == ClaimOptimistic {
		return s.claimNextOptimistic(ctx, workerID, at)
	}
	job, err := scanJob(s.db.QueryRow(ctx, `
UPDATE jobs SET status = 'processing', worker_id = $1, started_at = $2
WHERE id = (
	SELECT id FROM jobs
	WHERE status = 'pending'
	ORDER BY priority DESC, created_at ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING `+jobColumns, workerID, at))
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.Job{}, pipeline.ErrNoJobAvailable
	}
	if err != nil {
		return pipeline.Job{}, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

func (s *Store) claimNextOptimistic(ctx context.Context, workerID string, at time.Time) (pipeline.Job, error) {
	job, err := scanJob(s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs
WHERE status = 'pending'
ORDER BY priority DESC, created_at ASC
LIMIT 1`))
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.Job{}, pipeline.ErrNoJobAvailable
	}
	if err != nil {
		return pipeline.Job{}, fmt.Errorf("select job candidate: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
UPDATE jobs SET status = 'processing', worker_id = $2, started_at = $3
WHERE id = $1 AND status = 'pending'`, job.ID, workerID, at)
	if err != nil {
		return pipeline.Job{}, fmt.Errorf("claim job %s: %w", job.ID, err)
	}
	if tag.RowsAffected() != 1 {
		// Lost the race; the caller polls again next cycle.
		return pipeline.Job{}, pipeline.ErrNoJobAvailable
	}
	started := at
	job.Status = pipeline.JobProcessing
	job.WorkerID = workerID
	job.StartedAt = &started
	return job, nil
}

// Complete marks a job held by workerID completed.
func (s *Store) Complete(ctx context.Context, jobID string, workerID string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
UPDATE jobs SET status = 'completed', completed_at = $2, last_error = ''
WHERE id = $1 AND status = 'processing' AND worker_id = $3`, jobID, at, workerID)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("complete job", jobID)
	}
	return nil
}

// jobFailSet charges one attempt; every reference to attempts is the pre-update value.
const jobFailSet = `
	attempts = attempts + 1,
	last_error = $2,
	worker_id = '',
	status = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'pending' END,
	completed_at = CASE WHEN attempts + 1 >= max_attempts THEN $3::timestamptz ELSE NULL END,
	started_at = CASE WHEN attempts + 1 >= max_attempts THEN started_at ELSE NULL END`

// Fail charges one attempt and requeues the job, or fails it at the cap.
func (s *Store) Fail(ctx context.Context, jobID string, workerID string, reason string, at time.Time) (pipeline.JobStatus, error) {
	var status string
	err := s.db.QueryRow(ctx, `UPDATE jobs SET`+jobFailSet+`
WHERE id = $1 AND status = 'processing' AND worker_id = $4
RETURNING status`, jobID, reason, at, workerID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", notFound("fail job", jobID)
	}
	if err != nil {
		return "", fmt.Errorf("fail job: %w", err)
	}
	return pipeline.JobStatus(status), nil
}

// RequeueStaleJobs releases jobs held in processing since before startedBefore.
func (s *Store) RequeueStaleJobs(ctx context.Context, startedBefore time.Time, at time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `UPDATE jobs SET`+jobFailSet+`
WHERE status = 'processing' AND started_at < $1`, startedBefore, "lease expired", at)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (pipeline.Job, error) {
	job, err := scanJob(s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.Job{}, notFound("get job", jobID)
	}
	if err != nil {
		return pipeline.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}
