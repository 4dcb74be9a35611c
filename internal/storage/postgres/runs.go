package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/discovery-pipeline/internal/pipeline"
)

const runColumns = `id, run_type, status, started_at, completed_at, sources_targeted,
	sources_successful, sources_failed, items_discovered, items_new, items_duplicate,
	duration_seconds, error_summary`

var staleRunSummary = mustJSON([]pipeline.SourceError{{
	Kind:    pipeline.KindUnknown,
	Message: "run abandoned: still running past staleness threshold",
}})

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// FailStaleRuns marks running records of runType started before cutoff as failed.
func (s *Store) FailStaleRuns(ctx context.Context, runType pipeline.RunType, cutoff time.Time, at time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE pipeline_runs SET
	status = 'failed',
	completed_at = $3,
	duration_seconds = EXTRACT(EPOCH FROM ($3 - started_at)),
	error_summary = COALESCE(error_summary, '[]'::jsonb) || $4::jsonb
WHERE run_type = $1 AND status = 'running' AND started_at < $2`,
		string(runType), cutoff, at, staleRunSummary,
	)
	if err != nil {
		return 0, fmt.Errorf("fail stale runs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CreateRun inserts a new run record.
func (s *Store) CreateRun(ctx context.Context, run pipeline.RunRecord) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO pipeline_runs (id, run_type, status, started_at, sources_targeted)
VALUES ($1, $2, $3, $4, $5)`,
		run.ID, string(run.RunType), string(run.Status), run.StartedAt, run.SourcesTargeted,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinalizeRun writes the run's final counts and status.
func (s *Store) FinalizeRun(ctx context.Context, run pipeline.RunRecord) error {
	var summary []byte
	if len(run.ErrorSummary) > 0 {
		var err error
		if summary, err = json.Marshal(run.ErrorSummary); err != nil {
			return fmt.Errorf("marshal error summary: %w", err)
		}
	}
	tag, err := s.db.Exec(ctx, `
UPDATE pipeline_runs SET
	status = $2,
	completed_at = $3,
	sources_targeted = $4,
	sources_successful = $5,
	sources_failed = $6,
	items_discovered = $7,
	items_new = $8,
	items_duplicate = $9,
	duration_seconds = $10,
	error_summary = $11
WHERE id = $1`,
		run.ID, string(run.Status), run.CompletedAt, run.SourcesTargeted, run.SourcesSucceeded,
		run.SourcesFailed, run.ItemsDiscovered, run.ItemsNew, run.ItemsDuplicate,
		run.DurationSeconds, summary,
	)
	if err != nil {
		return fmt.Errorf("finalize run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("finalize run", run.ID)
	}
	return nil
}

// GetRun fetches a run record by ID.
func (s *Store) GetRun(ctx context.Context, runID string) (pipeline.RunRecord, error) {
	var (
		run     pipeline.RunRecord
		runType string
		status  string
	)
	err := s.db.QueryRow(ctx, `SELECT `+runColumns+` FROM pipeline_runs WHERE id = $1`, runID).Scan(
		&run.ID,
		&runType,
		&status,
		&run.StartedAt,
		&run.CompletedAt,
		&run.SourcesTargeted,
		&run.SourcesSucceeded,
		&run.SourcesFailed,
		&run.ItemsDiscovered,
		&run.ItemsNew,
		&run.ItemsDuplicate,
		&run.DurationSeconds,
		&run.ErrorSummary,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.RunRecord{}, notFound("get run", runID)
	}
	if err != nil {
		return pipeline.RunRecord{}, fmt.Errorf("get run: %w", err)
	}
	run.RunType = pipeline.RunType(runType)
	run.Status = pipeline.RunStatus(status)
	return run, nil
}
