package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/discovery-pipeline/internal/pipeline"
)

// ExpiredEntryIDs returns up to limit entry IDs discovered before cutoff, oldest first.
func (s *Store) ExpiredEntryIDs(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT id FROM scrape_queue
WHERE discovered_at < $1
ORDER BY discovered_at ASC
LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("select expired entries: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired entry: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired entries: %w", err)
	}
	return ids, nil
}

// DeleteEntries removes dependents then entries inside one transaction. Any
// failure rolls back both deletes and is reported as a data integrity error.
func (s *Store) DeleteEntries(ctx context.Context, entryIDs []string) (int, int, error) {
	if len(entryIDs) == 0 {
		return 0, 0, nil
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("begin retention tx: %w", err)
	}

	depTag, err := tx.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE queue_entry_id = ANY($1::uuid[])`, s.dependentTable), entryIDs)
	if err != nil {
		_ = tx.Rollback(ctx)
		return 0, 0, pipeline.NewError(pipeline.KindDataIntegrity, "delete "+s.dependentTable, "", err)
	}
	entryTag, err := tx.Exec(ctx, `DELETE FROM scrape_queue WHERE id = ANY($1::uuid[])`, entryIDs)
	if err != nil {
		_ = tx.Rollback(ctx)
		return 0, 0, pipeline.NewError(pipeline.KindDataIntegrity, "delete scrape_queue", "", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, 0, pipeline.NewError(pipeline.KindDataIntegrity, "commit retention tx", "", err)
	}
	return int(entryTag.RowsAffected()), int(depTag.RowsAffected()), nil
}

// CountExpiredEntries counts up to limit of the oldest entries discovered
// before cutoff and their dependents.
func (s *Store) CountExpiredEntries(ctx context.Context, cutoff time.Time, limit int) (int, int, error) {
	// LIMIT NULL counts every expired row.
	var bound any
	if limit > 0 {
		bound = limit
	}
	var entries, dependents int
	err := s.db.QueryRow(ctx, fmt.Sprintf(`
WITH expired AS (
	SELECT id FROM scrape_queue
	WHERE discovered_at < $1
	ORDER BY discovered_at ASC
	LIMIT $2
)
SELECT
	(SELECT count(*) FROM expired),
	(SELECT count(*) FROM %s d JOIN expired e ON e.id = d.queue_entry_id)`,
		s.dependentTable), cutoff, bound).Scan(&entries, &dependents)
	if err != nil {
		return 0, 0, fmt.Errorf("count expired entries: %w", err)
	}
	return entries, dependents, nil
}

// DeleteRuns removes up to limit finished runs started before cutoff.
func (s *Store) DeleteRuns(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM pipeline_runs WHERE id IN (
	SELECT id FROM pipeline_runs
	WHERE started_at < $1 AND status <> 'running'
	ORDER BY started_at ASC
	LIMIT $2
)`, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("delete expired runs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CountRuns counts finished runs started before cutoff.
func (s *Store) CountRuns(ctx context.Context, cutoff time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`SELECT count(*) FROM pipeline_runs WHERE started_at < $1 AND status <> 'running'`, cutoff).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count expired runs: %w", err)
	}
	return n, nil
}

// DeleteJobs removes up to limit terminal jobs finished before cutoff.
func (s *Store) DeleteJobs(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM jobs WHERE id IN (
	SELECT id FROM jobs
	WHERE status IN ('completed', 'failed') AND completed_at < $1
	ORDER BY completed_at ASC
	LIMIT $2
)`, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("delete expired jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CountJobs counts terminal jobs finished before cutoff.
func (s *Store) CountJobs(ctx context.Context, cutoff time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`SELECT count(*) FROM jobs WHERE status IN ('completed', 'failed') AND completed_at < $1`, cutoff).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count expired jobs: %w", err)
	}
	return n, nil
}
