package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/discovery-pipeline/internal/pipeline"
)

func TestDeleteEntriesRemovesDependentsFirst(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t, ClaimAtomic)
	ids := []string{"e1", "e2"}
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM entry_matches").
		WithArgs(ids).
		WillReturnResult(pgxmock.NewResult("DELETE", 4))
	mock.ExpectExec("DELETE FROM scrape_queue").
		WithArgs(ids).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectCommit()

	entries, deps, err := store.DeleteEntries(context.Background(), ids)
	require.NoError(t, err)
	require.Equal(t, 2, entries)
	require.Equal(t, 4, deps)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteEntriesRollsBackOnParentFailure(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t, ClaimAtomic)
	ids := []string{"e1"}
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM entry_matches").
		WithArgs(ids).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("DELETE FROM scrape_queue").
		WithArgs(ids).
		WillReturnError(errors.New("violates foreign key constraint"))
	mock.ExpectRollback()

	_, _, err := store.DeleteEntries(context.Background(), ids)
	require.ErrorIs(t, err, pipeline.ErrDataIntegrity)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExpiredEntryIDs(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t, ClaimAtomic)
	cutoff := now.Add(-72 * time.Hour)
	mock.ExpectQuery("SELECT id FROM scrape_queue").
		WithArgs(cutoff, 500).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("e1").AddRow("e2"))

	ids, err := store.ExpiredEntryIDs(context.Background(), cutoff, 500)
	require.NoError(t, err)
	require.Equal(t, []string{"e1", "e2"}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountsForDryRun(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t, ClaimAtomic)
	cutoff := now.Add(-72 * time.Hour)
	mock.ExpectQuery(`WITH expired AS(.|\n)*LIMIT \$2`).
		WithArgs(cutoff, 500).
		WillReturnRows(pgxmock.NewRows([]string{"entries", "dependents"}).AddRow(7, 3))
	mock.ExpectQuery("FROM pipeline_runs").
		WithArgs(cutoff).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectQuery("FROM jobs").
		WithArgs(cutoff).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(5))

	ctx := context.Background()
	entries, deps, err := store.CountExpiredEntries(ctx, cutoff, 500)
	require.NoError(t, err)
	require.Equal(t, 7, entries)
	require.Equal(t, 3, deps)

	runs, err := store.CountRuns(ctx, cutoff)
	require.NoError(t, err)
	require.Equal(t, 2, runs)

	jobs, err := store.CountJobs(ctx, cutoff)
	require.NoError(t, err)
	require.Equal(t, 5, jobs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteRunsAndJobs(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t, ClaimAtomic)
	cutoff := now.Add(-30 * 24 * time.Hour)
	mock.ExpectExec("DELETE FROM pipeline_runs").
		WithArgs(cutoff, 500).
		WillReturnResult(pgxmock.NewResult("DELETE", 12))
	mock.ExpectExec("DELETE FROM jobs").
		WithArgs(cutoff, 500).
		WillReturnResult(pgxmock.NewResult("DELETE", 4))

	ctx := context.Background()
	runs, err := store.DeleteRuns(ctx, cutoff, 500)
	require.NoError(t, err)
	require.Equal(t, 12, runs)
	jobs, err := store.DeleteJobs(ctx, cutoff, 500)
	require.NoError(t, err)
	require.Equal(t, 4, jobs)
	require.NoError(t, mock.ExpectationsWereMet())
}
