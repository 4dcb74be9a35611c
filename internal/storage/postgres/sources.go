package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/discovery-pipeline/internal/pipeline"
)

const sourceColumns = `id, name, address, discovery_method, tier, industries, active,
	consecutive_failures, last_successful_discovery, source_group, recency_hours`

func scanSource(row pgx.Row) (pipeline.Source, error) {
	var (
		src    pipeline.Source
		method string
	)
	err := row.Scan(
		&src.ID,
		&src.Name,
		&src.Address,
		&method,
		&src.Tier,
		&src.Industries,
		&src.Active,
		&src.ConsecutiveFailures,
		&src.LastSuccessfulDiscovery,
		&src.Group,
		&src.RecencyHours,
	)
	if err != nil {
		return pipeline.Source{}, err
	}
	src.Method = pipeline.DiscoveryMethod(method)
	return src, nil
}

// ListActive returns active sources matching filter, most urgent tier first,
// then healthiest, then least recently discovered.
func (s *Store) ListActive(ctx context.Context, filter pipeline.SourceFilter) ([]pipeline.Source, error) {
	where := []string{"active"}
	args := make([]any, 0, 4)
	if filter.Method != "" {
		args = append(args, string(filter.Method))
		where = append(where, fmt.Sprintf("discovery_method = $%d", len(args)))
	}
	if filter.Tier != nil {
		args = append(args, *filter.Tier)
		where = append(where, fmt.Sprintf("tier = $%d", len(args)))
	}
	if filter.Group != nil {
		args = append(args, *filter.Group)
		where = append(where, fmt.Sprintf("source_group = $%d", len(args)))
	}
	query := fmt.Sprintf(`SELECT %s FROM sources WHERE %s
ORDER BY tier ASC, consecutive_failures ASC, last_successful_discovery ASC NULLS FIRST, name ASC`,
		sourceColumns, strings.Join(where, " AND "))
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list active sources: %w", err)
	}
	defer rows.Close()

	var out []pipeline.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		out = append(out, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sources: %w", err)
	}
	return out, nil
}

// RecordOutcome updates the health counters of a source.
func (s *Store) RecordOutcome(ctx context.Context, sourceID string, success bool, at time.Time) error {
	var (
		query string
		args  []any
	)
	if success {
		query = `UPDATE sources SET consecutive_failures = 0, last_successful_discovery = $2 WHERE id = $1`
		args = []any{sourceID, at}
	} else {
		query = `UPDATE sources SET consecutive_failures = consecutive_failures + 1 WHERE id = $1`
		args = []any{sourceID}
	}
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("record source outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("record outcome", sourceID)
	}
	return nil
}

// UpsertSource inserts a source or updates its catalog fields. Health counters
// are left to RecordOutcome.
func (s *Store) UpsertSource(ctx context.Context, src pipeline.Source) error {
	industries := src.Industries
	if industries == nil {
		industries = []string{}
	}
	_, err := s.db.Exec(ctx, `
INSERT INTO sources (id, name, address, discovery_method, tier, industries, active, source_group, recency_hours)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO UPDATE SET
	name = EXCLUDED.name,
	address = EXCLUDED.address,
	discovery_method = EXCLUDED.discovery_method,
	tier = EXCLUDED.tier,
	industries = EXCLUDED.industries,
	active = EXCLUDED.active,
	source_group = EXCLUDED.source_group,
	recency_hours = EXCLUDED.recency_hours`,
		src.ID, src.Name, src.Address, string(src.Method), src.Tier, industries, src.Active, src.Group, src.RecencyHours,
	)
	if err != nil {
		return fmt.Errorf("upsert source: %w", err)
	}
	return nil
}

// SetActive toggles a source's active flag.
func (s *Store) SetActive(ctx context.Context, sourceID string, active bool) error {
	tag, err := s.db.Exec(ctx, `UPDATE sources SET active = $2 WHERE id = $1`, sourceID, active)
	if err != nil {
		return fmt.Errorf("set source active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("set active", sourceID)
	}
	return nil
}

// GetSource fetches a source by ID.
func (s *Store) GetSource(ctx context.Context, sourceID string) (pipeline.Source, error) {
	row := s.db.QueryRow(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = $1`, sourceID)
	src, err := scanSource(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.Source{}, notFound("get source", sourceID)
	}
	if err != nil {
		return pipeline.Source{}, fmt.Errorf("get source: %w", err)
	}
	return src, nil
}
