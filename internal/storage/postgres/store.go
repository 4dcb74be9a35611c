// Package postgres provides the pgx-backed durable store used to coordinate
// every pipeline invocation.
package postgres

import (
	"context"
	_ "embed"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/discovery-pipeline/internal/pipeline"
)

//go:embed schema.sql
var schemaSQL string

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ClaimMode selects how queue rows are leased.
type ClaimMode string

// Claim modes.
const (
	// ClaimAtomic selects and updates in one statement using FOR UPDATE SKIP LOCKED.
	ClaimAtomic ClaimMode = "atomic"
	// ClaimOptimistic selects candidates, then claims each with a conditional
	// update and skips rows another worker won.
	ClaimOptimistic ClaimMode = "optimistic"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	ClaimMode       ClaimMode
	// DependentTable holds rows referencing scrape_queue.id that retention
	// deletes before their parent entries.
	DependentTable string
}

// DB is the subset of pgxpool.Pool the stores use. pgxmock satisfies it in tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Store implements the pipeline store interfaces on Postgres.
type Store struct {
	db             DB
	claimMode      ClaimMode
	dependentTable string
}

// Open connects a pgx pool using cfg.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWithPool(pool, cfg)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool constructs a Store from an existing pool (primarily for testing).
func NewWithPool(db DB, cfg Config) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	mode := cfg.ClaimMode
	switch mode {
	case "":
		mode = ClaimAtomic
	case ClaimAtomic, ClaimOptimistic:
	default:
		return nil, fmt.Errorf("unknown claim mode %q", mode)
	}
	table := cfg.DependentTable
	if table == "" {
		table = "entry_matches"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Store{db: db, claimMode: mode, dependentTable: table}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}

// Ping checks connectivity for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func notFound(op, id string) error {
	return fmt.Errorf("%s %s: %w", op, id, pipeline.ErrNotFound)
}

var (
	_ pipeline.SourceStore    = (*Store)(nil)
	_ pipeline.QueueStore     = (*Store)(nil)
	_ pipeline.RunStore       = (*Store)(nil)
	_ pipeline.JobStore       = (*Store)(nil)
	_ pipeline.RetentionStore = (*Store)(nil)
)
