// Package postgres provides the Postgres-backed capture ledger.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/4ndr3c0d3/shotfleet/internal/shot"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// CaptureStoreConfig controls the Postgres connection pool used for ledger rows.
type CaptureStoreConfig struct {
	DSN             string
	Table           string
	RunsTable       string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// RunRecord describes one scheduler run.
type RunRecord struct {
	ID          string
	Label       string
	URL         string
	Mode        string
	Tasks       int
	Concurrency int
	StartedAt   time.Time
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// CaptureStore writes capture and run rows into Postgres.
type CaptureStore struct {
	pool      execCloser
	table     string
	runsTable string
}

// NewCaptureStore creates a Postgres-backed CaptureStore using the provided config.
func NewCaptureStore(ctx context.Context, cfg CaptureStoreConfig) (*CaptureStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	table, runsTable, err := tableNames(cfg.Table, cfg.RunsTable)
	if err != nil {
		return nil, err
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
	return &CaptureStore{pool: pool, table: table, runsTable: runsTable}, nil
}

// NewCaptureStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewCaptureStoreWithPool(pool execCloser, table, runsTable string) (*CaptureStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, runsTable, err := tableNames(table, runsTable)
	if err != nil {
		return nil, err
	}
	return &CaptureStore{pool: pool, table: table, runsTable: runsTable}, nil
}

func tableNames(table, runsTable string) (string, string, error) {
	if table == "" {
		table = "captures"
	}
	if runsTable == "" {
		runsTable = "capture_runs"
	}
	for _, name := range []string{table, runsTable} {
		if !validTableName.MatchString(name) {
			return "", "", fmt.Errorf("invalid table name %q", name)
		}
	}
	return table, runsTable, nil
}

// Close releases the underlying pool resources.
func (s *CaptureStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the ledger tables when they are missing.
func (s *CaptureStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	label TEXT NOT NULL,
	url TEXT NOT NULL,
	mode TEXT NOT NULL,
	tasks INTEGER NOT NULL,
	concurrency INTEGER NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	succeeded INTEGER,
	failed INTEGER
)`, s.runsTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	run_id TEXT,
	task_index INTEGER NOT NULL,
	label TEXT NOT NULL,
	url TEXT NOT NULL,
	engine TEXT NOT NULL,
	location TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	size_bytes INTEGER NOT NULL,
	attempts INTEGER NOT NULL,
	captured_at TIMESTAMPTZ NOT NULL
)`, s.table),
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// RecordCapture inserts a capture row.
func (s *CaptureStore) RecordCapture(ctx context.Context, record shot.CaptureRecord) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("capture store is not configured")
	}
	if record.ID == "" {
		return fmt.Errorf("record id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	run_id,
	task_index,
	label,
	url,
	engine,
	location,
	content_hash,
	size_bytes,
	attempts,
	captured_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
)`, s.table)

	var runID any
	if record.RunID != "" {
		runID = record.RunID
	}
	args := []any{
		record.ID,
		runID,
		record.TaskIndex,
		record.Label,
		record.URL,
		record.Engine,
		record.Location,
		record.ContentHash,
		record.SizeBytes,
		record.Attempts,
		record.CapturedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert capture: %w", err)
	}
	return nil
}

// StartRun inserts a run row.
func (s *CaptureStore) StartRun(ctx context.Context, run RunRecord) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, label, url, mode, tasks, concurrency, started_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)`, s.runsTable)
	if _, err := s.pool.Exec(ctx, query,
		run.ID, run.Label, run.URL, run.Mode, run.Tasks, run.Concurrency, run.StartedAt,
	); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun stamps a run with its outcome counts.
func (s *CaptureStore) FinishRun(ctx context.Context, id string, finishedAt time.Time, succeeded, failed int) error {
	query := fmt.Sprintf(`
UPDATE %s SET finished_at = $2, succeeded = $3, failed = $4
WHERE id = $1`, s.runsTable)
	tag, err := s.pool.Exec(ctx, query, id, finishedAt, succeeded, failed)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}
