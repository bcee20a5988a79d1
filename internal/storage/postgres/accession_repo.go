// Package postgres provides Postgres-backed persistence for accessions.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/archivelab/accessioner/internal/accession"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of pgxpool.Pool the repository uses; pgxmock satisfies
// it in tests.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// AccessionRepo persists accession rows. Expected schema:
//
//	CREATE TABLE accessions (
//	    id            UUID PRIMARY KEY,
//	    seed_url      TEXT NOT NULL,
//	    title         TEXT NOT NULL,
//	    description   TEXT NOT NULL DEFAULT '',
//	    subject_ids   INTEGER[] NOT NULL DEFAULT '{}',
//	    status        TEXT NOT NULL,
//	    crawl_job_id  TEXT,
//	    artifact_ref  TEXT,
//	    last_error    TEXT,
//	    attempt_count INTEGER NOT NULL DEFAULT 0,
//	    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    submitted_at  TIMESTAMPTZ
//	);
//	CREATE INDEX accessions_status_idx ON accessions (status, updated_at);
type AccessionRepo struct {
	pool pool
}

const accessionColumns = `id, seed_url, title, description, subject_ids, status,
	crawl_job_id, artifact_ref, last_error, attempt_count,
	created_at, updated_at, submitted_at`

// NewAccessionRepo connects a pool and pings it so misconfiguration fails at
// startup.
func NewAccessionRepo(ctx context.Context, cfg Config) (*AccessionRepo, error) {
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
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &AccessionRepo{pool: p}, nil
}

// NewAccessionRepoWithPool constructs a repo from an existing pool
// (primarily for testing).
func NewAccessionRepoWithPool(p pool) (*AccessionRepo, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &AccessionRepo{pool: p}, nil
}

// Close releases the underlying pool resources.
func (r *AccessionRepo) Close() {
	if r == nil || r.pool == nil {
		return
	}
	r.pool.Close()
}

// Create inserts a new accession. The status is forced to pending regardless
// of anything the caller may have set on the draft.
func (r *AccessionRepo) Create(ctx context.Context, draft accession.Draft) (accession.Accession, error) {
	if draft.ID == uuid.Nil {
		return accession.Accession{}, fmt.Errorf("draft id is required")
	}
	subjectIDs := draft.SubjectIDs
	if subjectIDs == nil {
		subjectIDs = []int32{}
	}
	query := `
INSERT INTO accessions (id, seed_url, title, description, subject_ids, status, attempt_count, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, 0, now(), now())
RETURNING ` + accessionColumns

	row := r.pool.QueryRow(ctx, query,
		draft.ID,
		draft.SeedURL,
		draft.Title,
		draft.Description,
		subjectIDs,
		string(accession.StatusPending),
	)
	acc, err := scanAccession(row)
	if err != nil {
		return accession.Accession{}, fmt.Errorf("insert accession: %w", err)
	}
	return acc, nil
}

// GetByID loads one accession or accession.ErrNotFound.
func (r *AccessionRepo) GetByID(ctx context.Context, id uuid.UUID) (accession.Accession, error) {
	query := `SELECT ` + accessionColumns + ` FROM accessions WHERE id = $1`
	acc, err := scanAccession(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return accession.Accession{}, accession.ErrNotFound
		}
		return accession.Accession{}, fmt.Errorf("select accession: %w", err)
	}
	return acc, nil
}

// UpdateStatus is the optimistic-write primitive: the UPDATE is conditioned
// on the expected current status, so concurrent passes over the same
// accession cannot both advance it. Zero rows updated means the row either
// moved on or never existed; both surface as accession.ErrConflict.
func (r *AccessionRepo) UpdateStatus(
	ctx context.Context,
	id uuid.UUID,
	expected accession.Status,
	changes accession.Changes,
) (accession.Accession, error) {
	if !changes.Status.Valid() {
		return accession.Accession{}, fmt.Errorf("invalid target status %q", changes.Status)
	}
	query := `
UPDATE accessions
SET status        = $3,
    crawl_job_id  = COALESCE($4, crawl_job_id),
    artifact_ref  = COALESCE($5, artifact_ref),
    last_error    = CASE WHEN $9 THEN NULL ELSE COALESCE($6, last_error) END,
    attempt_count = attempt_count + $7,
    submitted_at  = COALESCE($8, submitted_at),
    updated_at    = now()
WHERE id = $1 AND status = $2
RETURNING ` + accessionColumns

	row := r.pool.QueryRow(ctx, query,
		id,
		string(expected),
		string(changes.Status),
		changes.CrawlJobID,
		changes.ArtifactRef,
		changes.LastError,
		changes.AttemptDelta,
		changes.SubmittedAt,
		changes.ClearLastError,
	)
	acc, err := scanAccession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return accession.Accession{}, accession.ErrConflict
		}
		return accession.Accession{}, fmt.Errorf("update accession status: %w", err)
	}
	return acc, nil
}

// ListByStatus returns up to limit accessions in the given status, oldest
// update first so stalled work is revisited before fresh work. Offset skips
// already-seen rows for paginated reads.
func (r *AccessionRepo) ListByStatus(ctx context.Context, status accession.Status, limit, offset int) ([]accession.Accession, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT ` + accessionColumns + `
FROM accessions
WHERE status = $1
ORDER BY updated_at ASC
LIMIT $2 OFFSET $3`

	rows, err := r.pool.Query(ctx, query, string(status), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list accessions: %w", err)
	}
	defer rows.Close()

	var out []accession.Accession
	for rows.Next() {
		acc, err := scanAccession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan accession row: %w", err)
		}
		out = append(out, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accessions: %w", err)
	}
	return out, nil
}

func scanAccession(row pgx.Row) (accession.Accession, error) {
	var acc accession.Accession
	var status string
	err := row.Scan(
		&acc.ID,
		&acc.SeedURL,
		&acc.Title,
		&acc.Description,
		&acc.SubjectIDs,
		&status,
		&acc.CrawlJobID,
		&acc.ArtifactRef,
		&acc.LastError,
		&acc.AttemptCount,
		&acc.CreatedAt,
		&acc.UpdatedAt,
		&acc.SubmittedAt,
	)
	if err != nil {
		return accession.Accession{}, err
	}
	acc.Status = accession.Status(status)
	return acc, nil
}
