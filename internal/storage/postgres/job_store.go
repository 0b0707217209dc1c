// Package postgres provides the Postgres-backed job store.
//
// Schema:
//
//	CREATE TABLE acquisition_jobs (
//	    id             TEXT PRIMARY KEY,
//	    kind           TEXT NOT NULL,
//	    user_id        TEXT NOT NULL,
//	    tier           TEXT NOT NULL DEFAULT '',
//	    url            TEXT NOT NULL DEFAULT '',
//	    options        JSONB NOT NULL,
//	    crawl          JSONB,
//	    status         TEXT NOT NULL,
//	    result         JSONB,
//	    error_code     TEXT NOT NULL DEFAULT '',
//	    error          TEXT NOT NULL DEFAULT '',
//	    timings        JSONB NOT NULL,
//	    total_urls     INT NOT NULL DEFAULT 0,
//	    completed_urls INT NOT NULL DEFAULT 0,
//	    failed_urls    INT NOT NULL DEFAULT 0,
//	    created_at     TIMESTAMPTZ NOT NULL,
//	    started_at     TIMESTAMPTZ,
//	    finished_at    TIMESTAMPTZ
//	);
//	CREATE TABLE acquisition_pages (
//	    job_id     TEXT NOT NULL,
//	    key        TEXT NOT NULL,
//	    url        TEXT NOT NULL,
//	    ordinal    INT NOT NULL,
//	    depth      INT NOT NULL,
//	    status     TEXT NOT NULL,
//	    result     JSONB,
//	    error_code TEXT NOT NULL DEFAULT '',
//	    error      TEXT NOT NULL DEFAULT '',
//	    timings    JSONB NOT NULL,
//	    updated_at TIMESTAMPTZ NOT NULL,
//	    PRIMARY KEY (job_id, key)
//	);
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/page-acquisition/internal/acquire"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// JobStore implements acquire.JobStore on Postgres. Every write is an upsert.
type JobStore struct {
	pool querier
}

// NewJobStore connects to Postgres.
func NewJobStore(ctx context.Context, cfg Config) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
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
	return &JobStore{pool: pool}, nil
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewJobStoreWithPool(pool querier) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &JobStore{pool: pool}, nil
}

// Ping verifies connectivity.
func (s *JobStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const upsertJobSQL = `
INSERT INTO acquisition_jobs (
	id, kind, user_id, tier, url, options, crawl, status, result, error_code, error,
	timings, total_urls, completed_urls, failed_urls, created_at, started_at, finished_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`

// CreateJob inserts a new job row.
func (s *JobStore) CreateJob(ctx context.Context, job acquire.Job) error {
	args, err := jobArgs(job)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, upsertJobSQL, args...); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// SaveJob upserts the job row. A cancelled row is left untouched.
func (s *JobStore) SaveJob(ctx context.Context, job acquire.Job) error {
	args, err := jobArgs(job)
	if err != nil {
		return err
	}
	query := upsertJobSQL + `
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status,
	result = EXCLUDED.result,
	error_code = EXCLUDED.error_code,
	error = EXCLUDED.error,
	timings = EXCLUDED.timings,
	total_urls = GREATEST(acquisition_jobs.total_urls, EXCLUDED.total_urls),
	completed_urls = GREATEST(acquisition_jobs.completed_urls, EXCLUDED.completed_urls),
	failed_urls = GREATEST(acquisition_jobs.failed_urls, EXCLUDED.failed_urls),
	started_at = EXCLUDED.started_at,
	finished_at = EXCLUDED.finished_at
WHERE acquisition_jobs.status <> 'CANCELLED'`
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (acquire.Job, error) {
	query := `
SELECT id, kind, user_id, tier, url, options, crawl, status, result, error_code, error,
	timings, total_urls, completed_urls, failed_urls, created_at, started_at, finished_at
FROM acquisition_jobs WHERE id = $1`
	var (
		job                             acquire.Job
		kind, status                    string
		options, crawl, result, timings []byte
	)
	err := s.pool.QueryRow(ctx, query, jobID).Scan(
		&job.ID, &kind, &job.UserID, &job.Tier, &job.URL, &options, &crawl, &status, &result,
		&job.ErrorCode, &job.Error, &timings, &job.Counts.Total, &job.Counts.Completed, &job.Counts.Failed,
		&job.CreatedAt, &job.StartedAt, &job.FinishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return acquire.Job{}, fmt.Errorf("job %s: %w", jobID, acquire.ErrNotFound)
	}
	if err != nil {
		return acquire.Job{}, fmt.Errorf("get job: %w", err)
	}
	job.Kind = acquire.JobKind(kind)
	job.Status = acquire.JobStatus(status)
	if err := unmarshalAll(
		field{options, &job.Options},
		field{crawl, &job.Crawl},
		field{result, &job.Result},
		field{timings, &job.Timings},
	); err != nil {
		return acquire.Job{}, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return job, nil
}

// DeleteJob removes a job row.
func (s *JobStore) DeleteJob(ctx context.Context, jobID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM acquisition_jobs WHERE id = $1`, jobID); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

// TransitionJob implements acquire.JobStore with a conditional update.
func (s *JobStore) TransitionJob(ctx context.Context, jobID string, to acquire.JobStatus, from ...acquire.JobStatus) (bool, error) {
	allowed := make([]string, len(from))
	for i, st := range from {
		allowed[i] = string(st)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE acquisition_jobs SET status = $2 WHERE id = $1 AND status = ANY($3)`,
		jobID, string(to), allowed,
	)
	if err != nil {
		return false, fmt.Errorf("transition job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// AddCounts implements acquire.JobStore.
func (s *JobStore) AddCounts(ctx context.Context, jobID string, delta acquire.Counts) (acquire.Counts, error) {
	var out acquire.Counts
	err := s.pool.QueryRow(ctx, `
UPDATE acquisition_jobs SET
	total_urls = total_urls + $2,
	completed_urls = completed_urls + $3,
	failed_urls = failed_urls + $4
WHERE id = $1
RETURNING total_urls, completed_urls, failed_urls`,
		jobID, max(delta.Total, 0), max(delta.Completed, 0), max(delta.Failed, 0),
	).Scan(&out.Total, &out.Completed, &out.Failed)
	if errors.Is(err, pgx.ErrNoRows) {
		return acquire.Counts{}, fmt.Errorf("job %s: %w", jobID, acquire.ErrNotFound)
	}
	if err != nil {
		return acquire.Counts{}, fmt.Errorf("add counts: %w", err)
	}
	return out, nil
}

// UpsertPage inserts or replaces the page keyed by (job_id, key).
func (s *JobStore) UpsertPage(ctx context.Context, page acquire.PageRecord) error {
	result, err := nullableJSON(page.Result)
	if err != nil {
		return err
	}
	timings, err := json.Marshal(page.Timings)
	if err != nil {
		return fmt.Errorf("marshal timings: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO acquisition_pages (job_id, key, url, ordinal, depth, status, result, error_code, error, timings, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (job_id, key) DO UPDATE SET
	url = EXCLUDED.url,
	status = EXCLUDED.status,
	result = EXCLUDED.result,
	error_code = EXCLUDED.error_code,
	error = EXCLUDED.error,
	timings = EXCLUDED.timings,
	updated_at = EXCLUDED.updated_at`,
		page.JobID, page.Key, page.URL, page.Ordinal, page.Depth, string(page.Status),
		result, page.ErrorCode, page.Error, timings, page.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert page: %w", err)
	}
	return nil
}

const selectPageSQL = `
SELECT job_id, key, url, ordinal, depth, status, result, error_code, error, timings, updated_at
FROM acquisition_pages`

// GetPage fetches one page.
func (s *JobStore) GetPage(ctx context.Context, jobID, key string) (acquire.PageRecord, error) {
	page, err := scanPage(s.pool.QueryRow(ctx, selectPageSQL+` WHERE job_id = $1 AND key = $2`, jobID, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return acquire.PageRecord{}, fmt.Errorf("page %s/%s: %w", jobID, key, acquire.ErrNotFound)
	}
	if err != nil {
		return acquire.PageRecord{}, fmt.Errorf("get page: %w", err)
	}
	return page, nil
}

// ListPages returns the window of a job's pages matching filter, ordered by ordinal.
func (s *JobStore) ListPages(ctx context.Context, jobID string, filter acquire.PageFilter) ([]acquire.PageRecord, error) {
	var lim any
	if filter.Limit > 0 {
		lim = filter.Limit
	}
	rows, err := s.pool.Query(ctx,
		selectPageSQL+` WHERE job_id = $1 AND ($2::text = '' OR status = $2::text) ORDER BY ordinal, key LIMIT $3 OFFSET $4`,
		jobID, string(filter.Status), lim, max(filter.Offset, 0),
	)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	defer rows.Close()

	var pages []acquire.PageRecord
	for rows.Next() {
		page, err := scanPage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		pages = append(pages, page)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pages: %w", err)
	}
	return pages, nil
}

// DeletePages removes all pages of a job.
func (s *JobStore) DeletePages(ctx context.Context, jobID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM acquisition_pages WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("delete pages: %w", err)
	}
	return nil
}

func scanPage(row pgx.Row) (acquire.PageRecord, error) {
	var (
		page            acquire.PageRecord
		status          string
		result, timings []byte
	)
	if err := row.Scan(
		&page.JobID, &page.Key, &page.URL, &page.Ordinal, &page.Depth, &status,
		&result, &page.ErrorCode, &page.Error, &timings, &page.UpdatedAt,
	); err != nil {
		return acquire.PageRecord{}, err
	}
	page.Status = acquire.JobStatus(status)
	if err := unmarshalAll(field{result, &page.Result}, field{timings, &page.Timings}); err != nil {
		return acquire.PageRecord{}, err
	}
	return page, nil
}

func jobArgs(job acquire.Job) ([]any, error) {
	options, err := json.Marshal(job.Options)
	if err != nil {
		return nil, fmt.Errorf("marshal options: %w", err)
	}
	crawl, err := nullableJSON(job.Crawl)
	if err != nil {
		return nil, err
	}
	result, err := nullableJSON(job.Result)
	if err != nil {
		return nil, err
	}
	timings, err := json.Marshal(job.Timings)
	if err != nil {
		return nil, fmt.Errorf("marshal timings: %w", err)
	}
	return []any{
		job.ID, string(job.Kind), job.UserID, job.Tier, job.URL, options, crawl, string(job.Status),
		result, job.ErrorCode, job.Error, timings, job.Counts.Total, job.Counts.Completed, job.Counts.Failed,
		job.CreatedAt, job.StartedAt, job.FinishedAt,
	}, nil
}

func nullableJSON[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", v, err)
	}
	return data, nil
}

type field struct {
	data []byte
	dst  any
}

func unmarshalAll(fields ...field) error {
	for _, f := range fields {
		if len(f.data) == 0 {
			continue
		}
		if err := json.Unmarshal(f.data, f.dst); err != nil {
			return fmt.Errorf("unmarshal %T: %w", f.dst, err)
		}
	}
	return nil
}
