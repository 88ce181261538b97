// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/pagecache/internal/scrape"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "scrape_jobs"

// JobStoreConfig controls the Postgres connection pool used for scrape jobs.
type JobStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	// Migrate creates the table and indices on startup.
	Migrate bool
}

// Pool is the subset of pgxpool.Pool used by the store.
type Pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// JobStore persists scrape jobs in Postgres. The one-active-job-per-hash
// rule is enforced by a partial unique index, and every status transition
// is a conditional UPDATE, so concurrent writers never need a lock.
type JobStore struct {
	pool  Pool
	table string
}

var _ scrape.JobStore = (*JobStore)(nil)

// NewJobStore creates a Postgres-backed JobStore using the provided config.
func NewJobStore(ctx context.Context, cfg JobStoreConfig) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table, err := tableName(cfg.Table)
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
	store := &JobStore{pool: pool, table: table}
	if cfg.Migrate {
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return store, nil
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewJobStoreWithPool(pool Pool, table string) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &JobStore{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks that the database is reachable.
func (s *JobStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Schema returns the DDL for the jobs table and its indices.
func (s *JobStore) Schema() string {
	return strings.ReplaceAll(`
CREATE TABLE IF NOT EXISTS {t} (
	id                  TEXT PRIMARY KEY,
	url                 TEXT NOT NULL,
	normalized_url      TEXT NOT NULL,
	url_hash            TEXT NOT NULL,
	status              TEXT NOT NULL,
	formats             JSONB NOT NULL,
	options             JSONB NOT NULL,
	ttl_ms              BIGINT NOT NULL,
	content             JSONB,
	screenshot_url      TEXT NOT NULL DEFAULT '',
	screenshot_blob_key TEXT NOT NULL DEFAULT '',
	metadata            JSONB,
	error               TEXT NOT NULL DEFAULT '',
	error_code          TEXT NOT NULL DEFAULT '',
	started_at          TIMESTAMPTZ NOT NULL,
	scraping_at         TIMESTAMPTZ,
	scraped_at          TIMESTAMPTZ,
	expires_at          TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS {t}_one_active_idx ON {t} (url_hash) WHERE status IN ('pending', 'scraping');
CREATE INDEX IF NOT EXISTS {t}_hash_recent_idx ON {t} (url_hash, started_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS {t}_list_idx ON {t} (status, started_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS {t}_expires_idx ON {t} (expires_at);
CREATE INDEX IF NOT EXISTS {t}_stuck_idx ON {t} (scraping_at) WHERE status = 'scraping';
`, "{t}", s.table)
}

// Migrate applies Schema.
func (s *JobStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, s.Schema()); err != nil {
		return fmt.Errorf("migrate %s: %w", s.table, err)
	}
	return nil
}

const jobColumns = `id, url, normalized_url, url_hash, status, formats, options, ttl_ms,
	content, screenshot_url, screenshot_blob_key, metadata, error, error_code,
	started_at, scraping_at, scraped_at, expires_at`

// CreateJob inserts a job. When an active job already holds the hash the
// insert is skipped and the holder's id is returned in an InProgressError.
func (s *JobStore) CreateJob(ctx context.Context, job scrape.Job) error {
	formats, err := json.Marshal(job.Formats)
	if err != nil {
		return fmt.Errorf("marshal formats: %w", err)
	}
	options, err := json.Marshal(job.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	content, err := marshalNullable(job.Content)
	if err != nil {
		return fmt.Errorf("marshal content: %w", err)
	}
	metadata, err := marshalNullable(job.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (%s) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18
) ON CONFLICT DO NOTHING`, s.table, jobColumns)
	tag, err := s.pool.Exec(ctx, query,
		job.ID,
		job.URL,
		job.NormalizedURL,
		job.URLHash,
		string(job.Status),
		formats,
		options,
		job.TTL.Milliseconds(),
		content,
		job.ScreenshotURL,
		job.ScreenshotBlobKey,
		metadata,
		job.Error,
		job.ErrorCode,
		job.StartedAt,
		job.ScrapingAt,
		job.ScrapedAt,
		job.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var holder string
	err = s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT id FROM %s WHERE url_hash = $1 AND status IN ('pending', 'scraping')`, s.table),
		job.URLHash,
	).Scan(&holder)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("job %s already exists", job.ID)
	case err != nil:
		return fmt.Errorf("lookup active job: %w", err)
	}
	return &scrape.InProgressError{JobID: holder}
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (scrape.Job, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, jobColumns, s.table), jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return scrape.Job{}, scrape.ErrNotFound
	}
	if err != nil {
		return scrape.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// RecentByHash returns up to limit jobs for the hash, newest first.
func (s *JobStore) RecentByHash(ctx context.Context, urlHash string, limit int) ([]scrape.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE url_hash = $1 ORDER BY started_at DESC, id DESC LIMIT $2`,
		jobColumns, s.table)
	return s.queryJobs(ctx, query, urlHash, limit)
}

// ListJobs returns a page of jobs, newest first.
func (s *JobStore) ListJobs(ctx context.Context, filter scrape.ListFilter) (scrape.Page, error) {
	var (
		conds []string
		args  []any
	)
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Cursor != "" {
		cursor, err := scrape.DecodeCursor(filter.Cursor)
		if err != nil {
			return scrape.Page{}, err
		}
		args = append(args, cursor.StartedAt, cursor.ID)
		conds = append(conds, fmt.Sprintf("(started_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}
	size := filter.PageSize()
	args = append(args, size+1)

	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	query := fmt.Sprintf(`SELECT %s FROM %s %s ORDER BY started_at DESC, id DESC LIMIT $%d`,
		jobColumns, s.table, where, len(args))
	jobs, err := s.queryJobs(ctx, query, args...)
	if err != nil {
		return scrape.Page{}, err
	}
	page := scrape.Page{Jobs: jobs}
	if len(jobs) > size {
		page.Jobs = jobs[:size]
		page.NextCursor = scrape.CursorFor(page.Jobs[size-1]).Encode()
	}
	return page, nil
}

// MarkScraping moves a pending job to scraping.
func (s *JobStore) MarkScraping(ctx context.Context, jobID string, at time.Time) (bool, error) {
	query := fmt.Sprintf(`UPDATE %s SET status = 'scraping', scraping_at = $2 WHERE id = $1 AND status = 'pending'`, s.table)
	return s.transition(ctx, jobID, query, jobID, at)
}

// Complete records a successful result if the job is still active.
func (s *JobStore) Complete(ctx context.Context, jobID string, c scrape.Completion) (bool, error) {
	content, err := marshalNullable(c.Content)
	if err != nil {
		return false, fmt.Errorf("marshal content: %w", err)
	}
	metadata, err := marshalNullable(c.Metadata)
	if err != nil {
		return false, fmt.Errorf("marshal metadata: %w", err)
	}
	query := fmt.Sprintf(`
UPDATE %s SET
	status = 'completed',
	content = $2,
	screenshot_url = $3,
	screenshot_blob_key = $4,
	metadata = $5,
	scraped_at = $6,
	expires_at = $7
WHERE id = $1 AND status IN ('pending', 'scraping')`, s.table)
	return s.transition(ctx, jobID, query,
		jobID, content, c.ScreenshotURL, c.ScreenshotBlobKey, metadata, c.ScrapedAt, c.ExpiresAt)
}

// Fail records a failure if the job is still active.
func (s *JobStore) Fail(ctx context.Context, jobID string, errText, errCode string, _ time.Time) (bool, error) {
	query := fmt.Sprintf(`
UPDATE %s SET status = 'failed', error = $2, error_code = $3
WHERE id = $1 AND status IN ('pending', 'scraping')`, s.table)
	return s.transition(ctx, jobID, query, jobID, errText, errCode)
}

// transition runs a conditional UPDATE. Zero affected rows means either the
// job is gone (ErrNotFound) or its status did not allow the change.
func (s *JobStore) transition(ctx context.Context, jobID, query string, args ...any) (bool, error) {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update job %s: %w", jobID, err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	if _, err := s.status(ctx, jobID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *JobStore) status(ctx context.Context, jobID string) (scrape.Status, error) {
	var status string
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT status FROM %s WHERE id = $1`, s.table), jobID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", scrape.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get job status: %w", err)
	}
	return scrape.Status(status), nil
}

// ExpireCompleted marks every fresh completed job for the hash as expired.
func (s *JobStore) ExpireCompleted(ctx context.Context, urlHash string, now time.Time) (int, error) {
	query := fmt.Sprintf(`
UPDATE %s SET expires_at = $2
WHERE url_hash = $1 AND status = 'completed' AND expires_at > $2`, s.table)
	tag, err := s.pool.Exec(ctx, query, urlHash, now)
	if err != nil {
		return 0, fmt.Errorf("expire jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteJob removes a terminal job.
func (s *JobStore) DeleteJob(ctx context.Context, jobID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1 AND status IN ('completed', 'failed')`, s.table)
	tag, err := s.pool.Exec(ctx, query, jobID)
	if err != nil {
		return fmt.Errorf("delete job %s: %w", jobID, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	status, err := s.status(ctx, jobID)
	if err != nil {
		return err
	}
	return fmt.Errorf("delete %s (%s): %w", jobID, status, scrape.ErrJobActive)
}

// ListExpired returns up to limit terminal jobs with expires_at before the
// cutoff.
func (s *JobStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]scrape.Job, error) {
	query := fmt.Sprintf(`
SELECT %s FROM %s WHERE expires_at < $1 AND status IN ('completed', 'failed')
ORDER BY expires_at LIMIT $2`, jobColumns, s.table)
	return s.queryJobs(ctx, query, before, limit)
}

// ListStuck returns up to limit scraping jobs that started before the cutoff.
func (s *JobStore) ListStuck(ctx context.Context, scrapingBefore time.Time, limit int) ([]scrape.Job, error) {
	query := fmt.Sprintf(`
SELECT %s FROM %s WHERE status = 'scraping' AND scraping_at < $1 ORDER BY scraping_at LIMIT $2`, jobColumns, s.table)
	return s.queryJobs(ctx, query, scrapingBefore, limit)
}

func (s *JobStore) queryJobs(ctx context.Context, query string, args ...any) ([]scrape.Job, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	jobs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (scrape.Job, error) {
		return scanJob(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan jobs: %w", err)
	}
	return jobs, nil
}

func scanJob(row pgx.Row) (scrape.Job, error) {
	var (
		job                                 scrape.Job
		status                              string
		formats, options, content, metadata []byte
		ttlMS                               int64
	)
	err := row.Scan(
		&job.ID,
		&job.URL,
		&job.NormalizedURL,
		&job.URLHash,
		&status,
		&formats,
		&options,
		&ttlMS,
		&content,
		&job.ScreenshotURL,
		&job.ScreenshotBlobKey,
		&metadata,
		&job.Error,
		&job.ErrorCode,
		&job.StartedAt,
		&job.ScrapingAt,
		&job.ScrapedAt,
		&job.ExpiresAt,
	)
	if err != nil {
		return scrape.Job{}, err
	}
	job.Status = scrape.Status(status)
	job.TTL = time.Duration(ttlMS) * time.Millisecond
	if err := json.Unmarshal(formats, &job.Formats); err != nil {
		return scrape.Job{}, fmt.Errorf("decode formats: %w", err)
	}
	if err := json.Unmarshal(options, &job.Options); err != nil {
		return scrape.Job{}, fmt.Errorf("decode options: %w", err)
	}
	if len(content) > 0 {
		if err := json.Unmarshal(content, &job.Content); err != nil {
			return scrape.Job{}, fmt.Errorf("decode content: %w", err)
		}
	}
	if len(metadata) > 0 {
		job.Metadata = &scrape.Metadata{}
		if err := json.Unmarshal(metadata, job.Metadata); err != nil {
			return scrape.Job{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return job, nil
}

// marshalNullable encodes v, mapping nil maps and pointers to SQL NULL.
func marshalNullable(v any) ([]byte, error) {
	switch typed := v.(type) {
	case map[scrape.Field]scrape.StoredField:
		if typed == nil {
			return nil, nil
		}
	case *scrape.Metadata:
		if typed == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}
