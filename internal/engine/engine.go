// Package engine implements request deduplication and the result cache on
// top of the job store. It decides, per request, whether to return a cached
// job, reject a duplicate, or create and schedule new work.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagecache/internal/metrics"
	"github.com/JakeFAU/pagecache/internal/publisher"
	"github.com/JakeFAU/pagecache/internal/scrape"
	"github.com/JakeFAU/pagecache/internal/telemetry"
	"github.com/JakeFAU/pagecache/internal/urlnorm"
)

// Defaults applied by New.
const (
	DefaultTTL      = 24 * time.Hour
	DefaultLookback = 10
)

// Config controls cache behavior.
type Config struct {
	// DefaultTTL applies when a request names none. It is also the
	// placeholder expiry of a job that has not completed yet.
	DefaultTTL time.Duration
	// Lookback is how many recent jobs per URL are considered.
	Lookback int
}

// ScrapeOptions are the per-request knobs of Scrape.
type ScrapeOptions struct {
	Formats []scrape.Format
	TTL     time.Duration
	Force   bool
	Options scrape.Options
}

// ScrapeResult identifies the job answering a Scrape call.
type ScrapeResult struct {
	JobID  string
	Cached bool
}

// Engine coordinates the job store, blob store and scheduler.
type Engine struct {
	jobs      scrape.JobStore
	blobs     scrape.BlobStore
	scheduler scrape.Scheduler
	ids       scrape.IDGenerator
	clock     scrape.Clock
	notifier  *publisher.Notifier
	cfg       Config
	logger    *zap.Logger
}

// New constructs an Engine.
func New(
	jobs scrape.JobStore,
	blobs scrape.BlobStore,
	scheduler scrape.Scheduler,
	ids scrape.IDGenerator,
	clock scrape.Clock,
	notifier *publisher.Notifier,
	cfg Config,
	logger *zap.Logger,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = DefaultLookback
	}
	return &Engine{
		jobs:      jobs,
		blobs:     blobs,
		scheduler: scheduler,
		ids:       ids,
		clock:     clock,
		notifier:  notifier,
		cfg:       cfg,
		logger:    logger.Named("engine"),
	}
}

// Scrape returns a fresh cached job covering the requested formats, or
// creates and schedules a new one. A second request for a URL with an active
// job fails with *scrape.InProgressError.
func (e *Engine) Scrape(ctx context.Context, rawURL string, opts ScrapeOptions) (ScrapeResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "engine.scrape",
		trace.WithAttributes(attribute.Bool("scrape.force", opts.Force)))
	defer span.End()

	result, outcome, err := e.scrape(ctx, rawURL, opts)
	metrics.ObserveScrapeRequest(outcome)
	span.SetAttributes(attribute.String("scrape.outcome", outcome))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return ScrapeResult{}, err
	}
	span.SetAttributes(attribute.String("job.id", result.JobID))
	return result, nil
}

func (e *Engine) scrape(ctx context.Context, rawURL string, opts ScrapeOptions) (ScrapeResult, string, error) {
	normalized, hash, err := urlnorm.Canonical(rawURL)
	if err != nil {
		return ScrapeResult{}, "invalid", err
	}
	formats := normalizeFormats(opts.Formats)

	recent, err := e.jobs.RecentByHash(ctx, hash, e.cfg.Lookback)
	if err != nil {
		return ScrapeResult{}, "error", fmt.Errorf("load recent jobs: %w", err)
	}

	if opts.Force {
		recent, err = e.dropCompleted(ctx, recent)
		if err != nil {
			return ScrapeResult{}, "error", err
		}
	}

	for _, job := range recent {
		if job.Status.Active() {
			return ScrapeResult{}, "conflict", &scrape.InProgressError{JobID: job.ID}
		}
	}

	now := e.clock.Now()
	if !opts.Force {
		if job, ok := pickCached(recent, formats, now); ok {
			e.logger.Debug("cache hit", zap.String("job_id", job.ID), zap.String("url_hash", hash))
			return ScrapeResult{JobID: job.ID, Cached: true}, "cached", nil
		}
	}

	id, err := e.ids.NewID()
	if err != nil {
		return ScrapeResult{}, "error", fmt.Errorf("generate job id: %w", err)
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = e.cfg.DefaultTTL
	}
	job := scrape.Job{
		ID:            id,
		URL:           rawURL,
		NormalizedURL: normalized,
		URLHash:       hash,
		Status:        scrape.StatusPending,
		Formats:       formats,
		Options:       opts.Options,
		TTL:           ttl,
		StartedAt:     now,
		ExpiresAt:     now.Add(e.cfg.DefaultTTL),
	}
	if err := e.jobs.CreateJob(ctx, job); err != nil {
		if errors.Is(err, scrape.ErrInProgress) {
			return ScrapeResult{}, "conflict", err
		}
		return ScrapeResult{}, "error", fmt.Errorf("create job: %w", err)
	}
	e.notifier.Notify(ctx, job, scrape.StatusPending, now)

	if err := e.schedule(ctx, job); err != nil {
		if errors.Is(err, scrape.ErrQueueFull) {
			return ScrapeResult{}, "overloaded", err
		}
		return ScrapeResult{}, "error", err
	}
	e.logger.Info("job created",
		zap.String("job_id", id),
		zap.String("url", normalized),
		zap.Bool("force", opts.Force),
	)
	return ScrapeResult{JobID: id}, "created", nil
}

// schedule hands the job to the executor without waiting. When the queue is
// full the job is withdrawn and scrape.ErrQueueFull returned, so the caller
// can retry. Any other failure fails the job so it never blocks its URL.
func (e *Engine) schedule(ctx context.Context, job scrape.Job) error {
	err := e.scheduler.Enqueue(ctx, scrape.QueueItem{JobID: job.ID})
	if err == nil {
		return nil
	}
	if errors.Is(err, scrape.ErrQueueFull) {
		e.withdraw(context.WithoutCancel(ctx), job)
		return fmt.Errorf("schedule job %s: %w", job.ID, err)
	}
	at := e.clock.Now()
	msg := fmt.Sprintf("failed to schedule job: %v", err)
	failed, ferr := e.jobs.Fail(context.WithoutCancel(ctx), job.ID, msg, scrape.ErrorCodeInternal, at)
	if ferr != nil {
		e.logger.Error("fail unscheduled job", zap.String("job_id", job.ID), zap.Error(ferr))
	} else if failed {
		metrics.ObserveJob(string(scrape.StatusFailed), scrape.ErrorCodeInternal)
		e.notifier.Notify(ctx, job, scrape.StatusFailed, at)
	}
	return fmt.Errorf("schedule job %s: %w", job.ID, err)
}

// withdraw removes a job that never reached the queue. It is failed first
// because only terminal jobs can be deleted.
func (e *Engine) withdraw(ctx context.Context, job scrape.Job) {
	at := e.clock.Now()
	failed, err := e.jobs.Fail(ctx, job.ID, "job queue is full", scrape.ErrorCodeQueueFull, at)
	if err != nil {
		e.logger.Error("withdraw unscheduled job", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if failed {
		e.notifier.Notify(ctx, job, scrape.StatusFailed, at)
	}
	if err := e.jobs.DeleteJob(ctx, job.ID); err != nil && !errors.Is(err, scrape.ErrNotFound) {
		e.logger.Error("delete unscheduled job", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	e.logger.Warn("job queue full, scrape rejected", zap.String("job_id", job.ID), zap.String("url_hash", job.URLHash))
}

// dropCompleted deletes the completed jobs in recent and returns the rest.
func (e *Engine) dropCompleted(ctx context.Context, recent []scrape.Job) ([]scrape.Job, error) {
	kept := recent[:0:0]
	for _, job := range recent {
		if job.Status != scrape.StatusCompleted {
			kept = append(kept, job)
			continue
		}
		if _, err := e.remove(ctx, job); err != nil && !errors.Is(err, scrape.ErrNotFound) {
			return nil, fmt.Errorf("force delete job %s: %w", job.ID, err)
		}
	}
	return kept, nil
}

// remove deletes the job's blobs (best-effort) and then its record.
func (e *Engine) remove(ctx context.Context, job scrape.Job) (int, error) {
	deleted := 0
	for _, key := range job.BlobKeys() {
		if err := e.blobs.DeleteObject(ctx, key); err != nil {
			e.logger.Warn("delete blob failed",
				zap.String("job_id", job.ID),
				zap.String("key", key),
				zap.Error(err),
			)
			continue
		}
		deleted++
	}
	if err := e.jobs.DeleteJob(ctx, job.ID); err != nil {
		return deleted, fmt.Errorf("delete job: %w", err)
	}
	return deleted, nil
}

// pickCached returns the newest fresh completed job whose formats cover the request.
func pickCached(recent []scrape.Job, formats []scrape.Format, now time.Time) (scrape.Job, bool) {
	for _, job := range recent {
		if job.Fresh(now) && scrape.CoversFormats(job.Formats, formats) {
			return job, true
		}
	}
	return scrape.Job{}, false
}

func normalizeFormats(in []scrape.Format) []scrape.Format {
	if len(in) == 0 {
		return append([]scrape.Format(nil), scrape.DefaultFormats...)
	}
	seen := make(map[scrape.Format]struct{}, len(in))
	out := make([]scrape.Format, 0, len(in))
	for _, f := range in {
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}
