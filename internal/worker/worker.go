// Package worker executes scrape jobs: one provider call per job, content
// offload to the blob store and the terminal status transition.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagecache/internal/metrics"
	"github.com/JakeFAU/pagecache/internal/provider"
	"github.com/JakeFAU/pagecache/internal/publisher"
	"github.com/JakeFAU/pagecache/internal/scrape"
	"github.com/JakeFAU/pagecache/internal/telemetry"
)

// Defaults applied by New.
const (
	DefaultInlineThreshold    = 100 * 1024
	DefaultBlobPrefix         = "scrapes"
	DefaultScreenshotMaxBytes = 10 << 20
	DefaultScreenshotTimeout  = 30 * time.Second
	DefaultTTL                = 24 * time.Hour
)

// Config controls Worker behavior.
type Config struct {
	// InlineThreshold is the size in bytes at which a field moves to the blob store.
	InlineThreshold    int
	BlobPrefix         string
	ScreenshotMaxBytes int64
	ScreenshotTimeout  time.Duration
	// ProviderTimeout bounds the provider call; zero leaves it to the client.
	ProviderTimeout time.Duration
	DefaultTTL      time.Duration
	// HTTPClient fetches screenshots. Defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Limiter reports whether a URL's domain is within its request budget.
type Limiter interface {
	Allow(rawURL string) (string, bool)
}

// Worker consumes queue items and executes jobs.
type Worker struct {
	queue    scrape.Queue
	jobs     scrape.JobStore
	blobs    scrape.BlobStore
	provider scrape.Provider
	notifier *publisher.Notifier
	clock    scrape.Clock
	limiter  Limiter
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Worker.
func New(
	queue scrape.Queue,
	jobs scrape.JobStore,
	blobs scrape.BlobStore,
	prov scrape.Provider,
	notifier *publisher.Notifier,
	clock scrape.Clock,
	limiter Limiter,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.InlineThreshold <= 0 {
		cfg.InlineThreshold = DefaultInlineThreshold
	}
	if cfg.BlobPrefix == "" {
		cfg.BlobPrefix = DefaultBlobPrefix
	}
	if cfg.ScreenshotMaxBytes <= 0 {
		cfg.ScreenshotMaxBytes = DefaultScreenshotMaxBytes
	}
	if cfg.ScreenshotTimeout <= 0 {
		cfg.ScreenshotTimeout = DefaultScreenshotTimeout
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &Worker{
		queue:    queue,
		jobs:     jobs,
		blobs:    blobs,
		provider: prov,
		notifier: notifier,
		clock:    clock,
		limiter:  limiter,
		cfg:      cfg,
		logger:   logger.Named("worker"),
	}
}

// Run blocks, consuming queue items until the context finishes or the queue
// is closed. A job that has been dequeued runs to completion even if ctx is
// canceled meanwhile.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, scrape.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", item.JobID))
		w.Execute(context.WithoutCancel(ctx), item.JobID)
	}
}

// Execute runs one job. Every outcome is recorded on the job itself.
func (w *Worker) Execute(ctx context.Context, jobID string) {
	ctx, span := telemetry.Tracer().Start(ctx, "worker.execute",
		trace.WithAttributes(attribute.String("job.id", jobID)))
	defer span.End()

	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	// Store errors here fail the job; left pending it would hold its URL
	// until a restart. Fail is a CAS, so a job that moved on is untouched.
	job, err := w.jobs.GetJob(ctx, jobID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, scrape.ErrNotFound) {
			w.logger.Info("job vanished before execution", zap.String("job_id", jobID))
			return
		}
		w.logger.Error("load job failed", zap.String("job_id", jobID), zap.Error(err))
		w.fail(ctx, scrape.Job{ID: jobID}, "failed to load job: "+err.Error(), scrape.ErrorCodeInternal)
		return
	}
	now := w.clock.Now()
	started, err := w.jobs.MarkScraping(ctx, jobID, now)
	if err != nil {
		w.logger.Error("mark scraping failed", zap.String("job_id", jobID), zap.Error(err))
		span.SetStatus(codes.Error, err.Error())
		w.fail(ctx, job, "failed to start job: "+err.Error(), scrape.ErrorCodeInternal)
		return
	}
	if !started {
		w.logger.Debug("job no longer pending", zap.String("job_id", jobID), zap.String("status", string(job.Status)))
		return
	}
	w.notifier.Notify(ctx, job, scrape.StatusScraping, now)

	if w.limiter != nil {
		if domain, allowed := w.limiter.Allow(job.NormalizedURL); !allowed {
			w.logger.Warn("domain over advisory rate limit",
				zap.String("job_id", jobID),
				zap.String("domain", domain),
			)
		}
	}

	result, err := w.callProvider(ctx, job)
	if err != nil {
		msg, code := classify(err)
		span.SetStatus(codes.Error, msg)
		w.fail(ctx, job, msg, code)
		return
	}

	content, written, err := w.offload(ctx, job, result)
	if err != nil {
		w.logger.Error("store content failed", zap.String("job_id", jobID), zap.Error(err))
		w.deleteBlobs(ctx, written)
		span.SetStatus(codes.Error, err.Error())
		w.fail(ctx, job, err.Error(), scrape.ErrorCodeInternal)
		return
	}

	screenshotKey := w.storeScreenshot(ctx, job, result.Screenshot)
	if screenshotKey != "" {
		written = append(written, screenshotKey)
	}

	done := w.clock.Now()
	ttl := job.TTL
	if ttl <= 0 {
		ttl = w.cfg.DefaultTTL
	}
	completed, err := w.jobs.Complete(ctx, jobID, scrape.Completion{
		Content:           content,
		ScreenshotURL:     result.Screenshot,
		ScreenshotBlobKey: screenshotKey,
		Metadata:          result.Metadata,
		ScrapedAt:         done,
		ExpiresAt:         done.Add(ttl),
	})
	if err != nil {
		w.logger.Error("complete job failed", zap.String("job_id", jobID), zap.Error(err))
		w.deleteBlobs(ctx, written)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	if !completed {
		w.logger.Info("job finished elsewhere, discarding result", zap.String("job_id", jobID))
		w.deleteBlobs(ctx, written)
		return
	}
	metrics.ObserveJob(string(scrape.StatusCompleted), "")
	w.notifier.Notify(ctx, job, scrape.StatusCompleted, done)
	w.logger.Info("job completed",
		zap.String("job_id", jobID),
		zap.Int("fields", len(content)),
		zap.Int("blobs", len(written)),
	)
}

func (w *Worker) callProvider(ctx context.Context, job scrape.Job) (scrape.ProviderResult, error) {
	if w.provider == nil {
		return scrape.ProviderResult{}, errors.New("no provider configured")
	}
	if w.cfg.ProviderTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.ProviderTimeout)
		defer cancel()
	}
	start := time.Now()
	result, err := w.provider.Scrape(ctx, scrape.RequestFor(job))
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	metrics.ObserveProviderCall(outcome, time.Since(start))
	if err != nil {
		return scrape.ProviderResult{}, fmt.Errorf("provider scrape: %w", err)
	}
	return result, nil
}

func (w *Worker) fail(ctx context.Context, job scrape.Job, msg, code string) {
	at := w.clock.Now()
	failed, err := w.jobs.Fail(ctx, job.ID, msg, code, at)
	if err != nil {
		w.logger.Error("fail job update failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if !failed {
		w.logger.Info("job already terminal", zap.String("job_id", job.ID))
		return
	}
	metrics.ObserveJob(string(scrape.StatusFailed), code)
	w.notifier.Notify(ctx, job, scrape.StatusFailed, at)
	w.logger.Warn("job failed",
		zap.String("job_id", job.ID),
		zap.String("error_code", code),
		zap.String("error", msg),
	)
}

func (w *Worker) deleteBlobs(ctx context.Context, keys []string) {
	for _, key := range keys {
		if err := w.blobs.DeleteObject(ctx, key); err != nil {
			w.logger.Warn("delete blob failed", zap.String("key", key), zap.Error(err))
		}
	}
}

func (w *Worker) blobKey(jobID, name string) string {
	prefix := strings.Trim(w.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s", jobID, name)
	}
	return fmt.Sprintf("%s/%s/%s", prefix, jobID, name)
}

// classify turns an execution error into the message and code stored on the job.
func classify(err error) (string, string) {
	var perr *provider.Error
	if errors.As(err, &perr) {
		code := perr.Code
		if code == "" {
			code = "provider_error"
		}
		return perr.Message, code
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return err.Error(), scrape.ErrorCodeNetwork
	}
	return err.Error(), scrape.ErrorCodeInternal
}
