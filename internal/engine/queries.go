package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagecache/internal/scrape"
	"github.com/JakeFAU/pagecache/internal/telemetry"
	"github.com/JakeFAU/pagecache/internal/urlnorm"
)

// Content is a job with every stored field made readable: inline values as
// JSON and offloaded fields as links into the blob store.
type Content struct {
	Job    scrape.Job
	Values map[scrape.Field]json.RawMessage
	URLs   map[scrape.Field]string
	// Screenshot is the durable copy when one exists, else the provider URL.
	Screenshot string
}

// GetCached returns the newest fresh completed job for the URL whose formats
// cover the requested ones. Invalid URLs and misses report false.
func (e *Engine) GetCached(ctx context.Context, rawURL string, formats []scrape.Format) (scrape.Job, bool, error) {
	_, hash, err := urlnorm.Canonical(rawURL)
	if err != nil {
		return scrape.Job{}, false, nil
	}
	recent, err := e.jobs.RecentByHash(ctx, hash, e.cfg.Lookback)
	if err != nil {
		return scrape.Job{}, false, fmt.Errorf("load recent jobs: %w", err)
	}
	job, ok := pickCached(recent, normalizeFormats(formats), e.clock.Now())
	return job, ok, nil
}

// Invalidate expires every fresh completed job for the URL without deleting
// it and returns how many were expired.
func (e *Engine) Invalidate(ctx context.Context, rawURL string) (int, error) {
	_, hash, err := urlnorm.Canonical(rawURL)
	if err != nil {
		return 0, nil
	}
	n, err := e.jobs.ExpireCompleted(ctx, hash, e.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("expire jobs: %w", err)
	}
	if n > 0 {
		e.logger.Info("cache invalidated", zap.String("url_hash", hash), zap.Int("count", n))
	}
	return n, nil
}

// Delete removes a terminal job and its blobs and returns how many blobs
// were removed. Pending and scraping jobs yield scrape.ErrJobActive.
func (e *Engine) Delete(ctx context.Context, jobID string) (int, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "engine.delete")
	defer span.End()

	job, err := e.jobs.GetJob(ctx, jobID)
	if err != nil {
		return 0, fmt.Errorf("get job: %w", err)
	}
	if job.Status.Active() {
		return 0, fmt.Errorf("delete job %s: %w", jobID, scrape.ErrJobActive)
	}
	n, err := e.remove(ctx, job)
	if err != nil {
		return n, err
	}
	e.logger.Info("job deleted", zap.String("job_id", jobID), zap.Int("blobs", n))
	return n, nil
}

// GetStatus returns the job record.
func (e *Engine) GetStatus(ctx context.Context, jobID string) (scrape.Job, error) {
	job, err := e.jobs.GetJob(ctx, jobID)
	if err != nil {
		return scrape.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// GetContent returns the job with its stored fields resolved.
func (e *Engine) GetContent(ctx context.Context, jobID string) (Content, error) {
	job, err := e.jobs.GetJob(ctx, jobID)
	if err != nil {
		return Content{}, fmt.Errorf("get job: %w", err)
	}
	return e.Resolve(ctx, job), nil
}

// Resolve turns a job's stored fields into readable values. Blob links that
// cannot be issued are logged and left out.
func (e *Engine) Resolve(ctx context.Context, job scrape.Job) Content {
	out := Content{
		Job:        job,
		Values:     make(map[scrape.Field]json.RawMessage, len(job.Content)),
		URLs:       make(map[scrape.Field]string),
		Screenshot: job.ScreenshotURL,
	}
	for field, stored := range job.Content {
		if !stored.Offloaded() {
			out.Values[field] = stored.Inline
			continue
		}
		link, err := e.blobs.URL(ctx, stored.BlobKey)
		if err != nil {
			e.logger.Warn("resolve blob url failed",
				zap.String("job_id", job.ID),
				zap.String("key", stored.BlobKey),
				zap.Error(err),
			)
			continue
		}
		out.URLs[field] = link
	}
	if job.ScreenshotBlobKey != "" {
		if link, err := e.blobs.URL(ctx, job.ScreenshotBlobKey); err == nil {
			out.Screenshot = link
		} else {
			e.logger.Warn("resolve screenshot url failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	return out
}

// GetByURL returns the most recent job for the URL regardless of status.
func (e *Engine) GetByURL(ctx context.Context, rawURL string) (scrape.Job, bool, error) {
	_, hash, err := urlnorm.Canonical(rawURL)
	if err != nil {
		return scrape.Job{}, false, nil
	}
	recent, err := e.jobs.RecentByHash(ctx, hash, 1)
	if err != nil {
		return scrape.Job{}, false, fmt.Errorf("load recent jobs: %w", err)
	}
	if len(recent) == 0 {
		return scrape.Job{}, false, nil
	}
	return recent[0], true, nil
}

// List returns one page of jobs, newest first.
func (e *Engine) List(ctx context.Context, filter scrape.ListFilter) (scrape.Page, error) {
	page, err := e.jobs.ListJobs(ctx, filter)
	if err != nil {
		return scrape.Page{}, fmt.Errorf("list jobs: %w", err)
	}
	return page, nil
}

// resumeRetryInterval is how long ResumePending waits for room in a full queue.
const resumeRetryInterval = 100 * time.Millisecond

// ResumePending schedules every pending job again. It is run at startup so
// jobs created just before a restart are not stranded. When the queue is
// full it waits for workers to make room until ctx ends.
func (e *Engine) ResumePending(ctx context.Context) (int, error) {
	pending := scrape.StatusPending
	filter := scrape.ListFilter{Status: &pending, Limit: scrape.MaxPageSize}
	resumed := 0
	for {
		page, err := e.jobs.ListJobs(ctx, filter)
		if err != nil {
			return resumed, fmt.Errorf("list pending jobs: %w", err)
		}
		for _, job := range page.Jobs {
			if err := e.enqueueWaiting(ctx, scrape.QueueItem{JobID: job.ID}); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return resumed, fmt.Errorf("resume job %s: %w", job.ID, err)
				}
				if errors.Is(err, scrape.ErrQueueClosed) {
					return resumed, fmt.Errorf("resume job %s: %w", job.ID, err)
				}
				e.logger.Warn("resume job failed", zap.String("job_id", job.ID), zap.Error(err))
				continue
			}
			resumed++
		}
		if page.NextCursor == "" {
			break
		}
		filter.Cursor = page.NextCursor
	}
	if resumed > 0 {
		e.logger.Info("resumed pending jobs", zap.Int("count", resumed))
	}
	return resumed, nil
}

func (e *Engine) enqueueWaiting(ctx context.Context, item scrape.QueueItem) error {
	for {
		err := e.scheduler.Enqueue(ctx, item)
		if !errors.Is(err, scrape.ErrQueueFull) {
			return err
		}
		timer := time.NewTimer(resumeRetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("wait for queue room: %w", ctx.Err())
		case <-timer.C:
		}
	}
}
