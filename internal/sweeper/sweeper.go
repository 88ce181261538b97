// Package sweeper reclaims expired cache entries and fails jobs that have
// been scraping for longer than the provider could take.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagecache/internal/metrics"
	"github.com/JakeFAU/pagecache/internal/publisher"
	"github.com/JakeFAU/pagecache/internal/scrape"
)

// Defaults applied by New.
const (
	DefaultStuckTimeout = 5 * time.Minute
	DefaultBatchSize    = 100
)

// Config controls sweep behavior.
type Config struct {
	// StuckTimeout is how long a job may stay scraping.
	StuckTimeout time.Duration
	// BatchSize bounds the jobs handled per sweep.
	BatchSize int
}

// ExpiryReport summarizes one expiry sweep.
type ExpiryReport struct {
	Scanned      int
	Deleted      int
	Skipped      int
	BlobsDeleted int
}

// StuckReport summarizes one stuck-job sweep.
type StuckReport struct {
	Scanned int
	Failed  int
}

// Sweeper runs the two sweeps against the stores.
type Sweeper struct {
	jobs     scrape.JobStore
	blobs    scrape.BlobStore
	clock    scrape.Clock
	notifier *publisher.Notifier
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Sweeper.
func New(
	jobs scrape.JobStore,
	blobs scrape.BlobStore,
	clock scrape.Clock,
	notifier *publisher.Notifier,
	cfg Config,
	logger *zap.Logger,
) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StuckTimeout <= 0 {
		cfg.StuckTimeout = DefaultStuckTimeout
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &Sweeper{
		jobs:     jobs,
		blobs:    blobs,
		clock:    clock,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.Named("sweeper"),
	}
}

// SweepExpired deletes one batch of terminal jobs whose expiry has passed,
// blobs first. Pending and scraping jobs are never touched.
func (s *Sweeper) SweepExpired(ctx context.Context) (ExpiryReport, error) {
	now := s.clock.Now()
	jobs, err := s.jobs.ListExpired(ctx, now, s.cfg.BatchSize)
	if err != nil {
		metrics.ObserveSweep("expired", "error", 1)
		return ExpiryReport{}, fmt.Errorf("list expired jobs: %w", err)
	}

	report := ExpiryReport{Scanned: len(jobs)}
	for _, job := range jobs {
		if !job.Status.Terminal() {
			report.Skipped++
			continue
		}
		for _, key := range job.BlobKeys() {
			if err := s.blobs.DeleteObject(ctx, key); err != nil {
				s.logger.Warn("delete blob failed",
					zap.String("job_id", job.ID),
					zap.String("key", key),
					zap.Error(err),
				)
				continue
			}
			report.BlobsDeleted++
		}
		if err := s.jobs.DeleteJob(ctx, job.ID); err != nil {
			if !errors.Is(err, scrape.ErrNotFound) {
				s.logger.Warn("delete expired job failed", zap.String("job_id", job.ID), zap.Error(err))
			}
			report.Skipped++
			continue
		}
		report.Deleted++
	}

	metrics.ObserveSweep("expired", "deleted", report.Deleted)
	metrics.ObserveSweep("expired", "skipped", report.Skipped)
	s.logger.Info("expiry sweep finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("deleted", report.Deleted),
		zap.Int("skipped", report.Skipped),
		zap.Int("blobs_deleted", report.BlobsDeleted),
	)
	return report, nil
}

// SweepStuck fails one batch of jobs whose scraping started more than the
// stuck timeout ago. Queued jobs are not affected.
func (s *Sweeper) SweepStuck(ctx context.Context) (StuckReport, error) {
	now := s.clock.Now()
	jobs, err := s.jobs.ListStuck(ctx, now.Add(-s.cfg.StuckTimeout), s.cfg.BatchSize)
	if err != nil {
		metrics.ObserveSweep("stuck", "error", 1)
		return StuckReport{}, fmt.Errorf("list stuck jobs: %w", err)
	}

	msg := fmt.Sprintf("Scrape timed out after %s", s.cfg.StuckTimeout)
	report := StuckReport{Scanned: len(jobs)}
	for _, job := range jobs {
		failed, err := s.jobs.Fail(ctx, job.ID, msg, scrape.ErrorCodeTimeout, now)
		if err != nil {
			s.logger.Warn("fail stuck job failed", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		if !failed {
			continue
		}
		report.Failed++
		metrics.ObserveJob(string(scrape.StatusFailed), scrape.ErrorCodeTimeout)
		s.notifier.Notify(ctx, job, scrape.StatusFailed, now)
	}

	metrics.ObserveSweep("stuck", "failed", report.Failed)
	if report.Scanned > 0 {
		s.logger.Warn("stuck sweep failed jobs",
			zap.Int("scanned", report.Scanned),
			zap.Int("failed", report.Failed),
		)
	}
	return report, nil
}
