package sweeper

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagecache/internal/publisher"
	pubmemory "github.com/JakeFAU/pagecache/internal/publisher/memory"
	"github.com/JakeFAU/pagecache/internal/scrape"
	"github.com/JakeFAU/pagecache/internal/storage/memory"
)

var now = time.Date(2026, 5, 2, 3, 0, 0, 0, time.UTC)

type harness struct {
	jobs    *memory.JobStore
	blobs   *memory.BlobStore
	pub     *pubmemory.Publisher
	sweeper *Sweeper
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		jobs:  memory.NewJobStore(),
		blobs: memory.NewBlobStore(),
		pub:   pubmemory.New(),
	}
	notifier := publisher.NewNotifier(h.pub, "", zap.NewNop())
	h.sweeper = New(h.jobs, h.blobs, fixedClock{now}, notifier, cfg, zap.NewNop())
	return h
}

// add creates a job for its own URL and drives it into status.
func (h *harness) add(t *testing.T, id string, status scrape.Status, expiresAt time.Time, scrapingAt time.Time, blobs ...string) {
	t.Helper()
	ctx := context.Background()
	job := scrape.Job{
		ID:        id,
		URL:       "https://example.com/" + id,
		URLHash:   "hash-" + id,
		Status:    scrape.StatusPending,
		Formats:   []scrape.Format{scrape.FormatMarkdown},
		StartedAt: now.Add(-48 * time.Hour),
		ExpiresAt: expiresAt,
	}
	require.NoError(t, h.jobs.CreateJob(ctx, job))
	if status == scrape.StatusPending {
		return
	}
	ok, err := h.jobs.MarkScraping(ctx, id, scrapingAt)
	require.NoError(t, err)
	require.True(t, ok)
	switch status {
	case scrape.StatusCompleted:
		content := map[scrape.Field]scrape.StoredField{}
		for _, key := range blobs {
			_, err := h.blobs.PutObject(ctx, key, "text/plain", strings.NewReader("x"))
			require.NoError(t, err)
			content[scrape.Field(key)] = scrape.StoredField{BlobKey: key}
		}
		ok, err = h.jobs.Complete(ctx, id, scrape.Completion{Content: content, ScrapedAt: scrapingAt, ExpiresAt: expiresAt})
		require.NoError(t, err)
		require.True(t, ok)
	case scrape.StatusFailed:
		ok, err = h.jobs.Fail(ctx, id, "boom", "500", scrapingAt)
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func (h *harness) exists(t *testing.T, id string) bool {
	t.Helper()
	_, err := h.jobs.GetJob(context.Background(), id)
	if err != nil {
		require.ErrorIs(t, err, scrape.ErrNotFound)
		return false
	}
	return true
}

func TestSweepExpiredOnlyDeletesTerminalJobs(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	past := now.Add(-time.Hour)
	h.add(t, "completed", scrape.StatusCompleted, past, past, "scrapes/completed/html.html", "scrapes/completed/links.json")
	h.add(t, "failed", scrape.StatusFailed, past, past)
	h.add(t, "pending", scrape.StatusPending, past, time.Time{})
	h.add(t, "scraping", scrape.StatusScraping, past, past)
	h.add(t, "fresh", scrape.StatusCompleted, now.Add(time.Hour), past, "scrapes/fresh/html.html")

	report, err := h.sweeper.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ExpiryReport{Scanned: 2, Deleted: 2, BlobsDeleted: 2}, report)

	assert.False(t, h.exists(t, "completed"))
	assert.False(t, h.exists(t, "failed"))
	assert.True(t, h.exists(t, "pending"))
	assert.True(t, h.exists(t, "scraping"))
	assert.True(t, h.exists(t, "fresh"))
	assert.Equal(t, 1, h.blobs.Len())
}

// expiringActive lists every expired job regardless of status, like a store
// whose listing races with a new scrape.
type expiringActive struct {
	*memory.JobStore
	listed []scrape.Job
}

func (s *expiringActive) ListExpired(context.Context, time.Time, int) ([]scrape.Job, error) {
	return s.listed, nil
}

func TestSweepExpiredSkipsActiveJobsFromStore(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	past := now.Add(-time.Hour)
	h.add(t, "pending", scrape.StatusPending, past, time.Time{})
	h.add(t, "scraping", scrape.StatusScraping, past, past)
	pending, err := h.jobs.GetJob(context.Background(), "pending")
	require.NoError(t, err)
	scraping, err := h.jobs.GetJob(context.Background(), "scraping")
	require.NoError(t, err)

	store := &expiringActive{JobStore: h.jobs, listed: []scrape.Job{pending, scraping}}
	sweeper := New(store, h.blobs, fixedClock{now}, publisher.NewNotifier(h.pub, "", zap.NewNop()), Config{}, zap.NewNop())

	report, err := sweeper.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ExpiryReport{Scanned: 2, Skipped: 2}, report)
	assert.True(t, h.exists(t, "pending"))
	assert.True(t, h.exists(t, "scraping"))
}

func TestSweepExpiredHonorsBatchSize(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{BatchSize: 2})
	for i, id := range []string{"a", "b", "c"} {
		at := now.Add(-time.Duration(3-i) * time.Hour)
		h.add(t, id, scrape.StatusFailed, at, at)
	}

	report, err := h.sweeper.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Deleted)
	assert.True(t, h.exists(t, "c"), "oldest expiries go first")

	report, err = h.sweeper.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deleted)
}

func TestSweepStuckTimeoutBoundary(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	const eps = time.Second
	later := now.Add(time.Hour)
	h.add(t, "stuck", scrape.StatusScraping, later, now.Add(-(DefaultStuckTimeout + eps)))
	h.add(t, "slow", scrape.StatusScraping, later, now.Add(-(DefaultStuckTimeout - eps)))
	h.add(t, "queued", scrape.StatusPending, later, time.Time{})

	report, err := h.sweeper.SweepStuck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StuckReport{Scanned: 1, Failed: 1}, report)

	stuck, err := h.jobs.GetJob(context.Background(), "stuck")
	require.NoError(t, err)
	assert.Equal(t, scrape.StatusFailed, stuck.Status)
	assert.Equal(t, "Scrape timed out after 5m0s", stuck.Error)
	assert.Equal(t, scrape.ErrorCodeTimeout, stuck.ErrorCode)

	slow, err := h.jobs.GetJob(context.Background(), "slow")
	require.NoError(t, err)
	assert.Equal(t, scrape.StatusScraping, slow.Status)

	queued, err := h.jobs.GetJob(context.Background(), "queued")
	require.NoError(t, err)
	assert.Equal(t, scrape.StatusPending, queued.Status)

	events := h.pub.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "stuck", events[0].JobID)
	assert.Equal(t, scrape.StatusFailed, events[0].Status)

	report, err = h.sweeper.SweepStuck(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Failed, "sweeps are idempotent")
}

func TestSchedulerRejectsBadSchedule(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	_, err := NewScheduler(h.sweeper, "not a cron", DefaultStuckSchedule, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid expiry schedule")

	_, err = NewScheduler(h.sweeper, DefaultExpirySchedule, "61 * * * *", zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid stuck schedule")
}

func TestSchedulerRunsSweeps(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	past := now.Add(-time.Hour)
	h.add(t, "expired", scrape.StatusFailed, past, past)
	h.add(t, "stuck", scrape.StatusScraping, now.Add(time.Hour), now.Add(-time.Hour))

	sched, err := NewScheduler(h.sweeper, "@every 1s", "@every 1s", zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 2, sched.Entries())

	sched.Start()
	require.Eventually(t, func() bool {
		if h.exists(t, "expired") {
			return false
		}
		job, err := h.jobs.GetJob(context.Background(), "stuck")
		return err == nil && job.Status == scrape.StatusFailed
	}, 5*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, sched.Stop(ctx))
}

func TestSchedulerEmptySchedulesDisableSweeps(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	sched, err := NewScheduler(h.sweeper, "", DefaultStuckSchedule, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, sched.Entries())
}

type fixedClock struct {
	t time.Time
}

func (c fixedClock) Now() time.Time {
	return c.t
}

