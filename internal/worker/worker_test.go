package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagecache/internal/provider"
	"github.com/JakeFAU/pagecache/internal/publisher"
	pubmemory "github.com/JakeFAU/pagecache/internal/publisher/memory"
	queuememory "github.com/JakeFAU/pagecache/internal/queue/memory"
	"github.com/JakeFAU/pagecache/internal/scrape"
	"github.com/JakeFAU/pagecache/internal/storage/memory"
)

var base = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	jobs     *memory.JobStore
	blobs    *memory.BlobStore
	pub      *pubmemory.Publisher
	provider *fakeProvider
	clock    *fakeClock
	worker   *Worker
}

func newHarness(t *testing.T, prov *fakeProvider, cfg Config) *harness {
	t.Helper()
	h := &harness{
		jobs:     memory.NewJobStore(),
		blobs:    memory.NewBlobStore(),
		pub:      pubmemory.New(),
		provider: prov,
		clock:    &fakeClock{now: base},
	}
	notifier := publisher.NewNotifier(h.pub, "", zap.NewNop())
	h.worker = New(nil, h.jobs, h.blobs, prov, notifier, h.clock, nil, cfg, zap.NewNop())
	return h
}

func (h *harness) seed(t *testing.T, job scrape.Job) scrape.Job {
	t.Helper()
	if job.ID == "" {
		job.ID = "job-1"
	}
	if job.URL == "" {
		job.URL = "https://example.com/page"
		job.NormalizedURL = job.URL
	}
	if job.URLHash == "" {
		job.URLHash = "hash-1"
	}
	if job.Status == "" {
		job.Status = scrape.StatusPending
	}
	if job.Formats == nil {
		job.Formats = []scrape.Format{scrape.FormatMarkdown}
	}
	if job.TTL == 0 {
		job.TTL = time.Hour
	}
	job.StartedAt = base
	job.ExpiresAt = base.Add(24 * time.Hour)
	require.NoError(t, h.jobs.CreateJob(context.Background(), job))
	return job
}

func (h *harness) job(t *testing.T, id string) scrape.Job {
	t.Helper()
	job, err := h.jobs.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func (h *harness) statuses() []scrape.Status {
	return h.pub.Statuses("job-1")
}

func TestExecuteCompletesInline(t *testing.T) {
	t.Parallel()

	md := "# Example"
	h := newHarness(t, &fakeProvider{result: scrape.ProviderResult{
		Markdown: &md,
		Links:    []string{"https://example.com/a"},
		Metadata: &scrape.Metadata{Title: "Example", StatusCode: 200},
	}}, Config{})
	h.seed(t, scrape.Job{})

	h.worker.Execute(context.Background(), "job-1")

	job := h.job(t, "job-1")
	require.Equal(t, scrape.StatusCompleted, job.Status)
	assert.JSONEq(t, `"# Example"`, string(job.Content[scrape.FieldMarkdown].Inline))
	assert.JSONEq(t, `["https://example.com/a"]`, string(job.Content[scrape.FieldLinks].Inline))
	assert.Equal(t, "Example", job.Metadata.Title)
	require.NotNil(t, job.ScrapingAt)
	require.NotNil(t, job.ScrapedAt)
	assert.Equal(t, base.Add(time.Hour), job.ExpiresAt)
	assert.Zero(t, h.blobs.Len())
	assert.Equal(t, []scrape.Status{scrape.StatusScraping, scrape.StatusCompleted}, h.statuses())

	req := h.provider.lastRequest()
	assert.Equal(t, "https://example.com/page", req.URL)
	assert.Equal(t, []scrape.Format{scrape.FormatMarkdown}, req.Formats)
}

func TestExecuteOffloadsAtThreshold(t *testing.T) {
	t.Parallel()

	below := "123456789"
	atThreshold := strings.Repeat("é", 5)
	h := newHarness(t, &fakeProvider{result: scrape.ProviderResult{
		Markdown: &below,
		HTML:     &atThreshold,
		Links:    []string{"https://a"},
	}}, Config{InlineThreshold: 10})
	h.seed(t, scrape.Job{Formats: []scrape.Format{scrape.FormatMarkdown, scrape.FormatHTML, scrape.FormatLinks}})

	h.worker.Execute(context.Background(), "job-1")

	job := h.job(t, "job-1")
	require.Equal(t, scrape.StatusCompleted, job.Status)
	assert.False(t, job.Content[scrape.FieldMarkdown].Offloaded())

	html := job.Content[scrape.FieldHTML]
	require.True(t, html.Offloaded())
	assert.Empty(t, html.Inline)
	assert.Equal(t, "scrapes/job-1/html.html", html.BlobKey)
	data, err := h.blobs.GetObject(context.Background(), html.BlobKey)
	require.NoError(t, err)
	assert.Equal(t, atThreshold, string(data))
	assert.Equal(t, "text/html; charset=utf-8", h.blobs.ContentType(html.BlobKey))

	links := job.Content[scrape.FieldLinks]
	require.True(t, links.Offloaded(), "serialized list is 13 bytes")
	assert.Equal(t, "scrapes/job-1/links.json", links.BlobKey)
}

func TestExecuteExtractedJSON(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeProvider{result: scrape.ProviderResult{
		ExtractedJSON: []byte(`{ "price": 12.5 }`),
	}}, Config{})
	h.seed(t, scrape.Job{Formats: []scrape.Format{scrape.FormatJSON}})

	h.worker.Execute(context.Background(), "job-1")

	job := h.job(t, "job-1")
	require.Equal(t, scrape.StatusCompleted, job.Status)
	assert.Equal(t, `{"price":12.5}`, string(job.Content[scrape.FieldExtractedJSON].Inline))
}

func TestExecuteFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		wantMsg  string
		wantCode string
	}{
		{
			name:     "provider error keeps code",
			err:      &provider.Error{Message: "Blocked by robots", Code: "403"},
			wantMsg:  "Blocked by robots",
			wantCode: "403",
		},
		{
			name:     "deadline is a network error",
			err:      fmt.Errorf("provider request: %w", context.DeadlineExceeded),
			wantMsg:  "provider scrape: provider request: context deadline exceeded",
			wantCode: scrape.ErrorCodeNetwork,
		},
		{
			name:     "anything else is internal",
			err:      errors.New("boom"),
			wantMsg:  "provider scrape: boom",
			wantCode: scrape.ErrorCodeInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, &fakeProvider{err: tt.err}, Config{})
			h.seed(t, scrape.Job{})

			h.worker.Execute(context.Background(), "job-1")

			job := h.job(t, "job-1")
			assert.Equal(t, scrape.StatusFailed, job.Status)
			assert.Equal(t, tt.wantMsg, job.Error)
			assert.Equal(t, tt.wantCode, job.ErrorCode)
			assert.Empty(t, job.Content)
			assert.Equal(t, []scrape.Status{scrape.StatusScraping, scrape.StatusFailed}, h.statuses())
		})
	}
}

func TestExecuteBlobFailureCleansUp(t *testing.T) {
	t.Parallel()

	big := strings.Repeat("x", 32)
	h := newHarness(t, &fakeProvider{result: scrape.ProviderResult{Markdown: &big, HTML: &big}}, Config{InlineThreshold: 16})
	h.seed(t, scrape.Job{})
	flaky := &failingBlobStore{BlobStore: h.blobs, failOn: "scrapes/job-1/html.html"}
	h.worker.blobs = flaky

	h.worker.Execute(context.Background(), "job-1")

	job := h.job(t, "job-1")
	assert.Equal(t, scrape.StatusFailed, job.Status)
	assert.Equal(t, scrape.ErrorCodeInternal, job.ErrorCode)
	assert.Contains(t, job.Error, "offload html")
	assert.Zero(t, h.blobs.Len(), "markdown blob written before the failure is removed")
}

func TestExecuteSkipsNonPending(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeProvider{}, Config{})
	h.seed(t, scrape.Job{})
	ok, err := h.jobs.MarkScraping(context.Background(), "job-1", base)
	require.NoError(t, err)
	require.True(t, ok)

	h.worker.Execute(context.Background(), "job-1")

	assert.Zero(t, h.provider.callCount())
	assert.Equal(t, scrape.StatusScraping, h.job(t, "job-1").Status)
}

func TestExecuteMissingJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeProvider{}, Config{})
	h.worker.Execute(context.Background(), "missing")
	assert.Zero(t, h.provider.callCount())
	assert.Empty(t, h.pub.Events(), "a missing job is skipped, not failed")
}

func TestExecuteDiscardsLateResult(t *testing.T) {
	t.Parallel()

	big := strings.Repeat("x", 64)
	prov := &fakeProvider{result: scrape.ProviderResult{Markdown: &big}}
	h := newHarness(t, prov, Config{InlineThreshold: 16})
	h.seed(t, scrape.Job{})
	prov.hook = func() {
		_, err := h.jobs.Fail(context.Background(), "job-1", "Scrape timed out after 5m0s", scrape.ErrorCodeTimeout, base)
		require.NoError(t, err)
	}

	h.worker.Execute(context.Background(), "job-1")

	job := h.job(t, "job-1")
	assert.Equal(t, scrape.StatusFailed, job.Status)
	assert.Equal(t, scrape.ErrorCodeTimeout, job.ErrorCode)
	assert.Empty(t, job.Content)
	assert.Zero(t, h.blobs.Len())
	assert.Equal(t, []scrape.Status{scrape.StatusScraping}, h.statuses())
}

func TestExecuteStoresScreenshot(t *testing.T) {
	t.Parallel()

	png := []byte("\x89PNG fake")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/shot.png" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	}))
	t.Cleanup(srv.Close)

	tests := []struct {
		name    string
		url     string
		store   bool
		wantKey string
	}{
		{name: "stored", url: srv.URL + "/shot.png", store: true, wantKey: "scrapes/job-1/screenshot.png"},
		{name: "not requested", url: srv.URL + "/shot.png", store: false},
		{name: "fetch fails", url: srv.URL + "/missing.png", store: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, &fakeProvider{result: scrape.ProviderResult{Screenshot: tt.url}},
				Config{HTTPClient: srv.Client()})
			h.seed(t, scrape.Job{
				Formats: []scrape.Format{scrape.FormatScreenshot},
				Options: scrape.Options{StoreScreenshot: tt.store},
			})

			h.worker.Execute(context.Background(), "job-1")

			job := h.job(t, "job-1")
			require.Equal(t, scrape.StatusCompleted, job.Status)
			assert.Equal(t, tt.url, job.ScreenshotURL)
			assert.Equal(t, tt.wantKey, job.ScreenshotBlobKey)
			if tt.wantKey != "" {
				data, err := h.blobs.GetObject(context.Background(), tt.wantKey)
				require.NoError(t, err)
				assert.Equal(t, png, data)
			}
		})
	}
}

func TestFetchScreenshotSizeCap(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, strings.Repeat("p", 64))
	}))
	t.Cleanup(srv.Close)

	h := newHarness(t, &fakeProvider{}, Config{HTTPClient: srv.Client(), ScreenshotMaxBytes: 32})
	_, _, err := h.worker.fetchScreenshot(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds 32 bytes")
}

func TestRunDrainsQueue(t *testing.T) {
	t.Parallel()

	md := "ok"
	h := newHarness(t, &fakeProvider{result: scrape.ProviderResult{Markdown: &md}}, Config{})
	h.seed(t, scrape.Job{})
	queue := queuememory.NewQueue(1)
	h.worker.queue = queue
	require.NoError(t, queue.Enqueue(context.Background(), scrape.QueueItem{JobID: "job-1"}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.worker.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		job, err := h.jobs.GetJob(context.Background(), "job-1")
		return err == nil && job.Status == scrape.StatusCompleted
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after context cancel")
	}
}

func TestExecuteStoreErrorsFailTheJob(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		getErrs  int
		markErrs int
		wantErr  string
	}{
		{name: "load", getErrs: 1, wantErr: "failed to load job: store unavailable"},
		{name: "mark scraping", markErrs: 1, wantErr: "failed to start job: store unavailable"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			md := "unused"
			h := newHarness(t, &fakeProvider{result: scrape.ProviderResult{Markdown: &md}}, Config{})
			h.seed(t, scrape.Job{})
			h.worker.jobs = &flakyJobs{JobStore: h.jobs, getErrs: tc.getErrs, markErrs: tc.markErrs}

			h.worker.Execute(context.Background(), "job-1")

			job := h.job(t, "job-1")
			assert.Equal(t, scrape.StatusFailed, job.Status, "a store error must not leave the job pending")
			assert.Equal(t, scrape.ErrorCodeInternal, job.ErrorCode)
			assert.Equal(t, tc.wantErr, job.Error)
			assert.Equal(t, []scrape.Status{scrape.StatusFailed}, h.statuses())
		})
	}
}

// flakyJobs fails the first getErrs GetJob and markErrs MarkScraping calls.
type flakyJobs struct {
	*memory.JobStore
	mu       sync.Mutex
	getErrs  int
	markErrs int
}

var errStoreDown = errors.New("store unavailable")

func (f *flakyJobs) GetJob(ctx context.Context, id string) (scrape.Job, error) {
	f.mu.Lock()
	fail := f.getErrs > 0
	if fail {
		f.getErrs--
	}
	f.mu.Unlock()
	if fail {
		return scrape.Job{}, errStoreDown
	}
	return f.JobStore.GetJob(ctx, id)
}

func (f *flakyJobs) MarkScraping(ctx context.Context, id string, at time.Time) (bool, error) {
	f.mu.Lock()
	fail := f.markErrs > 0
	if fail {
		f.markErrs--
	}
	f.mu.Unlock()
	if fail {
		return false, errStoreDown
	}
	return f.JobStore.MarkScraping(ctx, id, at)
}

func TestBlobKey(t *testing.T) {
	t.Parallel()

	w := New(nil, nil, nil, nil, nil, nil, nil, Config{BlobPrefix: "/cache/"}, nil)
	assert.Equal(t, "cache/j/markdown.md", w.blobKey("j", "markdown.md"))
	w.cfg.BlobPrefix = "/"
	assert.Equal(t, "j/markdown.md", w.blobKey("j", "markdown.md"))
}

type fakeProvider struct {
	mu     sync.Mutex
	result scrape.ProviderResult
	err    error
	hook   func()
	calls  atomic.Int32
	last   scrape.ProviderRequest
}

func (p *fakeProvider) Scrape(_ context.Context, req scrape.ProviderRequest) (scrape.ProviderResult, error) {
	p.calls.Add(1)
	p.mu.Lock()
	p.last = req
	hook := p.hook
	p.mu.Unlock()
	if hook != nil {
		hook()
	}
	return p.result, p.err
}

func (p *fakeProvider) callCount() int {
	return int(p.calls.Load())
}

func (p *fakeProvider) lastRequest() scrape.ProviderRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

type failingBlobStore struct {
	*memory.BlobStore
	failOn string
}

func (f *failingBlobStore) PutObject(ctx context.Context, key, contentType string, data io.Reader) (string, error) {
	if key == f.failOn {
		return "", errors.New("disk full")
	}
	return f.BlobStore.PutObject(ctx, key, contentType, data)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}
