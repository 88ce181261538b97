package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/pagecache/internal/scrape"
)

// JobStore provides an in-memory implementation for development/testing.
// A single mutex linearizes every mutation, which is what keeps the
// one-active-job-per-hash rule atomic.
type JobStore struct {
	mu     sync.RWMutex
	jobs   map[string]scrape.Job
	active map[string]string // url hash -> id of its pending/scraping job
}

var _ scrape.JobStore = (*JobStore)(nil)

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs:   make(map[string]scrape.Job),
		active: make(map[string]string),
	}
}

// CreateJob stores a new job, rejecting a second active job for the same hash.
func (s *JobStore) CreateJob(_ context.Context, job scrape.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return errors.New("job already exists")
	}
	if job.Status.Active() {
		if existing, ok := s.active[job.URLHash]; ok {
			return &scrape.InProgressError{JobID: existing}
		}
		s.active[job.URLHash] = job.ID
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (scrape.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return scrape.Job{}, scrape.ErrNotFound
	}
	return cloneJob(job), nil
}

// RecentByHash returns up to limit jobs for the hash, newest first.
func (s *JobStore) RecentByHash(_ context.Context, urlHash string, limit int) ([]scrape.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.collect(func(j scrape.Job) bool { return j.URLHash == urlHash })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListJobs returns a page of jobs, newest first.
func (s *JobStore) ListJobs(_ context.Context, filter scrape.ListFilter) (scrape.Page, error) {
	var cursor *scrape.Cursor
	if filter.Cursor != "" {
		c, err := scrape.DecodeCursor(filter.Cursor)
		if err != nil {
			return scrape.Page{}, err
		}
		cursor = &c
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobs := s.collect(func(j scrape.Job) bool {
		if filter.Status != nil && j.Status != *filter.Status {
			return false
		}
		return cursor == nil || cursor.After(j)
	})
	size := filter.PageSize()
	page := scrape.Page{Jobs: jobs}
	if len(jobs) > size {
		page.Jobs = jobs[:size]
		page.NextCursor = scrape.CursorFor(page.Jobs[size-1]).Encode()
	}
	return page, nil
}

// MarkScraping moves a pending job to scraping.
func (s *JobStore) MarkScraping(_ context.Context, jobID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return false, scrape.ErrNotFound
	}
	if job.Status != scrape.StatusPending {
		return false, nil
	}
	job.Status = scrape.StatusScraping
	job.ScrapingAt = pointerTime(at)
	s.jobs[jobID] = job
	return true, nil
}

// Complete records a successful result if the job is still active.
func (s *JobStore) Complete(_ context.Context, jobID string, c scrape.Completion) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return false, scrape.ErrNotFound
	}
	if !job.Status.Active() {
		return false, nil
	}
	job.Status = scrape.StatusCompleted
	job.Content = cloneContent(c.Content)
	job.ScreenshotURL = c.ScreenshotURL
	job.ScreenshotBlobKey = c.ScreenshotBlobKey
	job.Metadata = c.Metadata
	job.ScrapedAt = pointerTime(c.ScrapedAt)
	job.ExpiresAt = c.ExpiresAt
	s.finish(job)
	return true, nil
}

// Fail records a failure if the job is still active.
func (s *JobStore) Fail(_ context.Context, jobID string, errText, errCode string, _ time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return false, scrape.ErrNotFound
	}
	if !job.Status.Active() {
		return false, nil
	}
	job.Status = scrape.StatusFailed
	job.Error = errText
	job.ErrorCode = errCode
	s.finish(job)
	return true, nil
}

// ExpireCompleted marks every fresh completed job for the hash as expired.
func (s *JobStore) ExpireCompleted(_ context.Context, urlHash string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, job := range s.jobs {
		if job.URLHash != urlHash || !job.Fresh(now) {
			continue
		}
		job.ExpiresAt = now
		s.jobs[id] = job
		count++
	}
	return count, nil
}

// DeleteJob removes a terminal job.
func (s *JobStore) DeleteJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return scrape.ErrNotFound
	}
	if job.Status.Active() {
		return fmt.Errorf("delete %s: %w", jobID, scrape.ErrJobActive)
	}
	delete(s.jobs, jobID)
	return nil
}

// ListExpired returns up to limit terminal jobs with ExpiresAt before the
// cutoff.
func (s *JobStore) ListExpired(_ context.Context, before time.Time, limit int) ([]scrape.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.collect(func(j scrape.Job) bool { return j.Status.Terminal() && j.ExpiresAt.Before(before) })
	sort.SliceStable(out, func(i, k int) bool { return out[i].ExpiresAt.Before(out[k].ExpiresAt) })
	return truncate(out, limit), nil
}

// ListStuck returns up to limit scraping jobs that started before the cutoff.
func (s *JobStore) ListStuck(_ context.Context, scrapingBefore time.Time, limit int) ([]scrape.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.collect(func(j scrape.Job) bool {
		return j.Status == scrape.StatusScraping && j.ScrapingAt != nil && j.ScrapingAt.Before(scrapingBefore)
	})
	return truncate(out, limit), nil
}

// finish stores a job that just left the active set. Caller holds mu.
func (s *JobStore) finish(job scrape.Job) {
	if s.active[job.URLHash] == job.ID {
		delete(s.active, job.URLHash)
	}
	s.jobs[job.ID] = job
}

// collect returns matching jobs newest first. Caller holds mu.
func (s *JobStore) collect(match func(scrape.Job) bool) []scrape.Job {
	out := make([]scrape.Job, 0)
	for _, job := range s.jobs {
		if match(job) {
			out = append(out, cloneJob(job))
		}
	}
	sort.Slice(out, func(i, k int) bool { return scrape.Newer(out[i], out[k]) })
	return out
}

func truncate(jobs []scrape.Job, limit int) []scrape.Job {
	if limit > 0 && len(jobs) > limit {
		return jobs[:limit]
	}
	return jobs
}

func cloneJob(job scrape.Job) scrape.Job {
	job.Formats = append([]scrape.Format(nil), job.Formats...)
	job.Content = cloneContent(job.Content)
	if job.ScrapingAt != nil {
		job.ScrapingAt = pointerTime(*job.ScrapingAt)
	}
	if job.ScrapedAt != nil {
		job.ScrapedAt = pointerTime(*job.ScrapedAt)
	}
	if job.Metadata != nil {
		md := *job.Metadata
		job.Metadata = &md
	}
	return job
}

func cloneContent(in map[scrape.Field]scrape.StoredField) map[scrape.Field]scrape.StoredField {
	if in == nil {
		return nil
	}
	out := make(map[scrape.Field]scrape.StoredField, len(in))
	for k, v := range in {
		v.Inline = append([]byte(nil), v.Inline...)
		out[k] = v
	}
	return out
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
