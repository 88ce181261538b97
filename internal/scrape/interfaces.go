package scrape

import (
	"context"
	"io"
	"time"
)

// JobStore persists jobs. Every method is a single atomic operation; the
// transition methods are compare-and-swap on status and report whether the
// transition happened.
type JobStore interface {
	// CreateJob inserts a pending job. It fails with *InProgressError when a
	// pending or scraping job already exists for the same URLHash.
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	// RecentByHash returns up to limit jobs for the hash, newest first.
	RecentByHash(ctx context.Context, urlHash string, limit int) ([]Job, error)
	ListJobs(ctx context.Context, filter ListFilter) (Page, error)

	MarkScraping(ctx context.Context, jobID string, at time.Time) (bool, error)
	Complete(ctx context.Context, jobID string, c Completion) (bool, error)
	Fail(ctx context.Context, jobID string, errText, errCode string, at time.Time) (bool, error)

	// ExpireCompleted sets ExpiresAt to now on every fresh completed job for
	// the hash and returns how many were changed.
	ExpireCompleted(ctx context.Context, urlHash string, now time.Time) (int, error)
	// DeleteJob removes a terminal job. Active jobs yield ErrJobActive.
	DeleteJob(ctx context.Context, jobID string) error

	// ListExpired returns up to limit completed or failed jobs whose
	// ExpiresAt is before t, oldest expiry first.
	ListExpired(ctx context.Context, before time.Time, limit int) ([]Job, error)
	// ListStuck returns up to limit scraping jobs whose ScrapingAt is before t.
	ListStuck(ctx context.Context, scrapingBefore time.Time, limit int) ([]Job, error)
}

// BlobStore is a key-addressed object store.
type BlobStore interface {
	PutObject(ctx context.Context, key string, contentType string, data io.Reader) (string, error)
	GetObject(ctx context.Context, key string) ([]byte, error)
	DeleteObject(ctx context.Context, key string) error
	// URL returns a link a client can use to read the object, possibly time-limited.
	URL(ctx context.Context, key string) (string, error)
}

// Provider performs the remote scrape.
type Provider interface {
	Scrape(ctx context.Context, req ProviderRequest) (ProviderResult, error)
}

// Publisher pushes status-change events to subscribers.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for scheduled jobs.
type Queue interface {
	// Enqueue never waits for room: a full queue yields ErrQueueFull.
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Scheduler hands a freshly created job to the executor.
type Scheduler interface {
	Enqueue(ctx context.Context, item QueueItem) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
