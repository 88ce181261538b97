package scrape

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status represents the lifecycle state of a scrape job.
type Status string

// Job status values persisted in the job store.
const (
	StatusPending   Status = "pending"
	StatusScraping  Status = "scraping"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Active reports whether the status counts toward the one-active-job-per-URL rule.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusScraping
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseStatus validates a status string.
func ParseStatus(input string) (Status, error) {
	switch s := Status(input); s {
	case StatusPending, StatusScraping, StatusCompleted, StatusFailed:
		return s, nil
	default:
		return "", fmt.Errorf("invalid status %q", input)
	}
}

// Format is an output kind requested from the provider.
type Format string

// Supported output formats.
const (
	FormatMarkdown   Format = "markdown"
	FormatHTML       Format = "html"
	FormatRawHTML    Format = "rawHtml"
	FormatSummary    Format = "summary"
	FormatLinks      Format = "links"
	FormatImages     Format = "images"
	FormatScreenshot Format = "screenshot"
	FormatJSON       Format = "json"
)

// DefaultFormats is used when a request names no formats.
var DefaultFormats = []Format{FormatMarkdown}

var knownFormats = map[Format]struct{}{
	FormatMarkdown:   {},
	FormatHTML:       {},
	FormatRawHTML:    {},
	FormatSummary:    {},
	FormatLinks:      {},
	FormatImages:     {},
	FormatScreenshot: {},
	FormatJSON:       {},
}

// ParseFormats validates the requested formats, drops duplicates and keeps
// the caller's order. An empty input yields DefaultFormats.
func ParseFormats(in []string) ([]Format, error) {
	if len(in) == 0 {
		return append([]Format(nil), DefaultFormats...), nil
	}
	seen := make(map[Format]struct{}, len(in))
	out := make([]Format, 0, len(in))
	for _, raw := range in {
		f := Format(raw)
		if _, ok := knownFormats[f]; !ok {
			return nil, fmt.Errorf("unsupported format %q", raw)
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out, nil
}

// CoversFormats reports whether stored is a superset of requested.
func CoversFormats(stored, requested []Format) bool {
	have := make(map[Format]struct{}, len(stored))
	for _, f := range stored {
		have[f] = struct{}{}
	}
	for _, f := range requested {
		if _, ok := have[f]; !ok {
			return false
		}
	}
	return true
}

// Field names a content field on a job.
type Field string

// Content fields produced by the executor.
const (
	FieldMarkdown      Field = "markdown"
	FieldHTML          Field = "html"
	FieldRawHTML       Field = "rawHtml"
	FieldSummary       Field = "summary"
	FieldLinks         Field = "links"
	FieldImages        Field = "images"
	FieldExtractedJSON Field = "extractedJson"
)

// StoredField holds one content field either inline or as a blob reference.
// Exactly one of Inline and BlobKey is set.
type StoredField struct {
	Inline  json.RawMessage `json:"inline,omitempty"`
	BlobKey string          `json:"blob_key,omitempty"`
}

// Offloaded reports whether the field lives in the blob store.
func (f StoredField) Offloaded() bool {
	return f.BlobKey != ""
}

// Proxy selects the provider's proxy mode.
type Proxy string

// Proxy modes accepted by the provider.
const (
	ProxyBasic   Proxy = "basic"
	ProxyStealth Proxy = "stealth"
	ProxyAuto    Proxy = "auto"
)

// Options captures per-request knobs forwarded to the provider.
type Options struct {
	OnlyMainContent  bool            `json:"only_main_content"`
	IncludeTags      []string        `json:"include_tags,omitempty"`
	ExcludeTags      []string        `json:"exclude_tags,omitempty"`
	WaitFor          time.Duration   `json:"wait_for,omitempty"`
	Mobile           bool            `json:"mobile,omitempty"`
	Proxy            Proxy           `json:"proxy,omitempty"`
	StoreScreenshot  bool            `json:"store_screenshot,omitempty"`
	ExtractionSchema json.RawMessage `json:"extraction_schema,omitempty"`
}

// Metadata is the page metadata reported by the provider.
type Metadata struct {
	Title         string `json:"title,omitempty"`
	Description   string `json:"description,omitempty"`
	Language      string `json:"language,omitempty"`
	StatusCode    int    `json:"statusCode,omitempty"`
	SourceURL     string `json:"sourceURL,omitempty"`
	OGTitle       string `json:"ogTitle,omitempty"`
	OGDescription string `json:"ogDescription,omitempty"`
	OGImage       string `json:"ogImage,omitempty"`
	OGURL         string `json:"ogUrl,omitempty"`
	OGSiteName    string `json:"ogSiteName,omitempty"`
	ContentType   string `json:"contentType,omitempty"`
	CacheControl  string `json:"cacheControl,omitempty"`
}

// Job is one fetch attempt for a URL together with its cache entry.
type Job struct {
	ID            string        `json:"id"`
	URL           string        `json:"url"`
	NormalizedURL string        `json:"normalized_url"`
	URLHash       string        `json:"url_hash"`
	Status        Status        `json:"status"`
	Formats       []Format      `json:"formats"`
	Options       Options       `json:"options"`
	TTL           time.Duration `json:"ttl"`

	Content           map[Field]StoredField `json:"content,omitempty"`
	ScreenshotURL     string                `json:"screenshot_url,omitempty"`
	ScreenshotBlobKey string                `json:"screenshot_blob_key,omitempty"`
	Metadata          *Metadata             `json:"metadata,omitempty"`

	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`

	StartedAt  time.Time  `json:"started_at"`
	ScrapingAt *time.Time `json:"scraping_at,omitempty"`
	ScrapedAt  *time.Time `json:"scraped_at,omitempty"`
	ExpiresAt  time.Time  `json:"expires_at"`
}

// BlobKeys lists every blob owned by the job.
func (j Job) BlobKeys() []string {
	var keys []string
	for _, f := range j.Content {
		if f.BlobKey != "" {
			keys = append(keys, f.BlobKey)
		}
	}
	if j.ScreenshotBlobKey != "" {
		keys = append(keys, j.ScreenshotBlobKey)
	}
	return keys
}

// Fresh reports whether the job is a usable cache entry at now.
func (j Job) Fresh(now time.Time) bool {
	return j.Status == StatusCompleted && j.ExpiresAt.After(now)
}

// Completion carries everything the executor records on success.
type Completion struct {
	Content           map[Field]StoredField
	ScreenshotURL     string
	ScreenshotBlobKey string
	Metadata          *Metadata
	ScrapedAt         time.Time
	ExpiresAt         time.Time
}

// ListFilter selects a page of jobs.
type ListFilter struct {
	Status *Status
	Limit  int
	Cursor string
}

// Page is one page of jobs plus the cursor for the next page.
type Page struct {
	Jobs       []Job
	NextCursor string
}

// QueueItem references a job ready to run.
type QueueItem struct {
	JobID     string
	Submitted int64
}

// StatusEvent is published on every lifecycle transition.
type StatusEvent struct {
	JobID   string    `json:"jobId"`
	URLHash string    `json:"urlHash"`
	Status  Status    `json:"status"`
	At      time.Time `json:"at"`
}
