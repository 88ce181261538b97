package api

import (
	"encoding/json"
	"time"

	"github.com/JakeFAU/pagecache/internal/engine"
	"github.com/JakeFAU/pagecache/internal/scrape"
)

type statusView struct {
	JobID      string        `json:"jobId"`
	URL        string        `json:"url"`
	Status     scrape.Status `json:"status"`
	Formats    []string      `json:"formats"`
	Error      string        `json:"error,omitempty"`
	ErrorCode  string        `json:"errorCode,omitempty"`
	StartedAt  time.Time     `json:"startedAt"`
	ScrapingAt *time.Time    `json:"scrapingAt,omitempty"`
	ScrapedAt  *time.Time    `json:"scrapedAt,omitempty"`
	ExpiresAt  time.Time     `json:"expiresAt"`
}

func newStatusView(job scrape.Job) statusView {
	formats := make([]string, 0, len(job.Formats))
	for _, f := range job.Formats {
		formats = append(formats, string(f))
	}
	return statusView{
		JobID:      job.ID,
		URL:        job.URL,
		Status:     job.Status,
		Formats:    formats,
		Error:      job.Error,
		ErrorCode:  job.ErrorCode,
		StartedAt:  job.StartedAt,
		ScrapingAt: job.ScrapingAt,
		ScrapedAt:  job.ScrapedAt,
		ExpiresAt:  job.ExpiresAt,
	}
}

// contentView flattens a job's fields: inline values under their field name
// and offloaded ones as "<field>Url".
type contentView struct {
	statusView
	Metadata   *scrape.Metadata `json:"metadata,omitempty"`
	Screenshot string           `json:"screenshot,omitempty"`
	fields     map[string]any
}

func newContentView(c engine.Content) contentView {
	view := contentView{
		statusView: newStatusView(c.Job),
		Metadata:   c.Job.Metadata,
		Screenshot: c.Screenshot,
		fields:     make(map[string]any, len(c.Values)+len(c.URLs)),
	}
	for field, value := range c.Values {
		view.fields[string(field)] = value
	}
	for field, link := range c.URLs {
		view.fields[string(field)+"Url"] = link
	}
	return view
}

// MarshalJSON merges the status fields with the content fields.
func (v contentView) MarshalJSON() ([]byte, error) {
	type plain struct {
		statusView
		Metadata   *scrape.Metadata `json:"metadata,omitempty"`
		Screenshot string           `json:"screenshot,omitempty"`
	}
	head, err := json.Marshal(plain{statusView: v.statusView, Metadata: v.Metadata, Screenshot: v.Screenshot})
	if err != nil {
		return nil, err
	}
	merged := make(map[string]json.RawMessage, len(v.fields)+12)
	if err := json.Unmarshal(head, &merged); err != nil {
		return nil, err
	}
	for key, value := range v.fields {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		merged[key] = raw
	}
	return json.Marshal(merged)
}
