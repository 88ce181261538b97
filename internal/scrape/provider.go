package scrape

import (
	"encoding/json"
	"time"
)

// ProviderRequest is what the executor asks the remote provider for.
type ProviderRequest struct {
	URL              string
	Formats          []Format
	OnlyMainContent  bool
	IncludeTags      []string
	ExcludeTags      []string
	WaitFor          time.Duration
	Mobile           bool
	Proxy            Proxy
	ExtractionSchema json.RawMessage
}

// ProviderResult is the per-format content returned by a successful scrape.
// Nil pointers and slices mean the provider did not return the field.
type ProviderResult struct {
	Markdown      *string
	HTML          *string
	RawHTML       *string
	Summary       *string
	Links         []string
	Images        []string
	Screenshot    string
	ExtractedJSON json.RawMessage
	Metadata      *Metadata
}

// RequestFor builds the provider request for a job.
func RequestFor(job Job) ProviderRequest {
	return ProviderRequest{
		URL:              job.URL,
		Formats:          append([]Format(nil), job.Formats...),
		OnlyMainContent:  job.Options.OnlyMainContent,
		IncludeTags:      job.Options.IncludeTags,
		ExcludeTags:      job.Options.ExcludeTags,
		WaitFor:          job.Options.WaitFor,
		Mobile:           job.Options.Mobile,
		Proxy:            job.Options.Proxy,
		ExtractionSchema: job.Options.ExtractionSchema,
	}
}
