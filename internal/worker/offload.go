package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/pagecache/internal/metrics"
	"github.com/JakeFAU/pagecache/internal/scrape"
)

type fieldSpec struct {
	name        string
	contentType string
}

var fieldSpecs = map[scrape.Field]fieldSpec{
	scrape.FieldMarkdown:      {name: "markdown.md", contentType: "text/markdown; charset=utf-8"},
	scrape.FieldHTML:          {name: "html.html", contentType: "text/html; charset=utf-8"},
	scrape.FieldRawHTML:       {name: "rawHtml.html", contentType: "text/html; charset=utf-8"},
	scrape.FieldSummary:       {name: "summary.txt", contentType: "text/plain; charset=utf-8"},
	scrape.FieldLinks:         {name: "links.json", contentType: "application/json"},
	scrape.FieldImages:        {name: "images.json", contentType: "application/json"},
	scrape.FieldExtractedJSON: {name: "extractedJson.json", contentType: "application/json"},
}

// payload is one content field ready to store. size is the measured length
// (UTF-8 bytes for text, serialized length otherwise); body is what a blob holds.
type payload struct {
	field  scrape.Field
	inline json.RawMessage
	body   []byte
	size   int
}

// payloads extracts the fields the provider returned.
func payloads(result scrape.ProviderResult) ([]payload, error) {
	var out []payload
	text := func(field scrape.Field, v *string) error {
		if v == nil {
			return nil
		}
		inline, err := json.Marshal(*v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", field, err)
		}
		out = append(out, payload{field: field, inline: inline, body: []byte(*v), size: len(*v)})
		return nil
	}
	list := func(field scrape.Field, v []string) error {
		if v == nil {
			return nil
		}
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", field, err)
		}
		out = append(out, payload{field: field, inline: encoded, body: encoded, size: len(encoded)})
		return nil
	}

	if err := text(scrape.FieldMarkdown, result.Markdown); err != nil {
		return nil, err
	}
	if err := text(scrape.FieldHTML, result.HTML); err != nil {
		return nil, err
	}
	if err := text(scrape.FieldRawHTML, result.RawHTML); err != nil {
		return nil, err
	}
	if err := text(scrape.FieldSummary, result.Summary); err != nil {
		return nil, err
	}
	if err := list(scrape.FieldLinks, result.Links); err != nil {
		return nil, err
	}
	if err := list(scrape.FieldImages, result.Images); err != nil {
		return nil, err
	}
	if raw := bytes.TrimSpace(result.ExtractedJSON); len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		var compact bytes.Buffer
		if err := json.Compact(&compact, raw); err != nil {
			return nil, fmt.Errorf("encode %s: %w", scrape.FieldExtractedJSON, err)
		}
		encoded := compact.Bytes()
		out = append(out, payload{field: scrape.FieldExtractedJSON, inline: encoded, body: encoded, size: len(encoded)})
	}
	return out, nil
}

// offload stores each field inline when it is below the threshold and in the
// blob store otherwise. It returns the keys it wrote so callers can clean up.
func (w *Worker) offload(
	ctx context.Context,
	job scrape.Job,
	result scrape.ProviderResult,
) (map[scrape.Field]scrape.StoredField, []string, error) {
	items, err := payloads(result)
	if err != nil {
		return nil, nil, err
	}
	content := make(map[scrape.Field]scrape.StoredField, len(items))
	var written []string
	for _, item := range items {
		if item.size < w.cfg.InlineThreshold {
			content[item.field] = scrape.StoredField{Inline: item.inline}
			continue
		}
		spec := fieldSpecs[item.field]
		key := w.blobKey(job.ID, spec.name)
		if _, err := w.blobs.PutObject(ctx, key, spec.contentType, bytes.NewReader(item.body)); err != nil {
			return nil, written, fmt.Errorf("offload %s: %w", item.field, err)
		}
		written = append(written, key)
		metrics.ObserveOffload(string(item.field), item.size)
		content[item.field] = scrape.StoredField{BlobKey: key}
	}
	return content, written, nil
}
