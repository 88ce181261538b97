// Package provider calls the remote scraping service over HTTP.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/JakeFAU/pagecache/internal/scrape"
)

// maxResponseBytes caps how much of a provider response is read.
const maxResponseBytes = 64 << 20

// maxMessageBytes caps a raw response body echoed into an error message.
const maxMessageBytes = 512

// Config controls the provider client.
type Config struct {
	BaseURL string
	APIKey  string
	// Timeout bounds one scrape call end to end.
	Timeout time.Duration
}

// Error is a failure reported by the provider. Code is the provider's own
// code when it sends one, otherwise the HTTP status.
type Error struct {
	Message string
	Code    string
}

func (e *Error) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (code %s)", e.Message, e.Code)
}

// ErrEmptyResponse is returned for a success envelope without data.
var ErrEmptyResponse = errors.New("provider returned no data")

// Client implements scrape.Provider.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

var _ scrape.Provider = (*Client)(nil)

// New validates cfg and returns a Client.
func New(cfg Config, httpClient *http.Client) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("provider.base_url is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("provider.api_key is required")
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Minute
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{baseURL: base, apiKey: cfg.APIKey, client: httpClient}, nil
}

type scrapeBody struct {
	URL             string       `json:"url"`
	Formats         []string     `json:"formats"`
	OnlyMainContent bool         `json:"onlyMainContent"`
	IncludeTags     []string     `json:"includeTags,omitempty"`
	ExcludeTags     []string     `json:"excludeTags,omitempty"`
	WaitFor         int64        `json:"waitFor,omitempty"`
	Mobile          bool         `json:"mobile,omitempty"`
	Proxy           string       `json:"proxy,omitempty"`
	JSONOptions     *jsonOptions `json:"jsonOptions,omitempty"`
}

type jsonOptions struct {
	Schema json.RawMessage `json:"schema,omitempty"`
}

type envelope struct {
	Success bool            `json:"success"`
	Data    *data           `json:"data"`
	Error   string          `json:"error"`
	Code    json.RawMessage `json:"code"`
}

type data struct {
	Markdown   *string          `json:"markdown"`
	HTML       *string          `json:"html"`
	RawHTML    *string          `json:"rawHtml"`
	Summary    *string          `json:"summary"`
	Links      []string         `json:"links"`
	Images     []string         `json:"images"`
	Screenshot string           `json:"screenshot"`
	JSON       json.RawMessage  `json:"json"`
	Metadata   *scrape.Metadata `json:"metadata"`
}

// Scrape performs one provider call. Transport failures are returned as-is;
// provider-reported failures are *Error.
func (c *Client) Scrape(ctx context.Context, req scrape.ProviderRequest) (scrape.ProviderResult, error) {
	body, err := json.Marshal(buildBody(req))
	if err != nil {
		return scrape.ProviderResult{}, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/scrape", bytes.NewReader(body))
	if err != nil {
		return scrape.ProviderResult{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return scrape.ProviderResult{}, fmt.Errorf("provider request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return scrape.ProviderResult{}, fmt.Errorf("read provider response: %w", err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)
	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if !ok || decodeErr != nil || !env.Success {
		return scrape.ProviderResult{}, failure(resp.StatusCode, ok, env, decodeErr, raw)
	}
	if env.Data == nil {
		return scrape.ProviderResult{}, ErrEmptyResponse
	}
	d := env.Data
	return scrape.ProviderResult{
		Markdown:      d.Markdown,
		HTML:          d.HTML,
		RawHTML:       d.RawHTML,
		Summary:       d.Summary,
		Links:         d.Links,
		Images:        d.Images,
		Screenshot:    d.Screenshot,
		ExtractedJSON: nullToEmpty(d.JSON),
		Metadata:      d.Metadata,
	}, nil
}

func buildBody(req scrape.ProviderRequest) scrapeBody {
	formats := make([]string, 0, len(req.Formats))
	for _, f := range req.Formats {
		formats = append(formats, string(f))
	}
	body := scrapeBody{
		URL:             req.URL,
		Formats:         formats,
		OnlyMainContent: req.OnlyMainContent,
		IncludeTags:     req.IncludeTags,
		ExcludeTags:     req.ExcludeTags,
		WaitFor:         req.WaitFor.Milliseconds(),
		Mobile:          req.Mobile,
		Proxy:           string(req.Proxy),
	}
	if len(req.ExtractionSchema) > 0 {
		body.JSONOptions = &jsonOptions{Schema: req.ExtractionSchema}
	}
	return body
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func failure(status int, ok bool, env envelope, decodeErr error, raw []byte) *Error {
	msg := env.Error
	if msg == "" && decodeErr != nil {
		msg = truncate(strings.ToValidUTF8(strings.TrimSpace(string(raw)), "\uFFFD"), maxMessageBytes)
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	if msg == "" {
		msg = "provider request failed"
	}

	code := parseCode(env.Code)
	switch {
	case code != "":
	case !ok:
		code = strconv.Itoa(status)
	default:
		code = "provider_error"
	}
	return &Error{Message: msg, Code: code}
}

// parseCode renders a JSON string or number code verbatim.
func parseCode(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func nullToEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return raw
}
