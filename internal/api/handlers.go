package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagecache/internal/engine"
	"github.com/JakeFAU/pagecache/internal/scrape"
)

const maxBodyBytes = 1 << 20

type scrapeRequest struct {
	URL              string          `json:"url"`
	Formats          []string        `json:"formats"`
	TTLMs            *int64          `json:"ttlMs"`
	Force            bool            `json:"force"`
	OnlyMainContent  *bool           `json:"onlyMainContent"`
	IncludeTags      []string        `json:"includeTags"`
	ExcludeTags      []string        `json:"excludeTags"`
	WaitFor          *int64          `json:"waitFor"`
	Mobile           bool            `json:"mobile"`
	Proxy            string          `json:"proxy"`
	StoreScreenshot  bool            `json:"storeScreenshot"`
	ExtractionSchema json.RawMessage `json:"extractionSchema"`
}

type urlRequest struct {
	URL string `json:"url"`
}

func (s *Server) scrape(w http.ResponseWriter, r *http.Request) {
	var req scrapeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	opts, err := toScrapeOptions(req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: "invalid_request"})
		return
	}
	res, err := s.engine.Scrape(r.Context(), req.URL, opts)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"jobId": res.JobID, "cached": res.Cached})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.engine.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newStatusView(job))
}

func (s *Server) getContent(w http.ResponseWriter, r *http.Request) {
	content, err := s.engine.GetContent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newContentView(content))
}

func (s *Server) getCached(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	formats, err := parseFormatList(query.Get("formats"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: "invalid_request"})
		return
	}
	job, ok, err := s.engine.GetCached(r.Context(), query.Get("url"), formats)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no cached result")
		return
	}
	writeJSON(w, http.StatusOK, newContentView(s.engine.Resolve(r.Context(), job)))
}

func (s *Server) getByURL(w http.ResponseWriter, r *http.Request) {
	job, ok, err := s.engine.GetByURL(r.Context(), r.URL.Query().Get("url"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, newStatusView(job))
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := scrape.ListFilter{Cursor: query.Get("cursor")}
	if raw := query.Get("status"); raw != "" {
		status, err := scrape.ParseStatus(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: "invalid_request"})
			return
		}
		filter.Status = &status
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a positive integer", Code: "invalid_request"})
			return
		}
		filter.Limit = limit
	}
	page, err := s.engine.List(r.Context(), filter)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	views := make([]statusView, 0, len(page.Jobs))
	for _, job := range page.Jobs {
		views = append(views, newStatusView(job))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": views, "nextCursor": page.NextCursor})
}

func (s *Server) invalidate(w http.ResponseWriter, r *http.Request) {
	var req urlRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	n, err := s.engine.Invalidate(r.Context(), req.URL)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "invalidatedCount": n})
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.Delete(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "deletedFileCount": n})
}

func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *scrape.ValidationError
	var inProgress *scrape.InProgressError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: verr.Message, Code: string(verr.Code)})
	case errors.As(err, &inProgress):
		writeJSON(w, http.StatusConflict, errorBody{Error: inProgress.Error(), JobID: inProgress.JobID})
	case errors.Is(err, scrape.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, scrape.ErrJobActive):
		writeError(w, http.StatusConflict, "cannot delete a job that is pending or scraping")
	case errors.Is(err, scrape.ErrQueueFull):
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "too many scrapes in flight, retry shortly", Code: "queue_full"})
	case errors.Is(err, scrape.ErrInvalidCursor):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: "invalid_request"})
	default:
		s.logger.Error("request failed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func toScrapeOptions(req scrapeRequest) (engine.ScrapeOptions, error) {
	formats, err := scrape.ParseFormats(req.Formats)
	if err != nil {
		return engine.ScrapeOptions{}, err
	}
	opts := engine.ScrapeOptions{
		Formats: formats,
		Force:   req.Force,
		Options: scrape.Options{
			OnlyMainContent: true,
			IncludeTags:     req.IncludeTags,
			ExcludeTags:     req.ExcludeTags,
			Mobile:          req.Mobile,
			StoreScreenshot: req.StoreScreenshot,
		},
	}
	if req.OnlyMainContent != nil {
		opts.Options.OnlyMainContent = *req.OnlyMainContent
	}
	if req.TTLMs != nil {
		if *req.TTLMs <= 0 {
			return engine.ScrapeOptions{}, errors.New("ttlMs must be > 0")
		}
		opts.TTL = time.Duration(*req.TTLMs) * time.Millisecond
	}
	if req.WaitFor != nil {
		if *req.WaitFor < 0 {
			return engine.ScrapeOptions{}, errors.New("waitFor must be >= 0")
		}
		opts.Options.WaitFor = time.Duration(*req.WaitFor) * time.Millisecond
	}
	switch proxy := scrape.Proxy(req.Proxy); proxy {
	case "", scrape.ProxyBasic, scrape.ProxyStealth, scrape.ProxyAuto:
		opts.Options.Proxy = proxy
	default:
		return engine.ScrapeOptions{}, fmt.Errorf("proxy %q is not one of basic, stealth, auto", req.Proxy)
	}
	if schema := strings.TrimSpace(string(req.ExtractionSchema)); schema != "" && schema != "null" {
		if !json.Valid(req.ExtractionSchema) {
			return engine.ScrapeOptions{}, errors.New("extractionSchema must be valid JSON")
		}
		opts.Options.ExtractionSchema = req.ExtractionSchema
	}
	return opts, nil
}

func parseFormatList(raw string) ([]scrape.Format, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var parts []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			parts = append(parts, part)
		}
	}
	formats, err := scrape.ParseFormats(parts)
	if err != nil {
		return nil, fmt.Errorf("formats: %w", err)
	}
	return formats, nil
}
