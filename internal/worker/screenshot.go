package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagecache/internal/scrape"
)

const screenshotName = "screenshot.png"

// storeScreenshot keeps a durable copy of the provider's screenshot when the
// job asked for one. Failures only cost the copy; the URL is still recorded.
func (w *Worker) storeScreenshot(ctx context.Context, job scrape.Job, url string) string {
	if url == "" || !job.Options.StoreScreenshot {
		return ""
	}
	data, contentType, err := w.fetchScreenshot(ctx, url)
	if err != nil {
		w.logger.Warn("fetch screenshot failed", zap.String("job_id", job.ID), zap.Error(err))
		return ""
	}
	key := w.blobKey(job.ID, screenshotName)
	if _, err := w.blobs.PutObject(ctx, key, contentType, bytes.NewReader(data)); err != nil {
		w.logger.Warn("store screenshot failed", zap.String("job_id", job.ID), zap.Error(err))
		return ""
	}
	return key
}

func (w *Worker) fetchScreenshot(ctx context.Context, url string) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.ScreenshotTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := w.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("screenshot request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("screenshot request: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, w.cfg.ScreenshotMaxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read screenshot: %w", err)
	}
	if int64(len(data)) > w.cfg.ScreenshotMaxBytes {
		return nil, "", fmt.Errorf("screenshot exceeds %d bytes", w.cfg.ScreenshotMaxBytes)
	}
	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		contentType = "image/png"
	}
	return data, contentType, nil
}
