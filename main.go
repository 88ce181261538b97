// Package main hosts the pagecache service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes scrape submission, cache lookup, job status/content, invalidation,
//     deletion, health and metrics. URLs are validated and canonicalized by internal/urlnorm before any lookup.
//   - Engine: internal/engine decides per request whether a fresh completed job can be served from cache, whether an
//     active job already covers the URL (409), or whether a new job must be created and scheduled.
//   - Dispatcher & queue: job ids flow through a bounded in-memory queue sized by worker.queue_depth and are fanned
//     out to a fixed worker pool sized by worker.concurrency. Pending jobs left over from a previous run are
//     re-enqueued on start when worker.resume_pending is set.
//   - Execution: workers call the remote scraping provider, keep small fields inline on the job and offload large
//     ones to the configured BlobStore (memory/local/GCS). Job state lives in memory or Postgres.
//   - Sweepers: robfig/cron runs the expiry sweep (delete expired terminal jobs and their blobs) and the stuck-job
//     sweep (fail jobs scraping for longer than sweeper.stuck_timeout).
//   - Plumbing: Viper loads config from file and PAGECACHE_* env vars; zap provides structured logging; Prometheus
//     metrics are served on /metrics; OpenTelemetry traces are exported over OTLP when enabled; status transitions
//     are published to Pub/Sub or Redis when configured.
//
// Quick checklist:
//   - Required: PAGECACHE_PROVIDER_BASE_URL and PAGECACHE_PROVIDER_API_KEY.
//   - Run locally: go run . serve --config config.yaml
//   - One-shot maintenance: go run . sweep expired|stuck|all
package main

import (
	"github.com/JakeFAU/pagecache/cmd"
)

func main() {
	cmd.Execute()
}
