// Package api serves the pagecache REST surface on a chi router.
//
// Routes under /v1 (API key checked when auth is enabled):
//
//	POST   /v1/scrape               submit a URL or reuse a fresh cached copy
//	GET    /v1/cache?url=           latest fresh cached content for a URL
//	POST   /v1/cache/invalidate     expire every cached copy of a URL
//	GET    /v1/jobs                 page through jobs, optionally by status
//	GET    /v1/jobs/by-url?url=     latest job for a URL
//	GET    /v1/jobs/{id}            job with its content resolved
//	GET    /v1/jobs/{id}/status     job status only
//	DELETE /v1/jobs/{id}            remove a terminal job and its blobs
//
// /healthz, /readyz and /metrics are always open.
package api
