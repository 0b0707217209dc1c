// Package api hosts the HTTP server, middleware, and REST handlers over the job lifecycle
// coordinator. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/scrape, /v1/crawl and /v1/batch/scrape for job submission.
//   - GET /v1/jobs/{job_id} for status and paged results; DELETE cancels.
package api
