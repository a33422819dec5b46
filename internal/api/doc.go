// Package api hosts the HTTP server, middleware, and REST handlers.
// Notable routes:
//   - GET /healthz and /readyz for Kubernetes health checks.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/scan for a synchronous scan of one URL.
//   - POST /v1/analyze to score caller-supplied markup.
//   - POST /v1/jobs and /v1/jobs/{job_id}/... for batch submission, status,
//     results and cancellation.
//   - GET /v1/reports?url= to list archived reports of a URL.
package api
