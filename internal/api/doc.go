// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/jobs for ad-hoc crawl submission.
//   - GET /v1/jobs/{job_id}/status and POST /v1/jobs/{job_id}/cancel for
//     job lifecycle access.
package api
