// Package api hosts the HTTP server and handlers for operator and scheduler
// access. Notable routes:
//   - GET /healthz and /readyz for probes; readyz runs the configured checks.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/discovery/{method}, /v1/scrape, /v1/extract and /v1/cleanup run
//     one invocation and answer with {success, run_id?, summary} or
//     {success: false, error}.
//   - POST /v1/jobs enqueues a background job.
//   - GET /v1/runs/{run_id} returns a discovery run record.
package api
