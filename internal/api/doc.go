// Package api hosts the operator HTTP server. Routes:
//   - GET /healthz for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/quota for the current monthly allowance.
//   - POST /v1/runs to start a catalog run, GET /v1/runs and GET /v1/runs/{run_id}
//     to follow it.
package api
