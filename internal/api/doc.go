// Package api hosts the optional read-only status server. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/report for the live run report snapshot.
//   - GET /v1/backoff for the current backoff window.
package api
