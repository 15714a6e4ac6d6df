// Package api hosts the admin HTTP surface of a grid node. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status for node, pipeline and ledger state.
//   - POST /v1/pipeline/stop to stop the crawl pipeline cluster-wide.
//   - GET /v1/documents/{stage} and /v1/reference for ledger inspection.
package api
