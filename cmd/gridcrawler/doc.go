// Package main hosts the gridcrawler entrypoint.
//
// Each process joins a grid of crawler nodes. Grid storage (memory or
// Postgres) holds the document ledger, the dedup stores and pipeline state;
// node messages travel over an in-process bus or a Pub/Sub topic. The
// earliest node to join is the coordinator and drives the crawl session
// pipeline (init, crawl, orphans, end). Every node runs crawl workers that
// poll the shared queue, fetch pages with Colly under per-host rate limits,
// and record outcomes in the ledger.
//
// Operational notes:
//   - Run locally: go run ./cmd/gridcrawler run --local-nodes 3 --config config.yaml
//   - Environment overrides use the GRIDCRAWLER_ prefix, e.g.
//     GRIDCRAWLER_GRID_STORAGE=postgres GRIDCRAWLER_GRID_DB_DSN=...
//   - SIGINT or SIGTERM stops the pipeline on the whole grid; a later run
//     resumes from the persisted stage.
//   - The admin API on server.port exposes /healthz, /readyz, /metrics and
//     the /v1 status and document endpoints.
package main
