// Package api hosts the HTTP surfaces of jobscout. Notable routes:
//   - Worker: POST /tasks for dispatch, GET /health with queue stats,
//     POST /callbacks/replay for dead-letter replay, GET /metrics.
//   - Controller: POST /api/scrape-runs, GET /api/scrape-runs/{id},
//     POST /api/callbacks/scrape for terminal callbacks, GET /healthz, GET /metrics.
package api
