// Package main hosts the shotfleet entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes /health, /metrics, /screenshot, the /cdp routes for remote
//     computers and the /local-cdp routes for locally spawned browsers. Errors map onto status codes by
//     shot.Kind (validation 400, not found 404, capacity 429, transport 502).
//   - Sessions: internal/lifecycle wraps every remote session in create/use/release. Creation retries only
//     capacity rejections on the session_creation backoff schedule; release always runs, even after the
//     request context is gone.
//   - Scheduling: internal/scheduler fans N capture tasks out over at most C concurrent sessions (or one at a
//     time in sequential mode). Each task owns its retry chain; a capacity failure sleeps and retries with a
//     fresh session, anything else ends the task.
//   - Capture: internal/browser/cdp drives a DevTools endpoint with chromedp; internal/browser/playwright
//     opens tabs in a self-managed browser. internal/artifact names and stores PNGs, records them in the
//     optional Postgres ledger and publishes a capture event.
//   - Configuration & plumbing: Viper populates config from .env, env and files; zap provides structured
//     logging; Prometheus metrics are exported via the metrics middleware and /metrics handler.
//
// Quick checklist:
//   - Configure env vars: TZAFON_API_KEY (or TOKEN), TZAFON_BASE_URL, SHOTFLEET_SERVER_PORT or PORT,
//     SHOTFLEET_STORAGE_BACKEND (local, memory or gcs) and the pubsub/database keys when needed.
//   - Run the service: go run ./cmd/shotfleet serve --config config.yaml
//   - Run a batch: go run ./cmd/shotfleet batch --site github --n 20 --mode concurrent --concurrency 5
package main
