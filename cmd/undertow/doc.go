// Package main hosts the undertow service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, and extraction endpoints. Requests are validated,
//     normalized into harvest.Request, run through the pipeline synchronously, and the full page record plus
//     extracted document is returned in the response.
//   - Admission control: every fetch backend (headless browser, plain HTTP) sits behind an
//     internal/admission.Controller that composes a lock-free circuit breaker with a bounded, health-checked
//     resource pool. The breaker sheds load after repeated backend failures; the pool caps concurrent Chrome
//     tabs and HTTP clients and recycles stale ones on a background sweep.
//   - Fetch pipeline: internal/harvest performs a per-domain politeness wait, fetches over plain HTTP via the
//     Colly-based client, and promotes to a pooled Chromedp browser session when the heuristic detector flags a
//     script-rendered shell. Browser sessions whose Chrome tab died are invalidated so the pool replaces them.
//   - Persistence & fanout: raw HTML is archived to the configured blob store (memory/GCS), page metadata is
//     written to Postgres (or kept in memory), and a compact Pub/Sub notification is published when a topic is
//     configured. Persistence failures never feed back into the fetch breakers.
//   - Configuration & plumbing: Viper populates config from env (UNDERTOW_*) and files; zap provides structured
//     logging; Prometheus metrics are exported via the metrics middleware and /metrics handler; reliability
//     events (breaker transitions, pool lifecycle, admission denials) flow through a batching hub into log and
//     Prometheus sinks.
//
// Operational notes:
//   - Concurrency model: pool capacity bounds concurrent fetches per backend; half-open breakers admit a
//     configurable number of trial requests. Shutdown is coordinated via context cancellation from main through
//     the app container to sweeps and pools.
//   - Readiness: /readyz reports unavailable only when every configured backend's circuit is open; a single
//     healthy backend keeps the service in rotation.
//   - Observability: zap logs carry request IDs at key transitions; Prometheus counters/histograms track API,
//     harvest, pool, and breaker activity. Tracing is not yet wired in.
//
// Quick checklist:
//   - Configure env vars: UNDERTOW_SERVER_PORT, UNDERTOW_BROWSER_ENABLED, UNDERTOW_HTTP_ENABLED,
//     UNDERTOW_RATELIMIT_DEFAULT_RPS, UNDERTOW_DB_DSN, UNDERTOW_BLOB_GCS_BUCKET, and UNDERTOW_PUBSUB_TOPIC_NAME
//     when persistence beyond memory is required.
//   - Run locally: go run ./cmd/undertow -config config.yaml (or rely solely on env overrides).
//   - The process reacts to SIGTERM for graceful drain; in-flight work is bounded by the per-request timeout.
package main
