// Package main provides the gateway's executable entrypoint.
//
// cmd/gateway is the LLM API aggregation gateway's binary: an HTTP API
// server, database migrations, and health/version subcommands. It
// loads YAML configuration with environment-variable overrides,
// structured zap logging, Prometheus metrics, and, when serve is given
// --config, re-reads the file on change; components built at startup
// keep the values they were built with.
//
// # Core types
//
//   - Server     — owns the HTTP and metrics listeners and every
//     domain component (store, pool, upstream client, reconciler,
//     dispatcher, admission, notifier, archiver)
//   - Middleware — func(http.Handler) http.Handler chained via Chain
//
// # Subcommands
//
//   - serve    — start the server
//   - migrate  — apply/rollback/inspect database migrations
//   - version  — print build metadata
//   - health   — check a running server's /health endpoint
//
// # Middleware chain
//
// Recovery, RequestID, SecurityHeaders, RequestLogger,
// MetricsMiddleware, CORS, RateLimiter (per-IP), AdminAuth (single
// admin JWT, mutating requests only).
package main
