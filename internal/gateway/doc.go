// Package gateway orchestrates the coven-relay server components.
//
// # Overview
//
// The gateway owns the process-level wiring: it opens the store, loads the
// allow-list snapshot, builds the admission controller and rate limiter from
// configuration, and serves the relay behind a single HTTP server.
//
// # HTTP Endpoints
//
//   - GET / with Upgrade: websocket - relay session
//   - GET / with Accept: application/nostr+json - relay information document
//   - GET /health - liveness
//   - GET /health/ready - store ping plus record and connection counts
//   - GET /metrics - Prometheus metrics (when metrics.enabled)
//
// # Listeners
//
// By default the server listens on server.http_addr. With tailscale.enabled
// the gateway joins the tailnet through tsnet and listens on port 80 there
// instead, so the relay is reachable only from the tailnet.
//
// # Lifecycle
//
// Run blocks until its context is canceled. The HTTP server, the allow-list
// refresher and the shutdown watcher run in one errgroup; the first failure
// cancels the others. Shutdown stops accepting connections, closes every
// relay session with a going-away close frame, then closes the store.
package gateway
