// Package api implements the operator HTTP API and WebSocket event stream
// for the identity gateway.
//
// This package provides:
//   - Read access to the leaf device registry and its per-status counts
//   - Direct method invocation on a leaf device through the gateway
//   - The registration journal, when the journal database is enabled
//   - A WebSocket stream of journal events as they are written
//   - Health and Prometheus metrics endpoints
//
// # Security
//
// When api.auth.jwt_secret is set, every /api/v1 route except /health
// requires an HS256 bearer token. WebSocket connections authenticate with a
// single-use ticket from POST /api/v1/auth/ws-ticket so the token never
// appears in a URL. /metrics is never authenticated.
package api
