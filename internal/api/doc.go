// Package api implements the HTTP REST API and WebSocket event stream for
// Gray Logic Beacon.
//
// This package provides:
//   - REST endpoints to list, start, inspect and stop monitored regions
//   - Enter/exit/error history for a region from the local audit table
//   - A WebSocket hub that relays beacon events as they are dispatched
//   - HS256 JWT authentication with ticket-based WebSocket auth
//   - Middleware stack (request ID, logging, recovery, body limit)
//
// # Security
//
// Every route except /health and /metrics requires a bearer token signed
// with security.jwt.secret. WebSocket clients exchange their token for a
// single-use ticket (POST /auth/ws-ticket) so the JWT never appears in a URL.
//
// # Graceful Degradation
//
// History and MQTT are optional. Without them the history endpoint returns
// 503 and metrics report MQTT as disconnected.
package api
