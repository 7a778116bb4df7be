// Package http provides the HTTP transport adapter for the access gateway.
//
// It exposes the authentication and session-validation surface over
// IntegrationFacade (R):
//
//	POST /auth/login      - Resource-owner password grant
//	GET  /auth/authorize   - Starts the PKCE authorization-code ceremony
//	GET  /auth/callback    - Completes the PKCE ceremony, mints a session
//	GET  /auth/validate    - Validates the session cookie on the request
//	POST /auth/logout      - Destroys the session and clears the cookie
//	GET  /health           - Reachability of IdP, cache, and API key store
//	GET  /metrics          - Prometheus metrics
//
// # Middleware chain
//
// Requests pass through, outermost first:
//
//  1. RequestIDMiddleware  - assigns/propagates a request id, enriches the logger
//  2. RealIPMiddleware     - extracts the caller's IP from proxy headers
//  3. DNSRebindingProtection - validates the Origin header against an allowlist
//  4. telemetry.HTTPMiddleware - opens a tracing span per request
//  5. MetricsMiddleware    - records request duration and status
//
// A successful login or callback sets an HttpOnly, Secure session cookie;
// /auth/validate and /auth/logout read it back.
package http
