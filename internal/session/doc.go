// Package session owns the authentication session lifecycle: PKCE flow
// initiation, the callback code exchange, validity checks with freshness
// buffers, single-flight refresh, sign-out, and the authenticated HTTP client
// that rides on top of it.
//
// The Manager holds the single authoritative session in memory; durable
// storage is a mirror that survives restarts, never a second source of truth.
// All mutations funnel through one commit path.
package session
