// Package oauth implements the wire-level OAuth 2.0 protocol operations for
// authkit: authorization URL construction with PKCE (S256), authorization
// code exchange through the backend proxy, token refresh, token revocation,
// server-side CSRF state issuance, and user-info lookup.
//
// The package is deliberately stateless. It knows how to talk to the two
// external HTTP boundaries (the identity provider and the backend proxy) and
// how to convert their responses into typed values, but it owns no session or
// token state. Session lifecycle lives in internal/session; per-integration
// token storage lives in internal/provider.
//
// Errors from non-2xx boundary responses are returned as *HTTPError, which
// preserves the upstream status code and body so that policy decisions (for
// example, clearing a session only on an explicit 400/401 refresh rejection)
// can be made by the caller.
package oauth
