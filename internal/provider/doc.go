// Package provider manages OAuth tokens for secondary integrations, distinct
// from the primary identity session. Tokens live in SQLite, keyed by
// (user, provider), with a small status state machine: active and expired
// flip through validation, revoked is terminal. Refresh goes through a
// registry of per-provider refreshers; the proxy-backed default serves every
// provider the backend knows about.
package provider
