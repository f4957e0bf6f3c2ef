package session

import (
	"errors"
	"fmt"
)

// ErrNoSession is returned by GetSession when no session exists at all.
var ErrNoSession = errors.New("no active session")

// ErrSessionExpired is returned by GetSession when a session exists but is
// expired (or expiring within the freshness buffer) and could not be
// refreshed.
var ErrSessionExpired = errors.New("session expired")

// ErrNoRefreshToken is returned when a refresh is requested but the session
// carries no refresh token.
var ErrNoRefreshToken = errors.New("session has no refresh token")

// ErrAuthRequired is returned by the authenticated HTTP client when a request
// needs credentials that cannot be obtained.
var ErrAuthRequired = errors.New("authentication required")

// CallbackError wraps a failure during OAuth callback handling. Stage
// identifies which step failed: "state", "exchange" or "userinfo".
type CallbackError struct {
	Stage string
	Err   error
}

// Error implements the error interface.
func (e *CallbackError) Error() string {
	return fmt.Sprintf("oauth callback failed at %s: %v", e.Stage, e.Err)
}

// Unwrap returns the underlying error.
func (e *CallbackError) Unwrap() error {
	return e.Err
}

// RefreshError wraps a failure to refresh the session. Cleared reports whether
// the session was destroyed as a consequence: true for explicit provider
// rejections, false for transient failures where the stale session is kept.
type RefreshError struct {
	Cleared bool
	Err     error
}

// Error implements the error interface.
func (e *RefreshError) Error() string {
	if e.Cleared {
		return fmt.Sprintf("session refresh rejected, session cleared: %v", e.Err)
	}
	return fmt.Sprintf("session refresh failed: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *RefreshError) Unwrap() error {
	return e.Err
}
