package oauthstate

import (
	"context"
	"errors"
	"time"
)

// StateTTL is how long a CSRF/PKCE state record remains valid. Records older
// than this are treated as invalid and purged.
const StateTTL = 5 * time.Minute

// ErrInvalidState is returned when a callback presents a state token that was
// never issued or has already been cleared.
var ErrInvalidState = errors.New("invalid oauth state")

// ErrStateExpired is returned when a state record exists but is older than
// StateTTL. The record is purged as a side effect.
var ErrStateExpired = errors.New("oauth state expired")

// OAuthState is a short-lived CSRF/PKCE record for one in-flight
// authorization flow. At most one record exists per (UserID,
// IntegrationSlug) pair; a later flow for the same pair overwrites the
// earlier one.
type OAuthState struct {
	// State is the random CSRF token, also the record key.
	State string `json:"state"`

	// CodeVerifier is the PKCE verifier bound to this flow.
	CodeVerifier string `json:"code_verifier"`

	// UserID is the user who initiated the flow. Empty for the primary
	// login flow, where no user is known yet.
	UserID string `json:"user_id"`

	// IntegrationSlug identifies the integration being connected.
	IntegrationSlug string `json:"integration_slug"`

	// RedirectURI is the callback the flow will return to.
	RedirectURI string `json:"redirect_uri,omitempty"`

	// CreatedAt is when the flow was initiated. TTL is measured from here.
	CreatedAt time.Time `json:"created_at"`
}

// Age returns how long ago the record was created.
func (s *OAuthState) Age() time.Duration {
	return time.Since(s.CreatedAt)
}

// StateIssuer obtains a CSRF state token from an external authority (the
// backend proxy's /oauth/state endpoint). When nil, registries generate
// states locally.
type StateIssuer func(ctx context.Context, userID, integrationSlug, redirectURI string) (string, error)

// Registry stores short-lived CSRF/PKCE state records keyed by the state
// token.
//
// Validate intentionally does not consume the record: the callback handler is
// responsible for an explicit Clear once the code exchange has succeeded, so
// that a failed exchange can be retried within the TTL.
type Registry interface {
	// Generate creates a state record with fresh random state and PKCE
	// verifier, persists it, and returns it. Any earlier record for the
	// same (userID, integrationSlug) pair is overwritten.
	Generate(ctx context.Context, userID, integrationSlug, redirectURI string) (*OAuthState, error)

	// Validate looks up a record by state token. Returns ErrInvalidState if
	// absent, ErrStateExpired (purging the record) if older than StateTTL.
	Validate(ctx context.Context, state string) (*OAuthState, error)

	// Clear deletes a record. Clearing an absent state is not an error.
	Clear(ctx context.Context, state string) error
}
