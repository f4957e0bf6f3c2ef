package provider

import (
	"errors"
	"time"
)

// Status is a provider token's lifecycle state. Transitions: active and
// expired flip back and forth through ValidateToken; revoked is terminal.
type Status string

const (
	// StatusActive marks the token currently usable for the provider.
	StatusActive Status = "active"

	// StatusExpired marks a token that failed validation and could not be
	// refreshed. A later successful refresh returns it to active.
	StatusExpired Status = "expired"

	// StatusRevoked is terminal.
	StatusRevoked Status = "revoked"
)

// ErrNotFound is returned when no token matches the lookup.
var ErrNotFound = errors.New("provider token not found")

// ErrRefreshNotImplemented is returned when no refresher is registered for a
// provider.
var ErrRefreshNotImplemented = errors.New("refresh not implemented for provider")

// ErrMissingFields is returned by Create when a required field is absent.
var ErrMissingFields = errors.New("provider token is missing required fields")

// ErrAlreadyExists is returned by Create when an active token already exists
// for the (user, provider) pair. StoreToken upserts instead.
var ErrAlreadyExists = errors.New("active provider token already exists")

// ProviderToken is an OAuth token for a secondary integration, keyed by
// (UserID, Provider). It is distinct from the primary identity session.
type ProviderToken struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Provider     string    `json:"provider"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Expired reports whether the token is past its expiry. A token without an
// expiry is treated as expired (fail closed), matching the session layer.
func (t *ProviderToken) Expired(now time.Time) bool {
	if t.ExpiresAt.IsZero() {
		return true
	}
	return !t.ExpiresAt.After(now)
}

// ValidationResult is the outcome of ValidateToken.
type ValidationResult struct {
	// IsValid reports whether the token is usable right now, possibly after
	// a refresh performed during validation.
	IsValid bool `json:"is_valid"`

	// IsExpired reports whether the token ended the validation expired.
	IsExpired bool `json:"is_expired"`

	// ExpiresIn is the remaining lifetime, zero when expired.
	ExpiresIn time.Duration `json:"expires_in"`
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	UserID   string
	Provider string
	Status   Status
}
