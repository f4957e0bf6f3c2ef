package session

import (
	"time"

	pkgoauth "authkit/pkg/oauth"
)

// User is the authenticated identity behind a session. ID carries the
// provider's subject claim directly.
type User struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// Tokens holds the session's bearer credentials.
type Tokens struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Session is the canonical authentication session: exactly one may be current
// at a time, owned by the Manager and mirrored (not owned) by durable
// storage. It is created on a successful code exchange, mutated in place on
// every successful refresh, and destroyed on sign-out, unrecoverable refresh
// failure, or a structurally invalid persisted copy.
type Session struct {
	User   User   `json:"user"`
	Tokens Tokens `json:"tokens"`
}

// IsValid reports whether the session's access token exists and does not
// expire within the buffer. A missing expiry is treated as invalid: the
// session layer fails closed rather than assuming "never expires". The
// boundary is exclusive: expiresAt == now+buffer is invalid.
func (s *Session) IsValid(buffer time.Duration) bool {
	return s.isValidAt(time.Now(), buffer)
}

func (s *Session) isValidAt(now time.Time, buffer time.Duration) bool {
	if s == nil {
		return false
	}
	if s.Tokens.AccessToken == "" {
		return false
	}
	if s.Tokens.ExpiresAt.IsZero() {
		return false
	}
	return s.Tokens.ExpiresAt.After(now.Add(buffer))
}

// structurallyValid reports whether a persisted copy is usable at all:
// it must carry a user identity and an access token. Invalid copies are
// destroyed rather than resurrected.
func (s *Session) structurallyValid() bool {
	return s != nil && s.User.ID != "" && s.Tokens.AccessToken != ""
}

// newSession builds a Session from an exchanged token and the user identity.
func newSession(info *pkgoauth.UserInfo, token *pkgoauth.Token) *Session {
	return &Session{
		User: User{
			ID:        info.Subject,
			Email:     info.Email,
			Name:      info.Name,
			FirstName: info.GivenName,
			LastName:  info.FamilyName,
		},
		Tokens: Tokens{
			AccessToken:  token.AccessToken,
			RefreshToken: token.RefreshToken,
			ExpiresAt:    token.ExpiresAt,
		},
	}
}
