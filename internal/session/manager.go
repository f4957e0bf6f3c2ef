package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"authkit/internal/config"
	"authkit/internal/oauthstate"
	"authkit/internal/storage"
	"authkit/pkg/logging"
	pkgoauth "authkit/pkg/oauth"
)

const (
	// StorageKeySession is the durable storage key for the current session.
	StorageKeySession = "session"

	// StorageKeyFlow is the durable storage key for the in-flight
	// authorization flow (state + PKCE verifier). It must survive the
	// browser round-trip, including a process restart in between, so it is
	// mirrored to storage alongside the in-memory registry.
	StorageKeyFlow = "oauth_flow"

	// GetSessionBuffer is the freshness buffer applied by GetSession: a
	// session expiring within it is refreshed before being handed to a
	// caller that is about to use the token.
	GetSessionBuffer = pkgoauth.TokenRefreshThreshold

	// refreshGroupKey is the singleflight key for session refresh. There is
	// only one session, so one key.
	refreshGroupKey = "session-refresh"
)

// Config configures a session Manager.
type Config struct {
	// ClientID is the OAuth client identifier. Flow initiation fails without
	// it.
	ClientID string

	// Provider is the identity provider slug passed to the exchange and
	// user-info boundaries.
	Provider string

	// Scopes is the space-separated scope string requested at authorization.
	Scopes string

	// RedirectURI is the default callback URI when InitiateFlow is given
	// none.
	RedirectURI string

	// Development relaxes the authenticated HTTP client: requests without a
	// session proceed unauthenticated instead of failing.
	Development bool
}

// Manager owns the single authentication session: the PKCE login flow, the
// callback exchange, validity checks, refresh, and sign-out. All session
// mutations funnel through commit, and durable storage holds a mirror, never
// the authoritative copy.
type Manager struct {
	mu          sync.RWMutex
	current     *Session
	initialized bool

	cfg    Config
	client *pkgoauth.Client
	store  *storage.Store
	states oauthstate.Registry

	refreshGroup singleflight.Group

	// now is swapped in tests to control expiry.
	now func() time.Time
}

// NewManager creates a session manager. The storage store should list
// StorageKeySession and StorageKeyFlow as sensitive keys and give
// StorageKeyFlow a max-age of oauthstate.StateTTL.
func NewManager(cfg Config, client *pkgoauth.Client, store *storage.Store, states oauthstate.Registry) *Manager {
	return &Manager{
		cfg:    cfg,
		client: client,
		store:  store,
		states: states,
		now:    time.Now,
	}
}

// InitiateFlow begins an authorization flow: it generates state and a PKCE
// verifier, persists them for the callback, and returns the provider
// authorization URL to open. redirectURI falls back to the configured
// default; extraParams are appended to the authorization URL verbatim.
func (m *Manager) InitiateFlow(ctx context.Context, redirectURI string, extraParams map[string]string) (string, error) {
	if m.cfg.ClientID == "" {
		return "", &config.ConfigurationError{Field: "clientID", Message: "OAuth client ID is not configured"}
	}

	if redirectURI == "" {
		redirectURI = m.cfg.RedirectURI
	}

	record, err := m.states.Generate(ctx, "", m.cfg.Provider, redirectURI)
	if err != nil {
		return "", err
	}

	// Mirror the flow record so the callback can recover it even if the
	// process restarts between initiation and redirect.
	if err := m.store.Set(StorageKeyFlow, record); err != nil {
		return "", err
	}

	pkce := &pkgoauth.PKCEChallenge{
		CodeVerifier:        record.CodeVerifier,
		CodeChallenge:       pkgoauth.ChallengeFromVerifier(record.CodeVerifier),
		CodeChallengeMethod: "S256",
	}

	authURL, err := m.client.BuildAuthorizationURL(redirectURI, record.State, m.cfg.Scopes, pkce, extraParams)
	if err != nil {
		return "", err
	}

	logging.Info("Session", "Initiated authorization flow for provider %s", m.cfg.Provider)
	return authURL, nil
}

// HandleCallback completes the flow: it validates the callback state against
// the persisted flow record, exchanges the code with the PKCE verifier,
// fetches the user identity, and commits the new session. The flow record is
// cleared only after a successful exchange so a failed exchange can be
// retried within the state TTL.
func (m *Manager) HandleCallback(ctx context.Context, code, state string) (*Session, error) {
	record, err := m.lookupFlow(ctx, state)
	if err != nil {
		logging.Warn("Session", "Callback state validation failed: %v", err)
		m.audit("login", "failure", "state validation failed")
		return nil, &CallbackError{Stage: "state", Err: err}
	}

	token, err := m.client.ExchangeCode(ctx, pkgoauth.ExchangeRequest{
		Provider:     m.cfg.Provider,
		Code:         code,
		RedirectURI:  record.RedirectURI,
		CodeVerifier: record.CodeVerifier,
		State:        state,
	})
	if err != nil {
		m.audit("login", "failure", "code exchange failed")
		return nil, &CallbackError{Stage: "exchange", Err: err}
	}

	info, err := m.client.FetchUserInfo(ctx, m.cfg.Provider, token.AccessToken)
	if err != nil {
		m.audit("login", "failure", "userinfo fetch failed")
		return nil, &CallbackError{Stage: "userinfo", Err: err}
	}

	sess := newSession(info, token)
	m.commit(sess, commitOptions{persist: true})
	m.clearFlow(ctx, state)

	logging.Info("Session", "Authenticated user %s", sess.User.ID)
	m.audit("login", "success", "")
	return m.sessionCopy(), nil
}

// IsAuthenticated reports whether a usable session exists right now. An
// expired session triggers a refresh attempt; the outcome of that attempt is
// the answer, and an expired session with no refresh token is destroyed by
// it rather than left lingering. No freshness buffer is applied: a token
// valid for one more second still answers true.
func (m *Manager) IsAuthenticated(ctx context.Context) bool {
	sess := m.loadedSession()
	if sess == nil {
		return false
	}

	if sess.isValidAt(m.now(), 0) {
		return true
	}

	_, err := m.RefreshSession(ctx)
	return err == nil
}

// GetSession returns the current session, refreshed if it expires within
// GetSessionBuffer. It fails with ErrNoSession when none exists and
// ErrSessionExpired when the session could not be made fresh.
func (m *Manager) GetSession(ctx context.Context) (*Session, error) {
	sess := m.loadedSession()
	if sess == nil {
		return nil, ErrNoSession
	}

	if sess.isValidAt(m.now(), GetSessionBuffer) {
		return m.sessionCopy(), nil
	}

	refreshed, err := m.RefreshSession(ctx)
	if err != nil {
		logging.Debug("Session", "GetSession refresh failed: %v", err)
		return nil, ErrSessionExpired
	}

	return refreshed, nil
}

// CurrentUser returns the current session's user without any validity or
// refresh logic, for display purposes. Returns nil when no session exists.
func (m *Manager) CurrentUser() *User {
	sess := m.loadedSession()
	if sess == nil {
		return nil
	}
	user := sess.User
	return &user
}

// RefreshSession exchanges the refresh token for fresh credentials. Concurrent
// callers collapse into one upstream request; every caller observes the same
// outcome. An explicit provider rejection (400/401) destroys the session; any
// other failure keeps the stale session for a later retry.
func (m *Manager) RefreshSession(ctx context.Context) (*Session, error) {
	return m.refresh(ctx, false)
}

// refresh runs the single-flight refresh. force skips the already-valid
// short-circuit; the authenticated HTTP client uses it when the server has
// rejected a token that still looks valid locally.
func (m *Manager) refresh(ctx context.Context, force bool) (*Session, error) {
	v, err, _ := m.refreshGroup.Do(refreshGroupKey, func() (interface{}, error) {
		return m.doRefresh(ctx, force)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (m *Manager) doRefresh(ctx context.Context, force bool) (*Session, error) {
	sess := m.loadedSession()
	if sess == nil {
		return nil, &RefreshError{Err: ErrNoSession}
	}

	// Another caller may have refreshed while this one waited on the
	// singleflight boundary.
	if !force && sess.isValidAt(m.now(), GetSessionBuffer) {
		return m.sessionCopy(), nil
	}

	if sess.Tokens.RefreshToken == "" {
		m.commit(nil, commitOptions{persist: true})
		m.audit("session_refresh", "failure", "no refresh token")
		return nil, &RefreshError{Cleared: true, Err: ErrNoRefreshToken}
	}

	token, err := m.client.Refresh(ctx, sess.Tokens.RefreshToken)
	if err != nil {
		var httpErr *pkgoauth.HTTPError
		if errors.As(err, &httpErr) && httpErr.IsAuthRejection() {
			logging.Warn("Session", "Refresh token rejected (status %d), clearing session", httpErr.Status)
			m.commit(nil, commitOptions{persist: true})
			m.audit("session_refresh", "failure", "refresh token rejected")
			return nil, &RefreshError{Cleared: true, Err: err}
		}

		logging.Warn("Session", "Refresh failed transiently, keeping session: %v", err)
		m.audit("session_refresh", "failure", "transient failure")
		return nil, &RefreshError{Err: err}
	}

	updated := *sess
	updated.Tokens.AccessToken = token.AccessToken
	updated.Tokens.ExpiresAt = token.ExpiresAt
	// Token endpoints may rotate the refresh token or omit it; keep the old
	// one when omitted.
	if token.RefreshToken != "" {
		updated.Tokens.RefreshToken = token.RefreshToken
	}

	m.commit(&updated, commitOptions{persist: true})
	m.audit("session_refresh", "success", "")
	logging.Debug("Session", "Session refreshed, expires %s", updated.Tokens.ExpiresAt.Format(time.RFC3339))
	return m.sessionCopy(), nil
}

// SignOut revokes the session's tokens best-effort and destroys the session.
// Revocation failure never prevents the local sign-out.
func (m *Manager) SignOut(ctx context.Context) error {
	sess := m.loadedSession()
	if sess != nil && sess.Tokens.RefreshToken != "" {
		if err := m.client.Revoke(ctx, sess.Tokens.RefreshToken); err != nil {
			logging.Warn("Session", "Token revocation failed (continuing sign-out): %v", err)
		}
	}

	m.commit(nil, commitOptions{persist: true})
	_ = m.store.Remove(StorageKeyFlow)

	m.audit("logout", "success", "")
	logging.Info("Session", "Signed out")
	return nil
}

// Initialized reports whether the manager has synchronized with durable
// storage at least once.
func (m *Manager) Initialized() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized
}

// commitOptions control a session commit.
type commitOptions struct {
	// persist mirrors the commit to durable storage (write or remove).
	persist bool

	// keepInitialized leaves the initialized flag untouched instead of
	// setting it.
	keepInitialized bool
}

// commit is the sole mutator of the current session. A nil session destroys
// it.
func (m *Manager) commit(sess *Session, opts commitOptions) {
	m.mu.Lock()
	m.current = sess
	if !opts.keepInitialized {
		m.initialized = true
	}
	m.mu.Unlock()

	if !opts.persist {
		return
	}

	if sess == nil {
		if err := m.store.Remove(StorageKeySession); err != nil {
			logging.Warn("Session", "Failed to remove persisted session: %v", err)
		}
		return
	}

	if err := m.store.Set(StorageKeySession, sess); err != nil {
		// The in-memory session stays authoritative; persistence is a
		// mirror.
		logging.Warn("Session", "Failed to persist session: %v", err)
	}
}

// loadedSession returns the current in-memory session, synchronizing with
// durable storage on first use. A persisted copy that is structurally invalid
// is destroyed rather than loaded.
func (m *Manager) loadedSession() *Session {
	m.mu.RLock()
	if m.initialized {
		sess := m.current
		m.mu.RUnlock()
		return sess
	}
	m.mu.RUnlock()

	var persisted Session
	found, err := m.store.Get(StorageKeySession, &persisted)
	if err != nil {
		logging.Warn("Session", "Failed to read persisted session: %v", err)
	}

	if !found {
		m.commit(nil, commitOptions{})
		return nil
	}

	if !persisted.structurallyValid() {
		logging.Warn("Session", "Persisted session is structurally invalid, destroying it")
		m.commit(nil, commitOptions{persist: true})
		return nil
	}

	m.commit(&persisted, commitOptions{})
	return m.loadedSession()
}

// sessionCopy returns a copy of the current session so callers cannot mutate
// manager state.
func (m *Manager) sessionCopy() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return nil
	}
	copied := *m.current
	return &copied
}

// lookupFlow resolves the flow record for a callback state, preferring the
// registry and falling back to the storage mirror after a restart.
func (m *Manager) lookupFlow(ctx context.Context, state string) (*oauthstate.OAuthState, error) {
	record, err := m.states.Validate(ctx, state)
	if err == nil {
		return record, nil
	}
	if errors.Is(err, oauthstate.ErrStateExpired) {
		return nil, err
	}

	var persisted oauthstate.OAuthState
	found, getErr := m.store.Get(StorageKeyFlow, &persisted)
	if getErr != nil || !found {
		return nil, err
	}

	if persisted.State != state {
		return nil, oauthstate.ErrInvalidState
	}
	if persisted.Age() > oauthstate.StateTTL {
		_ = m.store.Remove(StorageKeyFlow)
		return nil, oauthstate.ErrStateExpired
	}

	return &persisted, nil
}

// clearFlow consumes the flow record after a successful exchange.
func (m *Manager) clearFlow(ctx context.Context, state string) {
	if err := m.states.Clear(ctx, state); err != nil {
		logging.Warn("Session", "Failed to clear state record: %v", err)
	}
	if err := m.store.Remove(StorageKeyFlow); err != nil {
		logging.Warn("Session", "Failed to remove persisted flow record: %v", err)
	}
}

func (m *Manager) audit(action, outcome, detail string) {
	actor := ""
	if sess := m.sessionCopy(); sess != nil {
		actor = sess.User.ID
	}
	logging.Audit(logging.AuditEvent{
		Action:  action,
		Outcome: outcome,
		Actor:   actor,
		Detail:  detail,
	})
}
