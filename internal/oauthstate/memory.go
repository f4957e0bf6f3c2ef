package oauthstate

import (
	"context"
	"sync"
	"time"

	"authkit/pkg/logging"
	pkgoauth "authkit/pkg/oauth"
)

// pairKey identifies the one-in-flight-flow-per-pair constraint.
type pairKey struct {
	userID          string
	integrationSlug string
}

// MemoryRegistry is a thread-safe in-memory state registry with lazy TTL
// checks and a background cleanup loop for records nobody ever validates.
type MemoryRegistry struct {
	mu     sync.RWMutex
	states map[string]*OAuthState
	pairs  map[pairKey]string // pair -> current state token

	issuer      StateIssuer
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

var _ Registry = (*MemoryRegistry)(nil)

// NewMemoryRegistry creates an in-memory registry. When issuer is non-nil,
// state tokens are obtained from it (the proxy's state boundary) instead of
// being generated locally.
func NewMemoryRegistry(issuer StateIssuer) *MemoryRegistry {
	r := &MemoryRegistry{
		states:      make(map[string]*OAuthState),
		pairs:       make(map[pairKey]string),
		issuer:      issuer,
		stopCleanup: make(chan struct{}),
	}

	go r.cleanupLoop()

	return r
}

// Generate creates and stores a new state record for the pair, overwriting
// any earlier in-flight flow for the same pair.
func (r *MemoryRegistry) Generate(ctx context.Context, userID, integrationSlug, redirectURI string) (*OAuthState, error) {
	state, err := r.newStateToken(ctx, userID, integrationSlug, redirectURI)
	if err != nil {
		return nil, err
	}

	pkce, err := pkgoauth.GeneratePKCE()
	if err != nil {
		return nil, err
	}

	record := &OAuthState{
		State:           state,
		CodeVerifier:    pkce.CodeVerifier,
		UserID:          userID,
		IntegrationSlug: integrationSlug,
		RedirectURI:     redirectURI,
		CreatedAt:       time.Now(),
	}

	key := pairKey{userID: userID, integrationSlug: integrationSlug}

	r.mu.Lock()
	if prev, ok := r.pairs[key]; ok {
		delete(r.states, prev)
	}
	r.states[state] = record
	r.pairs[key] = state
	r.mu.Unlock()

	logging.Debug("OAuthState", "Generated state for user=%s integration=%s", userID, integrationSlug)
	return record, nil
}

// Validate looks up a record by state token without consuming it.
func (r *MemoryRegistry) Validate(_ context.Context, state string) (*OAuthState, error) {
	r.mu.RLock()
	record, ok := r.states[state]
	r.mu.RUnlock()

	if !ok {
		logging.Warn("OAuthState", "State not found in registry")
		return nil, ErrInvalidState
	}

	if record.Age() > StateTTL {
		logging.Warn("OAuthState", "State expired (age=%v)", record.Age())
		_ = r.Clear(context.Background(), state)
		return nil, ErrStateExpired
	}

	return record, nil
}

// Clear removes a record. Idempotent.
func (r *MemoryRegistry) Clear(_ context.Context, state string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if record, ok := r.states[state]; ok {
		key := pairKey{userID: record.UserID, integrationSlug: record.IntegrationSlug}
		if r.pairs[key] == state {
			delete(r.pairs, key)
		}
		delete(r.states, state)
	}
	return nil
}

// Stop stops the background cleanup goroutine.
func (r *MemoryRegistry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCleanup)
	})
}

func (r *MemoryRegistry) newStateToken(ctx context.Context, userID, integrationSlug, redirectURI string) (string, error) {
	if r.issuer != nil {
		return r.issuer(ctx, userID, integrationSlug, redirectURI)
	}
	return pkgoauth.GenerateState()
}

// cleanupLoop periodically removes expired records that were never validated.
func (r *MemoryRegistry) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.cleanup()
		case <-r.stopCleanup:
			return
		}
	}
}

func (r *MemoryRegistry) cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for state, record := range r.states {
		if record.Age() > StateTTL {
			key := pairKey{userID: record.UserID, integrationSlug: record.IntegrationSlug}
			if r.pairs[key] == state {
				delete(r.pairs, key)
			}
			delete(r.states, state)
			count++
		}
	}

	if count > 0 {
		logging.Debug("OAuthState", "Cleaned up %d expired states", count)
	}
}
