package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"authkit/pkg/logging"
	pkgoauth "authkit/pkg/oauth"
)

// Refresher exchanges a refresh token for fresh credentials for one provider.
// Implementations are registered by provider name; adding a provider is a
// registration, not a code change in the store.
type Refresher interface {
	Refresh(ctx context.Context, providerName, refreshToken string) (*pkgoauth.Token, error)
}

// RefresherRegistry maps provider names to their Refresher. A fallback
// refresher, when set, serves providers without an explicit registration.
type RefresherRegistry struct {
	mu         sync.RWMutex
	refreshers map[string]Refresher
	fallback   Refresher
}

// NewRefresherRegistry creates a registry. fallback may be nil, in which case
// unregistered providers fail with ErrRefreshNotImplemented.
func NewRefresherRegistry(fallback Refresher) *RefresherRegistry {
	return &RefresherRegistry{
		refreshers: make(map[string]Refresher),
		fallback:   fallback,
	}
}

// Register wires a refresher for a provider name, replacing any earlier
// registration.
func (r *RefresherRegistry) Register(providerName string, refresher Refresher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshers[providerName] = refresher
}

// Lookup resolves the refresher for a provider.
func (r *RefresherRegistry) Lookup(providerName string) (Refresher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if refresher, ok := r.refreshers[providerName]; ok {
		return refresher, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrRefreshNotImplemented, providerName)
}

// ProxyRefresher refreshes provider tokens through the backend proxy's shared
// refresh endpoint, parameterized by provider name. It is the default wiring
// for every provider the proxy knows about.
type ProxyRefresher struct {
	httpClient *http.Client
	apiBaseURL string
}

var _ Refresher = (*ProxyRefresher)(nil)

// NewProxyRefresher creates a refresher against the proxy's refresh boundary.
func NewProxyRefresher(apiBaseURL string, httpClient *http.Client) *ProxyRefresher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &ProxyRefresher{
		httpClient: httpClient,
		apiBaseURL: strings.TrimSuffix(apiBaseURL, "/"),
	}
}

// Refresh posts {provider, refreshToken} to the proxy refresh endpoint.
func (p *ProxyRefresher) Refresh(ctx context.Context, providerName, refreshToken string) (*pkgoauth.Token, error) {
	payload, err := json.Marshal(map[string]string{
		"provider":     providerName,
		"refreshToken": refreshToken,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBaseURL+"/oauth/refresh", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read refresh response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		logging.Debug("ProviderRefresh", "Proxy refresh for %s failed with status %d", providerName, resp.StatusCode)
		return nil, &pkgoauth.HTTPError{Endpoint: "provider-refresh", Status: resp.StatusCode, Body: string(body)}
	}

	var token pkgoauth.Token
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("failed to parse refresh response: %w", err)
	}
	token.SetExpiresAtFromExpiresIn()

	return &token, nil
}
