package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultHTTPTimeout is the default timeout for HTTP requests.
const DefaultHTTPTimeout = 30 * time.Second

// Endpoints describes the external HTTP boundaries the client talks to.
// ProviderBaseURL is the identity provider itself (authorize, token refresh,
// revoke). APIBaseURL is the backend proxy that performs the code exchange
// and exposes the state and user-info endpoints.
type Endpoints struct {
	ProviderBaseURL string
	APIBaseURL      string
}

// Client performs the wire-level OAuth protocol operations: authorization URL
// construction, code exchange (via the proxy), refresh, revocation, state
// issuance, and user-info lookup. It holds no session state; the session
// manager owns that.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	endpoints  Endpoints
	clientID   string
}

// ClientOption configures the OAuth client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a new OAuth boundary client.
func NewClient(endpoints Endpoints, clientID string, opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: DefaultHTTPTimeout},
		logger:     slog.Default(),
		endpoints:  Endpoints{
			ProviderBaseURL: strings.TrimSuffix(endpoints.ProviderBaseURL, "/"),
			APIBaseURL:      strings.TrimSuffix(endpoints.APIBaseURL, "/"),
		},
		clientID: clientID,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// BuildAuthorizationURL constructs the provider authorization URL with
// response_type=code and the S256 PKCE challenge.
func (c *Client) BuildAuthorizationURL(redirectURI, state, scope string, pkce *PKCEChallenge, extraParams map[string]string) (string, error) {
	authURL, err := url.Parse(c.endpoints.ProviderBaseURL + "/authorize")
	if err != nil {
		return "", fmt.Errorf("invalid authorization endpoint: %w", err)
	}

	query := authURL.Query()
	query.Set("response_type", "code")
	query.Set("client_id", c.clientID)
	query.Set("redirect_uri", redirectURI)
	query.Set("state", state)

	if scope != "" {
		query.Set("scope", scope)
	}

	if pkce != nil {
		query.Set("code_challenge", pkce.CodeChallenge)
		query.Set("code_challenge_method", pkce.CodeChallengeMethod)
	}

	for k, v := range extraParams {
		query.Set(k, v)
	}

	authURL.RawQuery = query.Encode()
	return authURL.String(), nil
}

// ExchangeRequest carries the parameters for the code-exchange boundary.
type ExchangeRequest struct {
	Provider     string `json:"provider"`
	Code         string `json:"code"`
	RedirectURI  string `json:"redirectUri"`
	CodeVerifier string `json:"codeVerifier"`
	State        string `json:"state"`
}

// ExchangeCode exchanges an authorization code plus PKCE verifier for tokens.
// The exchange is performed by the backend proxy, not the provider directly.
func (c *Client) ExchangeCode(ctx context.Context, req ExchangeRequest) (*Token, error) {
	return c.doJSONTokenRequest(ctx, "token", c.endpoints.APIBaseURL+"/oauth/token", req)
}

// FetchUserInfo fetches the user identity associated with an access token
// through the proxy's user-info boundary.
func (c *Client) FetchUserInfo(ctx context.Context, provider, accessToken string) (*UserInfo, error) {
	body := map[string]string{
		"provider":    provider,
		"accessToken": accessToken,
	}

	respBody, err := c.doJSONRequest(ctx, "userinfo", c.endpoints.APIBaseURL+"/oauth/userinfo", body)
	if err != nil {
		return nil, err
	}

	var info UserInfo
	if err := json.Unmarshal(respBody, &info); err != nil {
		return nil, fmt.Errorf("failed to parse userinfo response: %w", err)
	}

	if info.Subject == "" {
		return nil, fmt.Errorf("userinfo response missing subject")
	}

	return &info, nil
}

// IssueState requests a server-issued CSRF state token from the proxy.
func (c *Client) IssueState(ctx context.Context, userID, integrationSlug, redirectURI string) (string, error) {
	body := map[string]string{
		"userId":          userID,
		"integrationSlug": integrationSlug,
		"redirectUri":     redirectURI,
	}

	respBody, err := c.doJSONRequest(ctx, "state", c.endpoints.APIBaseURL+"/oauth/state", body)
	if err != nil {
		return "", err
	}

	var resp struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("failed to parse state response: %w", err)
	}
	if resp.State == "" {
		return "", fmt.Errorf("state response missing state token")
	}

	return resp.State, nil
}

// Refresh obtains a new access token from the provider's token endpoint using
// a refresh token (grant_type=refresh_token).
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	data := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.clientID},
	}

	return c.doFormTokenRequest(ctx, "refresh", c.endpoints.ProviderBaseURL+"/token", data)
}

// Revoke revokes a token at the provider's revocation endpoint.
// Callers treat revocation failure as non-fatal.
func (c *Client) Revoke(ctx context.Context, token string) error {
	data := url.Values{
		"token":     {token},
		"client_id": {c.clientID},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoints.ProviderBaseURL+"/revoke_token", strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("revoke request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return &HTTPError{Endpoint: "revoke", Status: resp.StatusCode, Body: string(body)}
	}

	return nil
}

// doFormTokenRequest performs a form-encoded token endpoint request.
func (c *Client) doFormTokenRequest(ctx context.Context, endpoint, endpointURL string, data url.Values) (*Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	return c.parseTokenResponse(endpoint, resp, err)
}

// doJSONTokenRequest performs a JSON-body token endpoint request.
func (c *Client) doJSONTokenRequest(ctx context.Context, endpoint, endpointURL string, body interface{}) (*Token, error) {
	respBody, err := c.doJSONRequest(ctx, endpoint, endpointURL, body)
	if err != nil {
		return nil, err
	}

	var token Token
	if err := json.Unmarshal(respBody, &token); err != nil {
		return nil, fmt.Errorf("failed to parse %s response: %w", endpoint, err)
	}

	token.SetExpiresAtFromExpiresIn()
	return &token, nil
}

// doJSONRequest posts a JSON body and returns the raw response body, mapping
// non-2xx responses to *HTTPError.
func (c *Client) doJSONRequest(ctx context.Context, endpoint, endpointURL string, body interface{}) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", endpoint, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Debug("Boundary request failed",
			"endpoint", endpoint,
			"status", resp.StatusCode)
		return nil, &HTTPError{Endpoint: endpoint, Status: resp.StatusCode, Body: string(respBody)}
	}

	return respBody, nil
}

// parseTokenResponse converts an HTTP response into a Token, mapping non-200
// responses to *HTTPError.
func (c *Client) parseTokenResponse(endpoint string, resp *http.Response, err error) (*Token, error) {
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", endpoint, err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Debug("Token request failed",
			"endpoint", endpoint,
			"status", resp.StatusCode,
			"body", string(body))
		return nil, &HTTPError{Endpoint: endpoint, Status: resp.StatusCode, Body: string(body)}
	}

	var token Token
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("failed to parse %s response: %w", endpoint, err)
	}

	token.SetExpiresAtFromExpiresIn()
	return &token, nil
}
