package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"authkit/pkg/logging"
)

// APIClient issues HTTP requests to the backend API with the session's bearer
// token attached. On a 401 it refreshes the session and retries exactly once;
// a second 401 is returned to the caller, never retried again.
//
// In development mode requests without a session proceed unauthenticated; in
// production they fail with ErrAuthRequired before any network traffic.
type APIClient struct {
	manager    *Manager
	baseURL    string
	httpClient *http.Client
}

// APIClientOption configures an APIClient.
type APIClientOption func(*APIClient)

// WithAPIHTTPClient sets a custom HTTP client.
func WithAPIHTTPClient(httpClient *http.Client) APIClientOption {
	return func(c *APIClient) {
		c.httpClient = httpClient
	}
}

// NewAPIClient creates an authenticated API client on top of the session
// manager.
func NewAPIClient(manager *Manager, baseURL string, opts ...APIClientOption) *APIClient {
	c := &APIClient{
		manager:    manager,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Do performs an authenticated request against path (relative to the base
// URL). The body is a byte slice rather than a reader so the single retry can
// replay it. The caller owns closing the response body.
func (c *APIClient) Do(ctx context.Context, method, path string, body []byte, header http.Header) (*http.Response, error) {
	token, err := c.bearerToken(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := c.send(ctx, method, path, body, header, token)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusUnauthorized || token == "" {
		return resp, nil
	}

	// The server rejected a token the validity check accepted; its clock or
	// revocation state wins. Refresh and retry once.
	logging.Debug("APIClient", "Request to %s rejected with 401, refreshing session", path)
	refreshed, refreshErr := c.manager.refresh(ctx, true)
	if refreshErr != nil {
		if c.manager.cfg.Development {
			// Development surfaces the original 401 verbatim to aid
			// debugging; production fails closed.
			return resp, nil
		}
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %v", ErrAuthRequired, refreshErr)
	}
	resp.Body.Close()

	return c.send(ctx, method, path, body, header, refreshed.Tokens.AccessToken)
}

// Get performs an authenticated GET request.
func (c *APIClient) Get(ctx context.Context, path string) (*http.Response, error) {
	return c.Do(ctx, http.MethodGet, path, nil, nil)
}

// Post performs an authenticated POST with a JSON content type.
func (c *APIClient) Post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	return c.Do(ctx, http.MethodPost, path, body, header)
}

// bearerToken resolves the access token for a request. Development mode
// tolerates a missing session and returns an empty token; production fails
// closed.
func (c *APIClient) bearerToken(ctx context.Context) (string, error) {
	sess, err := c.manager.GetSession(ctx)
	if err != nil {
		if c.manager.cfg.Development && errors.Is(err, ErrNoSession) {
			logging.Debug("APIClient", "No session in development mode, proceeding unauthenticated")
			return "", nil
		}
		return "", fmt.Errorf("%w: %v", ErrAuthRequired, err)
	}
	return sess.Tokens.AccessToken, nil
}

func (c *APIClient) send(ctx context.Context, method, path string, body []byte, header http.Header, token string) (*http.Response, error) {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for k, values := range header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	return c.httpClient.Do(req)
}
