package session

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestAPIServer returns a server that rejects the first rejectFirst
// requests with 401 and then echoes the bearer token.
func newTestAPIServer(t *testing.T, rejectFirst int32) (*httptest.Server, *atomic.Int32) {
	t.Helper()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n <= rejectFirst {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(r.Header.Get("Authorization")))
	}))
	t.Cleanup(server.Close)
	return server, &calls
}

func TestAPIClient_AttachesBearerToken(t *testing.T) {
	backend := newTestBackend(t)
	m := newTestManager(t, backend)
	seedSession(m, "access-1", "refresh-1", time.Now().Add(time.Hour))

	api, calls := newTestAPIServer(t, 0)
	client := NewAPIClient(m, api.URL)

	resp, err := client.Get(context.Background(), "/v1/things")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "Bearer access-1", string(body))
	assert.Equal(t, int32(1), calls.Load())
}

func TestAPIClient_RetriesOnceAfter401(t *testing.T) {
	backend := newTestBackend(t)
	m := newTestManager(t, backend)
	seedSession(m, "access-stale", "refresh-1", time.Now().Add(time.Hour))

	api, calls := newTestAPIServer(t, 1)
	client := NewAPIClient(m, api.URL)

	resp, err := client.Get(context.Background(), "/v1/things")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "Bearer access-refreshed", string(body))

	assert.Equal(t, int32(2), calls.Load(), "one original request plus one retry")
	assert.Equal(t, int32(1), backend.refreshCalls.Load())
}

func TestAPIClient_SecondUnauthorizedIsReturned(t *testing.T) {
	backend := newTestBackend(t)
	m := newTestManager(t, backend)
	seedSession(m, "access-stale", "refresh-1", time.Now().Add(time.Hour))

	// Every request is rejected: the retry must happen exactly once and the
	// second 401 must come back to the caller.
	api, calls := newTestAPIServer(t, 1<<30)
	client := NewAPIClient(m, api.URL)

	resp, err := client.Get(context.Background(), "/v1/things")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int32(1), backend.refreshCalls.Load())
}

func TestAPIClient_RefreshFailureAfter401(t *testing.T) {
	backend := newTestBackend(t)
	backend.mu.Lock()
	backend.refreshStatus = http.StatusUnauthorized
	backend.mu.Unlock()

	m := newTestManager(t, backend)
	seedSession(m, "access-stale", "refresh-1", time.Now().Add(time.Hour))

	api, calls := newTestAPIServer(t, 1<<30)
	client := NewAPIClient(m, api.URL)

	_, err := client.Get(context.Background(), "/v1/things")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthRequired)
	assert.Equal(t, int32(1), calls.Load(), "no retry without a successful refresh")
}

func TestAPIClient_RefreshFailureAfter401Development(t *testing.T) {
	backend := newTestBackend(t)
	backend.mu.Lock()
	backend.refreshStatus = http.StatusUnauthorized
	backend.mu.Unlock()

	m := newTestManager(t, backend)
	m.cfg.Development = true
	seedSession(m, "access-stale", "refresh-1", time.Now().Add(time.Hour))

	api, calls := newTestAPIServer(t, 1<<30)
	client := NewAPIClient(m, api.URL)

	// Development surfaces the original 401 instead of an error.
	resp, err := client.Get(context.Background(), "/v1/things")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestAPIClient_NoSessionProduction(t *testing.T) {
	backend := newTestBackend(t)
	m := newTestManager(t, backend)

	api, calls := newTestAPIServer(t, 0)
	client := NewAPIClient(m, api.URL)

	_, err := client.Get(context.Background(), "/v1/things")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthRequired)
	assert.Zero(t, calls.Load(), "no network traffic without credentials")
}

func TestAPIClient_NoSessionDevelopment(t *testing.T) {
	backend := newTestBackend(t)
	m := newTestManager(t, backend)
	m.cfg.Development = true

	api, calls := newTestAPIServer(t, 0)
	client := NewAPIClient(m, api.URL)

	resp, err := client.Get(context.Background(), "/v1/things")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Empty(t, string(body), "development mode proceeds without an Authorization header")
	assert.Equal(t, int32(1), calls.Load())
}

func TestAPIClient_PostSetsContentType(t *testing.T) {
	backend := newTestBackend(t)
	m := newTestManager(t, backend)
	seedSession(m, "access-1", "refresh-1", time.Now().Add(time.Hour))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		payload, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"name":"thing"}`, string(payload))
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(server.Close)

	client := NewAPIClient(m, server.URL)
	resp, err := client.Post(context.Background(), "/v1/things", []byte(`{"name":"thing"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}
