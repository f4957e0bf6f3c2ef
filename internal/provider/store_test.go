package provider

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authkit/internal/crypto"
	pkgoauth "authkit/pkg/oauth"
)

// fakeRefresher counts calls and returns a canned token or error.
type fakeRefresher struct {
	calls atomic.Int32
	err   error
	token *pkgoauth.Token
}

func (f *fakeRefresher) Refresh(_ context.Context, _, _ string) (*pkgoauth.Token, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.token, nil
}

func newTestStore(t *testing.T, registry *RefresherRegistry) *Store {
	t.Helper()

	store, err := NewStore(context.Background(), ":memory:",
		crypto.NewCipher("test-secret", "test-salt"), registry)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func activeToken(userID, providerName string, expiresAt time.Time) *ProviderToken {
	return &ProviderToken{
		UserID:       userID,
		Provider:     providerName,
		AccessToken:  "access-" + providerName,
		RefreshToken: "refresh-" + providerName,
		TokenType:    "Bearer",
		ExpiresAt:    expiresAt,
		Status:       StatusActive,
	}
}

func TestStore_CreateRequiresFields(t *testing.T) {
	store := newTestStore(t, nil)

	_, err := store.Create(context.Background(), &ProviderToken{
		UserID:   "user-1",
		Provider: "slack",
		// no access token or token type
	})
	assert.ErrorIs(t, err, ErrMissingFields)
}

func TestStore_CreateAndGet(t *testing.T) {
	store := newTestStore(t, nil)

	created, err := store.Create(context.Background(), activeToken("user-1", "slack", time.Now().Add(time.Hour)))
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, StatusActive, created.Status)
	assert.False(t, created.CreatedAt.IsZero())
	assert.False(t, created.UpdatedAt.IsZero())

	got, err := store.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, "access-slack", got.AccessToken)
	assert.Equal(t, "refresh-slack", got.RefreshToken)
	assert.Equal(t, "slack", got.Provider)

	_, err = store.Get(context.Background(), "missing-id")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_TokenColumnsEncryptedAtRest(t *testing.T) {
	store := newTestStore(t, nil)

	created, err := store.Create(context.Background(), activeToken("user-1", "slack", time.Now().Add(time.Hour)))
	require.NoError(t, err)

	// The raw column must not contain the plaintext token.
	var rawAccess string
	err = store.db.QueryRowContext(context.Background(),
		`SELECT access_token FROM provider_tokens WHERE id = ?`, created.ID).Scan(&rawAccess)
	require.NoError(t, err)
	assert.NotEqual(t, "access-slack", rawAccess)
	assert.NotContains(t, rawAccess, "access-slack")
}

func TestStore_CreateDuplicateActive(t *testing.T) {
	store := newTestStore(t, nil)

	_, err := store.Create(context.Background(), activeToken("user-1", "slack", time.Now().Add(time.Hour)))
	require.NoError(t, err)

	_, err = store.Create(context.Background(), activeToken("user-1", "slack", time.Now().Add(time.Hour)))
	assert.ErrorIs(t, err, ErrAlreadyExists)

	// A different provider or user is fine.
	_, err = store.Create(context.Background(), activeToken("user-1", "github", time.Now().Add(time.Hour)))
	assert.NoError(t, err)
	_, err = store.Create(context.Background(), activeToken("user-2", "slack", time.Now().Add(time.Hour)))
	assert.NoError(t, err)
}

func TestStore_UpdatePatch(t *testing.T) {
	store := newTestStore(t, nil)

	created, err := store.Create(context.Background(), activeToken("user-1", "slack", time.Now().Add(time.Hour)))
	require.NoError(t, err)

	newAccess := "access-rotated"
	updated, err := store.Update(context.Background(), created.ID, Patch{AccessToken: &newAccess})
	require.NoError(t, err)

	assert.Equal(t, "access-rotated", updated.AccessToken)
	// Unpatched fields survive.
	assert.Equal(t, "refresh-slack", updated.RefreshToken)
	assert.Equal(t, "Bearer", updated.TokenType)

	_, err = store.Update(context.Background(), "missing-id", Patch{AccessToken: &newAccess})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Delete(t *testing.T) {
	store := newTestStore(t, nil)

	created, err := store.Create(context.Background(), activeToken("user-1", "slack", time.Now().Add(time.Hour)))
	require.NoError(t, err)

	require.NoError(t, store.Delete(context.Background(), created.ID))
	assert.ErrorIs(t, store.Delete(context.Background(), created.ID), ErrNotFound)
}

func TestStore_ListFilters(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	_, err := store.Create(ctx, activeToken("user-1", "slack", time.Now().Add(time.Hour)))
	require.NoError(t, err)
	_, err = store.Create(ctx, activeToken("user-1", "github", time.Now().Add(time.Hour)))
	require.NoError(t, err)
	_, err = store.Create(ctx, activeToken("user-2", "slack", time.Now().Add(time.Hour)))
	require.NoError(t, err)

	all, err := store.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	byUser, err := store.List(ctx, Filter{UserID: "user-1"})
	require.NoError(t, err)
	assert.Len(t, byUser, 2)

	byPair, err := store.List(ctx, Filter{UserID: "user-2", Provider: "slack"})
	require.NoError(t, err)
	assert.Len(t, byPair, 1)

	revoked, err := store.List(ctx, Filter{Status: StatusRevoked})
	require.NoError(t, err)
	assert.Empty(t, revoked)
}

func TestStore_GetTokenForProviderActiveOnly(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	_, err := store.GetTokenForProvider(ctx, "user-1", "slack")
	assert.ErrorIs(t, err, ErrNotFound)

	created, err := store.Create(ctx, activeToken("user-1", "slack", time.Now().Add(time.Hour)))
	require.NoError(t, err)

	got, err := store.GetTokenForProvider(ctx, "user-1", "slack")
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)

	require.NoError(t, store.RevokeToken(ctx, "user-1", "slack"))
	_, err = store.GetTokenForProvider(ctx, "user-1", "slack")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_StoreTokenUpserts(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	first, err := store.StoreToken(ctx, "user-1", "slack", &pkgoauth.Token{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		TokenType:    "Bearer",
		ExpiresAt:    time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	// Second store for the same pair updates the same row.
	second, err := store.StoreToken(ctx, "user-1", "slack", &pkgoauth.Token{
		AccessToken: "access-2",
		ExpiresAt:   time.Now().Add(2 * time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "access-2", second.AccessToken)
	// Omitted refresh token keeps the stored one.
	assert.Equal(t, "refresh-1", second.RefreshToken)

	all, err := store.List(ctx, Filter{UserID: "user-1", Provider: "slack"})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestStore_RefreshTokenUnregisteredProvider(t *testing.T) {
	store := newTestStore(t, NewRefresherRegistry(nil))
	ctx := context.Background()

	_, err := store.Create(ctx, activeToken("user-1", "slack", time.Now().Add(-time.Hour)))
	require.NoError(t, err)

	_, err = store.RefreshToken(ctx, "user-1", "slack")
	assert.ErrorIs(t, err, ErrRefreshNotImplemented)
}

func TestStore_RefreshTokenSuccess(t *testing.T) {
	refresher := &fakeRefresher{token: &pkgoauth.Token{
		AccessToken: "access-fresh",
		ExpiresAt:   time.Now().Add(time.Hour),
	}}
	registry := NewRefresherRegistry(nil)
	registry.Register("slack", refresher)

	store := newTestStore(t, registry)
	ctx := context.Background()

	_, err := store.Create(ctx, activeToken("user-1", "slack", time.Now().Add(-time.Hour)))
	require.NoError(t, err)

	updated, err := store.RefreshToken(ctx, "user-1", "slack")
	require.NoError(t, err)
	assert.Equal(t, "access-fresh", updated.AccessToken)
	assert.Equal(t, StatusActive, updated.Status)
	// No rotated refresh token in the response: the stored one is kept.
	assert.Equal(t, "refresh-slack", updated.RefreshToken)
	assert.Equal(t, int32(1), refresher.calls.Load())
}

func TestStore_ValidateTokenTransitions(t *testing.T) {
	t.Run("expired without refresh token stays expired", func(t *testing.T) {
		store := newTestStore(t, NewRefresherRegistry(nil))
		ctx := context.Background()

		token := activeToken("user-1", "slack", time.Now().Add(-time.Minute))
		token.RefreshToken = ""
		_, err := store.Create(ctx, token)
		require.NoError(t, err)

		result, err := store.ValidateToken(ctx, "user-1", "slack")
		require.NoError(t, err)
		assert.False(t, result.IsValid)
		assert.True(t, result.IsExpired)

		// The transition happened and holds on subsequent calls.
		rows, err := store.List(ctx, Filter{UserID: "user-1", Provider: "slack"})
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, StatusExpired, rows[0].Status)

		result, err = store.ValidateToken(ctx, "user-1", "slack")
		require.NoError(t, err)
		assert.True(t, result.IsExpired)
	})

	t.Run("expired with accepted refresh returns to active", func(t *testing.T) {
		refresher := &fakeRefresher{token: &pkgoauth.Token{
			AccessToken: "access-fresh",
			ExpiresAt:   time.Now().Add(time.Hour),
		}}
		registry := NewRefresherRegistry(nil)
		registry.Register("slack", refresher)

		store := newTestStore(t, registry)
		ctx := context.Background()

		_, err := store.Create(ctx, activeToken("user-1", "slack", time.Now().Add(-time.Minute)))
		require.NoError(t, err)

		result, err := store.ValidateToken(ctx, "user-1", "slack")
		require.NoError(t, err)
		assert.True(t, result.IsValid)
		assert.False(t, result.IsExpired)
		assert.Greater(t, result.ExpiresIn, time.Duration(0))

		rows, err := store.List(ctx, Filter{UserID: "user-1", Provider: "slack"})
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, StatusActive, rows[0].Status)
	})

	t.Run("refresh rejection marks expired", func(t *testing.T) {
		refresher := &fakeRefresher{err: errors.New("upstream says no")}
		registry := NewRefresherRegistry(nil)
		registry.Register("slack", refresher)

		store := newTestStore(t, registry)
		ctx := context.Background()

		_, err := store.Create(ctx, activeToken("user-1", "slack", time.Now().Add(-time.Minute)))
		require.NoError(t, err)

		result, err := store.ValidateToken(ctx, "user-1", "slack")
		require.NoError(t, err)
		assert.False(t, result.IsValid)
		assert.True(t, result.IsExpired)
	})

	t.Run("missing expiry fails closed", func(t *testing.T) {
		store := newTestStore(t, NewRefresherRegistry(nil))
		ctx := context.Background()

		token := activeToken("user-1", "slack", time.Time{})
		token.RefreshToken = ""
		_, err := store.Create(ctx, token)
		require.NoError(t, err)

		result, err := store.ValidateToken(ctx, "user-1", "slack")
		require.NoError(t, err)
		assert.False(t, result.IsValid)
		assert.True(t, result.IsExpired)
	})

	t.Run("valid token needs no refresh", func(t *testing.T) {
		refresher := &fakeRefresher{}
		registry := NewRefresherRegistry(nil)
		registry.Register("slack", refresher)

		store := newTestStore(t, registry)
		ctx := context.Background()

		_, err := store.Create(ctx, activeToken("user-1", "slack", time.Now().Add(time.Hour)))
		require.NoError(t, err)

		result, err := store.ValidateToken(ctx, "user-1", "slack")
		require.NoError(t, err)
		assert.True(t, result.IsValid)
		assert.Greater(t, result.ExpiresIn, 50*time.Minute)
		assert.Equal(t, int32(0), refresher.calls.Load())
	})
}

func TestStore_RevokeTerminalAndIdempotent(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	_, err := store.Create(ctx, activeToken("user-1", "slack", time.Now().Add(time.Hour)))
	require.NoError(t, err)

	require.NoError(t, store.RevokeToken(ctx, "user-1", "slack"))
	require.NoError(t, store.RevokeToken(ctx, "user-1", "slack"))
	require.NoError(t, store.RevokeToken(ctx, "user-1", "never-connected"))

	// Revoked is terminal: validation no longer sees the token.
	_, err = store.ValidateToken(ctx, "user-1", "slack")
	assert.ErrorIs(t, err, ErrNotFound)

	rows, err := store.List(ctx, Filter{Status: StatusRevoked})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestStore_CleanupExpiredTokens(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	_, err := store.Create(ctx, activeToken("user-1", "slack", time.Now().Add(time.Hour)))
	require.NoError(t, err)

	expired := activeToken("user-1", "github", time.Now().Add(-time.Hour))
	expired.Status = StatusExpired
	_, err = store.Create(ctx, expired)
	require.NoError(t, err)

	revoked := activeToken("user-2", "slack", time.Now().Add(-time.Hour))
	revoked.Status = StatusRevoked
	_, err = store.Create(ctx, revoked)
	require.NoError(t, err)

	removed, err := store.CleanupExpiredTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	remaining, err := store.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, remaining, 2)
	for _, row := range remaining {
		assert.NotEqual(t, StatusExpired, row.Status)
	}

	// Nothing left to clean.
	removed, err = store.CleanupExpiredTokens(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)
}
