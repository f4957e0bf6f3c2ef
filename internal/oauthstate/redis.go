package oauthstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"authkit/pkg/logging"
	pkgoauth "authkit/pkg/oauth"
)

const (
	redisStatePrefix = "oauth:state:"
	redisPairPrefix  = "oauth:pair:"
)

// RedisRegistry is a Redis-backed state registry for deployments where the
// callback may land on a different process than the one that initiated the
// flow. Redis key TTLs enforce expiry server-side; Validate still applies the
// record-timestamp check so the 5-minute boundary is exact rather than
// subject to key-expiry lag.
type RedisRegistry struct {
	client redis.UniversalClient
	issuer StateIssuer
}

var _ Registry = (*RedisRegistry)(nil)

// NewRedisRegistry constructs a Redis-backed registry.
func NewRedisRegistry(client redis.UniversalClient, issuer StateIssuer) *RedisRegistry {
	return &RedisRegistry{client: client, issuer: issuer}
}

// Generate creates and stores a new state record, overwriting any earlier
// in-flight flow for the same (userID, integrationSlug) pair.
func (r *RedisRegistry) Generate(ctx context.Context, userID, integrationSlug, redirectURI string) (*OAuthState, error) {
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

	payload, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}

	pairKey := r.pairKey(userID, integrationSlug)

	// Drop the previous flow for this pair, if any.
	if prev, err := r.client.Get(ctx, pairKey).Result(); err == nil && prev != "" {
		_ = r.client.Del(ctx, redisStatePrefix+prev).Err()
	}

	if err := r.client.Set(ctx, redisStatePrefix+state, payload, StateTTL).Err(); err != nil {
		return nil, fmt.Errorf("persist state: %w", err)
	}
	if err := r.client.Set(ctx, pairKey, state, StateTTL).Err(); err != nil {
		return nil, fmt.Errorf("persist pair pointer: %w", err)
	}

	logging.Debug("OAuthState", "Generated state in redis for user=%s integration=%s", userID, integrationSlug)
	return record, nil
}

// Validate looks up a record by state token without consuming it.
func (r *RedisRegistry) Validate(ctx context.Context, state string) (*OAuthState, error) {
	raw, err := r.client.Get(ctx, redisStatePrefix+state).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrInvalidState
		}
		return nil, fmt.Errorf("load state: %w", err)
	}

	var record OAuthState
	if err := json.Unmarshal(raw, &record); err != nil {
		// Undecodable records are purged like any other corruption.
		_ = r.Clear(ctx, state)
		return nil, ErrInvalidState
	}

	if record.Age() > StateTTL {
		_ = r.Clear(ctx, state)
		return nil, ErrStateExpired
	}

	return &record, nil
}

// Clear removes a record. Idempotent.
func (r *RedisRegistry) Clear(ctx context.Context, state string) error {
	raw, err := r.client.Get(ctx, redisStatePrefix+state).Bytes()
	if err == nil {
		var record OAuthState
		if json.Unmarshal(raw, &record) == nil {
			_ = r.client.Del(ctx, r.pairKey(record.UserID, record.IntegrationSlug)).Err()
		}
	}

	if err := r.client.Del(ctx, redisStatePrefix+state).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("delete state: %w", err)
	}
	return nil
}

func (r *RedisRegistry) newStateToken(ctx context.Context, userID, integrationSlug, redirectURI string) (string, error) {
	if r.issuer != nil {
		return r.issuer(ctx, userID, integrationSlug, redirectURI)
	}
	return pkgoauth.GenerateState()
}

func (r *RedisRegistry) pairKey(userID, integrationSlug string) string {
	return redisPairPrefix + userID + ":" + integrationSlug
}
