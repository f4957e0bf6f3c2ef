package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"authkit/internal/config"
	"authkit/internal/crypto"
	"authkit/internal/oauthstate"
	"authkit/internal/provider"
	"authkit/internal/session"
	"authkit/internal/storage"
	"authkit/pkg/logging"
	pkgoauth "authkit/pkg/oauth"
)

// app bundles the wired components behind the CLI commands.
type app struct {
	cfg      config.Config
	cipher   *crypto.Cipher
	store    *storage.Store
	states   oauthstate.Registry
	client   *pkgoauth.Client
	sessions *session.Manager
	tokens   *provider.Store

	closers []func()
}

// newApp loads configuration, initializes logging, and wires the component
// graph. Callers must Close it.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}

	logging.Init(parseLogLevel(cfg.LogLevel), os.Stderr)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}

	a.cipher = buildCipher(cfg.Storage)

	a.store, err = storage.New(storage.Config{
		Dir:    cfg.Storage.Dir,
		Cipher: a.cipher,
		SensitiveKeys: []string{
			session.StorageKeySession,
			session.StorageKeyFlow,
		},
		MaxAge: map[string]time.Duration{
			session.StorageKeyFlow: oauthstate.StateTTL,
		},
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.client = pkgoauth.NewClient(pkgoauth.Endpoints{
		ProviderBaseURL: cfg.Provider.BaseURL,
		APIBaseURL:      cfg.API.BaseURL,
	}, cfg.Provider.ClientID)

	a.states = buildStateRegistry(cfg, a)

	a.sessions = session.NewManager(session.Config{
		ClientID:    cfg.Provider.ClientID,
		Provider:    cfg.Provider.Name,
		Scopes:      cfg.Provider.Scopes,
		Development: cfg.Development,
	}, a.client, a.store, a.states)

	refreshers := provider.NewRefresherRegistry(provider.NewProxyRefresher(cfg.API.BaseURL, nil))
	a.tokens, err = provider.NewStore(ctx, cfg.DatabasePath(), a.cipher, refreshers)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = a.tokens.Close() })

	return a, nil
}

// Close releases everything newApp wired, in reverse order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// requireUser returns the signed-in user's ID for provider token operations.
func (a *app) requireUser(ctx context.Context) (string, error) {
	sess, err := a.sessions.GetSession(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: run 'authkit login' first", session.ErrAuthRequired)
	}
	return sess.User.ID, nil
}

// buildCipher constructs the at-rest cipher. Without a configured secret the
// cipher runs in the explicit fallback mode: data is encoded, not encrypted,
// and the condition is observable instead of silent.
func buildCipher(cfg config.StorageConfig) *crypto.Cipher {
	opts := []crypto.Option{}
	if cfg.Secret == "" {
		logging.Warn("App", "No storage secret configured; tokens at rest are encoded, not encrypted")
		opts = append(opts, crypto.WithoutAEAD())
	}
	return crypto.NewCipher(cfg.Secret, cfg.Salt, opts...)
}

// buildStateRegistry selects the Redis-backed state registry when configured,
// otherwise the in-memory one. With serverState enabled, state tokens come
// from the proxy's state boundary rather than local generation.
func buildStateRegistry(cfg config.Config, a *app) oauthstate.Registry {
	var issuer oauthstate.StateIssuer
	if cfg.API.ServerState {
		issuer = func(ctx context.Context, userID, integrationSlug, redirectURI string) (string, error) {
			return a.client.IssueState(ctx, userID, integrationSlug, redirectURI)
		}
	}

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, func() { _ = client.Close() })
		logging.Debug("App", "Using redis state registry at %s", cfg.Redis.Addr)
		return oauthstate.NewRedisRegistry(client, issuer)
	}

	registry := oauthstate.NewMemoryRegistry(issuer)
	a.closers = append(a.closers, registry.Stop)
	return registry
}

func parseLogLevel(level string) logging.LogLevel {
	switch level {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

func printf(format string, args ...interface{}) {
	if !quiet {
		fmt.Printf(format, args...)
	}
}

func println(args ...interface{}) {
	if !quiet {
		fmt.Println(args...)
	}
}
