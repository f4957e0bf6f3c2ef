package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	userConfigDir  = ".config/authkit"
	configFileName = "config.yaml"

	defaultScopes       = "openid profile email"
	defaultProviderName = "default"
	defaultCallbackPort = 8765
	defaultLogLevel     = "info"
)

// Config is the complete runtime configuration.
type Config struct {
	Provider    ProviderConfig `yaml:"provider"`
	API         APIConfig      `yaml:"api"`
	Storage     StorageConfig  `yaml:"storage"`
	Redis       RedisConfig    `yaml:"redis"`
	Callback    CallbackConfig `yaml:"callback"`
	Development bool           `yaml:"development"`
	LogLevel    string         `yaml:"logLevel"`
}

// ProviderConfig describes the identity provider.
type ProviderConfig struct {
	// Name is the provider slug passed to the backend boundaries.
	Name string `yaml:"name"`

	// BaseURL is the provider's OAuth endpoint root (authorize, token,
	// revoke_token live under it).
	BaseURL string `yaml:"baseUrl"`

	// ClientID is the OAuth client identifier. Required: its absence is a
	// startup configuration error, not a runtime auth failure.
	ClientID string `yaml:"clientId"`

	// Scopes is the space-separated scope string for authorization.
	Scopes string `yaml:"scopes"`
}

// APIConfig describes the backend proxy that performs code exchange and
// exposes the userinfo/state/refresh boundaries.
type APIConfig struct {
	BaseURL string `yaml:"baseUrl"`

	// ServerState requests CSRF state tokens from the proxy's state
	// boundary instead of generating them locally.
	ServerState bool `yaml:"serverState"`
}

// StorageConfig describes local durable storage.
type StorageConfig struct {
	// Dir holds the keyed session store and the token database. Defaults to
	// ~/.config/authkit.
	Dir string `yaml:"dir"`

	// Secret derives the at-rest encryption key. When empty, storage runs
	// in the observable fallback mode: readable obfuscation, not
	// encryption.
	Secret string `yaml:"secret"`

	// Salt for key derivation. Defaults to a fixed application salt.
	Salt string `yaml:"salt"`

	// DatabasePath overrides the provider token database location.
	// Defaults to <Dir>/tokens.db.
	DatabasePath string `yaml:"databasePath"`
}

// RedisConfig optionally backs the OAuth state registry with Redis, for
// deployments where the callback lands on a different process. Empty Addr
// selects the in-memory registry.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// CallbackConfig describes the loopback callback server.
type CallbackConfig struct {
	Port int `yaml:"port"`
}

// Default returns the configuration defaults, anchored at the user's home
// directory.
func Default() Config {
	dir := userConfigPath()
	return Config{
		Provider: ProviderConfig{
			Name:   defaultProviderName,
			Scopes: defaultScopes,
		},
		Storage: StorageConfig{
			Dir:  dir,
			Salt: "authkit-storage-v1",
		},
		Callback: CallbackConfig{
			Port: defaultCallbackPort,
		},
		LogLevel: defaultLogLevel,
	}
}

// DatabasePath resolves the provider token database location.
func (c *Config) DatabasePath() string {
	if c.Storage.DatabasePath != "" {
		return c.Storage.DatabasePath
	}
	return filepath.Join(c.Storage.Dir, "tokens.db")
}

// Validate checks the configuration for startup-time errors. The client
// identifier and both base URLs are required before any flow can start.
func (c *Config) Validate() error {
	if c.Provider.ClientID == "" {
		return &ConfigurationError{
			Field:   "provider.clientId",
			Message: "OAuth client ID is required (set provider.clientId or AUTHKIT_CLIENT_ID)",
		}
	}
	if c.Provider.BaseURL == "" {
		return &ConfigurationError{
			Field:   "provider.baseUrl",
			Message: "identity provider base URL is required (set provider.baseUrl or AUTHKIT_PROVIDER_URL)",
		}
	}
	if c.API.BaseURL == "" {
		return &ConfigurationError{
			Field:   "api.baseUrl",
			Message: "API base URL is required (set api.baseUrl or AUTHKIT_API_URL)",
		}
	}
	return nil
}

func userConfigPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		// No home directory: fall back to the working directory.
		return ".authkit"
	}
	return filepath.Join(homeDir, userConfigDir)
}

// DefaultConfigPath returns the default config directory, for help text.
func DefaultConfigPath() string {
	return userConfigPath()
}

// DefaultConfigFile returns the default config file location.
func DefaultConfigFile() string {
	return filepath.Join(userConfigPath(), configFileName)
}

func (c *Config) String() string {
	return fmt.Sprintf("provider=%s api=%s storage=%s", c.Provider.BaseURL, c.API.BaseURL, c.Storage.Dir)
}
