package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"authkit/pkg/logging"
)

// Environment variable overrides. They win over file values so deployments
// can inject credentials without editing config files.
const (
	EnvClientID      = "AUTHKIT_CLIENT_ID"
	EnvProviderURL   = "AUTHKIT_PROVIDER_URL"
	EnvProviderName  = "AUTHKIT_PROVIDER_NAME"
	EnvAPIURL        = "AUTHKIT_API_URL"
	EnvScopes        = "AUTHKIT_SCOPES"
	EnvStorageDir    = "AUTHKIT_STORAGE_DIR"
	EnvStorageSecret = "AUTHKIT_STORAGE_SECRET"
	EnvRedisAddr     = "AUTHKIT_REDIS_ADDR"
	EnvDevelopment   = "AUTHKIT_DEV"
	EnvLogLevel      = "AUTHKIT_LOG_LEVEL"
)

// Load reads configuration from path (empty selects the default location),
// applies environment overrides on top, and returns the result. A missing
// file is not an error; the defaults plus environment must then carry the
// required values, checked separately via Validate.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultConfigFile()
	}

	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.Debug("Config", "No config file at %s, using defaults", path)
		} else {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		logging.Debug("Config", "Loaded configuration from %s", path)
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvClientID); v != "" {
		cfg.Provider.ClientID = v
	}
	if v := os.Getenv(EnvProviderURL); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := os.Getenv(EnvProviderName); v != "" {
		cfg.Provider.Name = v
	}
	if v := os.Getenv(EnvAPIURL); v != "" {
		cfg.API.BaseURL = v
	}
	if v := os.Getenv(EnvScopes); v != "" {
		cfg.Provider.Scopes = v
	}
	if v := os.Getenv(EnvStorageDir); v != "" {
		cfg.Storage.Dir = v
	}
	if v := os.Getenv(EnvStorageSecret); v != "" {
		cfg.Storage.Secret = v
	}
	if v := os.Getenv(EnvRedisAddr); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv(EnvDevelopment); v != "" {
		if dev, err := strconv.ParseBool(v); err == nil {
			cfg.Development = dev
		}
	}
}
