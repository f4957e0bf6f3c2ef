package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("Missing config file should not be an error: %v", err)
	}

	if cfg.Provider.Scopes != defaultScopes {
		t.Errorf("Expected default scopes %q, got %q", defaultScopes, cfg.Provider.Scopes)
	}
	if cfg.Callback.Port != defaultCallbackPort {
		t.Errorf("Expected default callback port %d, got %d", defaultCallbackPort, cfg.Callback.Port)
	}
}

func TestLoad_FileValues(t *testing.T) {
	path := writeConfigFile(t, `
provider:
  name: zitadel
  baseUrl: https://auth.example.com/oauth/v2
  clientId: client-123
  scopes: openid email
api:
  baseUrl: https://api.example.com
development: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Provider.ClientID != "client-123" {
		t.Errorf("Expected client ID from file, got %q", cfg.Provider.ClientID)
	}
	if cfg.Provider.Name != "zitadel" {
		t.Errorf("Expected provider name from file, got %q", cfg.Provider.Name)
	}
	if !cfg.Development {
		t.Error("Expected development mode from file")
	}
	// Unset file values keep defaults.
	if cfg.Storage.Dir == "" {
		t.Error("Expected default storage dir to survive file load")
	}
}

func TestLoad_MalformedFile(t *testing.T) {
	path := writeConfigFile(t, "provider: [not a mapping")

	if _, err := Load(path); err == nil {
		t.Error("Expected parse error for malformed config")
	}
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	path := writeConfigFile(t, `
provider:
  clientId: from-file
`)

	t.Setenv(EnvClientID, "from-env")
	t.Setenv(EnvAPIURL, "https://api.env.example.com")
	t.Setenv(EnvDevelopment, "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Provider.ClientID != "from-env" {
		t.Errorf("Environment must win over file, got %q", cfg.Provider.ClientID)
	}
	if cfg.API.BaseURL != "https://api.env.example.com" {
		t.Errorf("Expected API URL from env, got %q", cfg.API.BaseURL)
	}
	if !cfg.Development {
		t.Error("Expected development mode from env")
	}
}

func TestValidate_RequiresClientID(t *testing.T) {
	cfg := Default()
	cfg.Provider.BaseURL = "https://auth.example.com"
	cfg.API.BaseURL = "https://api.example.com"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Expected validation error without client ID")
	}

	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Expected *ConfigurationError, got %T", err)
	}
	if cfgErr.Field != "provider.clientId" {
		t.Errorf("Expected field provider.clientId, got %q", cfgErr.Field)
	}

	cfg.Provider.ClientID = "client-123"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected valid config, got %v", err)
	}
}

func TestValidate_RequiresBaseURLs(t *testing.T) {
	cfg := Default()
	cfg.Provider.ClientID = "client-123"

	if err := cfg.Validate(); err == nil {
		t.Error("Expected validation error without provider base URL")
	}

	cfg.Provider.BaseURL = "https://auth.example.com"
	if err := cfg.Validate(); err == nil {
		t.Error("Expected validation error without API base URL")
	}
}

func TestConfig_DatabasePath(t *testing.T) {
	cfg := Default()
	cfg.Storage.Dir = "/tmp/authkit-test"

	if got := cfg.DatabasePath(); got != filepath.Join("/tmp/authkit-test", "tokens.db") {
		t.Errorf("Unexpected default database path %q", got)
	}

	cfg.Storage.DatabasePath = "/elsewhere/tokens.db"
	if got := cfg.DatabasePath(); got != "/elsewhere/tokens.db" {
		t.Errorf("Expected override to win, got %q", got)
	}
}
