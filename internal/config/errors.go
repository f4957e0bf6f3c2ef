package config

import "fmt"

// ConfigurationError indicates required configuration is missing or invalid.
// Operations that need the missing value fail with it instead of proceeding
// with a partial setup.
type ConfigurationError struct {
	// Field is the configuration field at fault.
	Field string

	// Message explains what is wrong with it.
	Message string
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Message)
}
