package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration classifies invalid or unknown rate-limit configuration.
	ErrConfiguration = errors.New("admission configuration error")
	// ErrStoreUnavailable classifies connectivity, pool and timeout failures of the shared store.
	ErrStoreUnavailable = errors.New("admission store unavailable")
)

// ConfigurationError reports an unknown scope or an invalid policy. It is fatal at startup.
type ConfigurationError struct {
	Scope  string
	Reason string
}

// NewConfigurationError builds a ConfigurationError for the given scope.
func NewConfigurationError(scope, reason string) *ConfigurationError {
	return &ConfigurationError{Scope: scope, Reason: reason}
}

func (e *ConfigurationError) Error() string {
	if e.Scope == "" {
		return fmt.Sprintf("rate limit configuration: %s", e.Reason)
	}
	return fmt.Sprintf("rate limit configuration for scope %q: %s", e.Scope, e.Reason)
}

// Is lets errors.Is match ErrConfiguration.
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}
