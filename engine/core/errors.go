package core

import (
	"errors"
	"fmt"
)

// Sentinel errors classify pipeline failures so callers can map them to
// user-facing responses without string matching.
var (
	// ErrGuardrailRejection marks input blocked by the security gate. Never retried.
	ErrGuardrailRejection = errors.New("guardrail rejection")
	// ErrUpstreamTimeout marks an external call that exceeded its bound.
	ErrUpstreamTimeout = errors.New("upstream timeout")
	// ErrConfiguration marks an invalid configuration. Fatal at startup.
	ErrConfiguration = errors.New("invalid configuration")
	// ErrRetrievalUnavailable marks a vector store failure with no degraded path.
	ErrRetrievalUnavailable = errors.New("evidence retrieval unavailable")
)

// ConfigError wraps a startup validation failure with the offending field.
func ConfigError(field string, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrConfiguration, field, fmt.Sprintf(format, args...))
}
