package proxy

import (
	"errors"
	"fmt"
)

// ErrMisconfigured signals that a refreshed secret failed validation. The
// manager keeps serving the last known-good secret; this error exists for
// observability, not for failing live traffic.
var ErrMisconfigured = errors.New("proxy secret refresh failed validation")

// AuthError reports an authentication rejection (401/403/407/429) from the
// proxy or the probe target.
type AuthError struct {
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("proxy authentication rejected (status %d)", e.Status)
}

// IsAuthStatus reports whether an HTTP status indicates a burned session.
func IsAuthStatus(status int) bool {
	switch status {
	case 401, 403, 407, 429:
		return true
	}
	return false
}

// UnreachableError reports network-level failure reaching the proxy.
type UnreachableError struct {
	Err error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("proxy unreachable: %v", e.Err)
}

func (e *UnreachableError) Unwrap() error { return e.Err }

// ValidationError reports a malformed secret field. Fatal; never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid proxy secret: field %q %s", e.Field, e.Reason)
}
