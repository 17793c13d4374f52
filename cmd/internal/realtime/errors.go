package realtime

import (
	"context"
	"errors"
	"fmt"

	"relay/cmd/directory"
	"relay/cmd/internal/auth/session"
	"relay/cmd/internal/rpc"
)

// Authentication failure reasons.
const (
	ReasonMissingCredentials = "missing_credentials"
	ReasonInvalidSession     = "invalid_session"
	ReasonUnknownUser        = "unknown_user"
	ReasonAccountLocked      = "account_locked"
	ReasonNotVerified        = "not_verified"
	ReasonTimeout            = "timeout"
	ReasonUnavailable        = "unavailable"
)

// ErrMissingCredentials is returned when the access token or the refresh
// cookie is absent.
var ErrMissingCredentials = errors.New("realtime: missing credentials")

// AuthError is an authentication failure. The connection is closed.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("realtime: authentication failed: %s", e.Reason)
	}
	return fmt.Sprintf("realtime: authentication failed: %s: %v", e.Reason, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsAuthenticationFailure reports whether err is an *AuthError.
func IsAuthenticationFailure(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// authReason classifies an error from the identity or directory service.
func authReason(err error) string {
	switch {
	case errors.Is(err, ErrMissingCredentials):
		return ReasonMissingCredentials
	case errors.Is(err, rpc.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case session.IsAuthenticationFailure(err):
		return ReasonInvalidSession
	case errors.Is(err, session.ErrAccountLocked):
		return ReasonAccountLocked
	case directory.IsNotFound(err):
		return ReasonUnknownUser
	default:
		return ReasonUnavailable
	}
}
