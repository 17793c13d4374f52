package session

import "errors"

var (
	// ErrInvalidToken is returned when a token is malformed, carries the wrong
	// issuer or token use, or lacks required claims.
	ErrInvalidToken = errors.New("invalid token")

	// ErrInvalidSignature is returned when a token signature does not verify
	// or uses an algorithm other than RS256.
	ErrInvalidSignature = errors.New("invalid token signature")

	// ErrExpired is returned when a token or its session is past expiry.
	ErrExpired = errors.New("token expired")

	// ErrSessionNotFound is returned by stores when no row matches.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExists is returned by stores on a duplicate session id.
	ErrSessionExists = errors.New("session already exists")

	// ErrSessionRevoked is returned by renewal when the session row is absent or
	// no longer matches the presented refresh token.
	ErrSessionRevoked = errors.New("session revoked")

	// ErrInvalidCredentials is returned by Login on an unknown user or wrong password.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrAccountLocked is returned by Login for locked accounts.
	ErrAccountLocked = errors.New("account locked")

	// ErrUsernameTaken is returned by Register when the username is in use.
	ErrUsernameTaken = errors.New("username taken")

	// ErrInvalidInput is returned when request fields fail validation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNoSigningKey is returned when issuing without a private key.
	ErrNoSigningKey = errors.New("no signing key configured")

	// ErrRevocationNotDelivered is returned when rows were deleted but the
	// forced-disconnect command could not be published.
	ErrRevocationNotDelivered = errors.New("revocation not propagated to live connections")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)

// IsAuthenticationFailure reports whether err means the presented credentials
// must be rejected (as opposed to a transport or internal failure).
func IsAuthenticationFailure(err error) bool {
	return errors.Is(err, ErrInvalidToken) ||
		errors.Is(err, ErrInvalidSignature) ||
		errors.Is(err, ErrExpired) ||
		errors.Is(err, ErrSessionRevoked)
}
