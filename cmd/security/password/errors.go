package password

import "errors"

var (
	ErrPasswordTooShort = errors.New("password: too short")
	ErrPasswordTooLong  = errors.New("password: too long")
	ErrWeakPassword     = errors.New("password: too weak")

	// ErrInvalidHash reports a stored hash that is malformed, uses an
	// unsupported algorithm, or exceeds the verification budget.
	ErrInvalidHash = errors.New("password: invalid hash")

	// ErrConfig wraps every invalid RELAY_PASSWORD_* / RELAY_ARGON2_* value.
	ErrConfig = errors.New("password: invalid config")
)
