package token

import "errors"

var (
	// ErrHMACKeyMissing means RELAY_TOKEN_HMAC_KEY is unset or blank.
	ErrHMACKeyMissing = errors.New("token: hmac key missing")
	// ErrHMACKeyTooShort means the key is below the required byte length.
	ErrHMACKeyTooShort = errors.New("token: hmac key too short")
)
