// Package token fingerprints refresh tokens for server-side session rows.
//
// A session row stores only the fingerprint of the refresh token it was issued
// with, so a leaked row never yields a usable credential and a re-signed token
// for the same session id does not match.
//
// Environment:
//   - RELAY_TOKEN_HMAC_KEY: when set, fingerprints are HMAC-SHA256(token, key);
//     otherwise SHA-256(token) (dev only). Fingerprints carry a scheme prefix
//     ("h256:" or "s256:"), so switching modes invalidates existing rows.
//
// Policy: with RELAY_REQUIRE_TOKEN_HMAC=true, startup fails unless the key is
// present and at least 32 bytes long.
package token
