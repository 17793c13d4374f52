package app

import (
	"errors"
	"fmt"

	"relay/cmd/internal/auth/session"
	"relay/cmd/security/token"
)

// ValidateSecurityConfig enforces the security policy at startup.
//
// Fail fast: a node that would silently fall back to weaker crypto must not start.
func ValidateSecurityConfig(cfg Config) error {
	if cfg.RequireTokenHMAC {
		// The key is used as raw bytes, so the minimum is measured in bytes.
		if _, err := token.HMACKeyFromEnv(token.MinHMACKeyBytes); err != nil {
			switch {
			case errors.Is(err, token.ErrHMACKeyMissing):
				return errors.New("security policy: RELAY_REQUIRE_TOKEN_HMAC=true but RELAY_TOKEN_HMAC_KEY is missing")
			case errors.Is(err, token.ErrHMACKeyTooShort):
				return errors.New("security policy: RELAY_REQUIRE_TOKEN_HMAC=true but RELAY_TOKEN_HMAC_KEY is too short (min 32 bytes)")
			default:
				return err
			}
		}
		if !token.HMACEnabled() {
			return errors.New("security policy: RELAY_REQUIRE_TOKEN_HMAC=true but token hasher is not in HMAC mode")
		}
	}
	return nil
}

// validateSessionConfig requires signing material on nodes that mint tokens.
func validateSessionConfig(cfg Config, sc session.Config) error {
	if !cfg.Runs(RoleIdentity) {
		return nil
	}
	if !sc.CanIssue() {
		return fmt.Errorf("%w: identity role requires RELAY_AUTH_PRIVATE_KEY_PEM or RELAY_AUTH_PRIVATE_KEY_FILE", session.ErrConfig)
	}
	return nil
}
