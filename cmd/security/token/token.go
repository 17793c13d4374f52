package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"os"
	"strings"
)

const (
	// HMACEnvKey is the env var name for the fingerprint HMAC secret.
	// #nosec G101 -- not a credential; it's an environment variable name.
	HMACEnvKey = "RELAY_TOKEN_HMAC_KEY"

	// MinHMACKeyBytes is the minimum accepted HMAC key size under policy.
	MinHMACKeyBytes = 32
)

// Scheme prefixes stored on every fingerprint. Rotating from unkeyed to keyed
// fingerprints therefore invalidates old rows instead of comparing across schemes.
const (
	SchemeSHA256 = "s256"
	SchemeHMAC   = "h256"
)

// HMACKeyFromEnv returns the configured HMAC key bytes (trimmed), enforcing a minimum byte length.
func HMACKeyFromEnv(minBytes int) ([]byte, error) {
	key := envKey()
	if len(key) == 0 {
		return nil, ErrHMACKeyMissing
	}
	if minBytes > 0 && len(key) < minBytes {
		return nil, ErrHMACKeyTooShort
	}
	return key, nil
}

// HMACEnabled reports whether the env key is present (non-empty after trim).
func HMACEnabled() bool { return len(envKey()) > 0 }

// Fingerprint hashes a refresh token for storage on its session row:
// "h256:" + HMAC-SHA256 when RELAY_TOKEN_HMAC_KEY is set, "s256:" + SHA-256 otherwise.
func Fingerprint(token string) string {
	return fingerprint(token, envKey())
}

// Matches reports whether token produces the stored fingerprint under the
// current key. The comparison is constant time.
func Matches(stored, token string) bool {
	if stored == "" || token == "" {
		return false
	}
	got := Fingerprint(token)
	if len(got) != len(stored) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(stored)) == 1
}

func fingerprint(token string, key []byte) string {
	if len(key) == 0 {
		sum := sha256.Sum256([]byte(token))
		return SchemeSHA256 + ":" + hex.EncodeToString(sum[:])
	}
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(token))
	return SchemeHMAC + ":" + hex.EncodeToString(m.Sum(nil))
}

func envKey() []byte {
	raw := strings.TrimSpace(os.Getenv(HMACEnvKey))
	if raw == "" {
		return nil
	}
	return []byte(raw)
}
