package session

import (
	"crypto/rsa"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Config defines runtime configuration for the Session Authority and for
// services that only verify tokens.
type Config struct {
	// Issuer is set in and required on every token ("iss").
	Issuer string

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// ClockSkew is the leeway applied to exp/iat checks.
	ClockSkew time.Duration

	// AlwaysRemint makes Renew mint a new access token even when the presented
	// one is still valid, so role changes apply on the next renewal.
	AlwaysRemint bool

	// PrivateKey signs tokens. Only the identity service needs it.
	PrivateKey *rsa.PrivateKey
	// PublicKey verifies tokens. Derived from PrivateKey when not set.
	PublicKey *rsa.PublicKey
}

// DefaultConfig returns the token lifetimes used in production; keys must be supplied.
func DefaultConfig() Config {
	return Config{
		Issuer:          "relay",
		AccessTokenTTL:  20 * time.Minute,
		RefreshTokenTTL: 90 * 24 * time.Hour,
		ClockSkew:       30 * time.Second,
	}
}

// LoadConfigFromEnv loads session configuration from environment variables.
//
// Keys (PEM, inline or via *_FILE); at least one is required:
//   - RELAY_AUTH_PRIVATE_KEY_PEM / RELAY_AUTH_PRIVATE_KEY_FILE
//   - RELAY_AUTH_PUBLIC_KEY_PEM / RELAY_AUTH_PUBLIC_KEY_FILE
//
// Optional:
//   - RELAY_AUTH_ISSUER
//   - RELAY_AUTH_ACCESS_TTL, RELAY_AUTH_REFRESH_TTL, RELAY_AUTH_CLOCK_SKEW (Go durations)
//   - RELAY_AUTH_ALWAYS_REMINT (bool)
//
// Returns an error wrapping ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("RELAY_AUTH_ISSUER")); v != "" {
		cfg.Issuer = v
	}

	for _, d := range []struct {
		key       string
		dst       *time.Duration
		allowZero bool
	}{
		{key: "RELAY_AUTH_ACCESS_TTL", dst: &cfg.AccessTokenTTL},
		{key: "RELAY_AUTH_REFRESH_TTL", dst: &cfg.RefreshTokenTTL},
		{key: "RELAY_AUTH_CLOCK_SKEW", dst: &cfg.ClockSkew, allowZero: true},
	} {
		v := strings.TrimSpace(os.Getenv(d.key))
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil || parsed < 0 || (parsed == 0 && !d.allowZero) {
			return Config{}, fmt.Errorf("%w: %s", ErrConfig, d.key)
		}
		*d.dst = parsed
	}

	if v := strings.TrimSpace(os.Getenv("RELAY_AUTH_ALWAYS_REMINT")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("%w: RELAY_AUTH_ALWAYS_REMINT", ErrConfig)
		}
		cfg.AlwaysRemint = b
	}

	privPEM, err := pemFromEnv("RELAY_AUTH_PRIVATE_KEY_PEM", "RELAY_AUTH_PRIVATE_KEY_FILE")
	if err != nil {
		return Config{}, err
	}
	pubPEM, err := pemFromEnv("RELAY_AUTH_PUBLIC_KEY_PEM", "RELAY_AUTH_PUBLIC_KEY_FILE")
	if err != nil {
		return Config{}, err
	}

	if privPEM != "" {
		key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privPEM))
		if err != nil {
			return Config{}, fmt.Errorf("%w: private key: %v", ErrConfig, err)
		}
		cfg.PrivateKey = key
	}
	if pubPEM != "" {
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(pubPEM))
		if err != nil {
			return Config{}, fmt.Errorf("%w: public key: %v", ErrConfig, err)
		}
		cfg.PublicKey = key
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks invariants and derives PublicKey from PrivateKey when needed.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Issuer) == "" {
		return fmt.Errorf("%w: empty issuer", ErrConfig)
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 {
		return fmt.Errorf("%w: token ttl must be positive", ErrConfig)
	}
	if c.AccessTokenTTL >= c.RefreshTokenTTL {
		return fmt.Errorf("%w: access ttl must be shorter than refresh ttl", ErrConfig)
	}
	if c.PrivateKey == nil && c.PublicKey == nil {
		return fmt.Errorf("%w: no signing or verification key", ErrConfig)
	}
	if c.PrivateKey != nil {
		if c.PrivateKey.N.BitLen() < 2048 {
			return fmt.Errorf("%w: rsa key must be at least 2048 bits", ErrConfig)
		}
		derived := &c.PrivateKey.PublicKey
		if c.PublicKey == nil {
			c.PublicKey = derived
		} else if !c.PublicKey.Equal(derived) {
			return fmt.Errorf("%w: public key does not match private key", ErrConfig)
		}
	}
	return nil
}

// CanIssue reports whether the config carries a signing key.
func (c Config) CanIssue() bool { return c.PrivateKey != nil }

func pemFromEnv(inlineKey, fileKey string) (string, error) {
	if v := strings.TrimSpace(os.Getenv(inlineKey)); v != "" {
		// Allow single-line env values with literal "\n".
		return strings.ReplaceAll(v, `\n`, "\n"), nil
	}
	path := strings.TrimSpace(os.Getenv(fileKey))
	if path == "" {
		return "", nil
	}
	b, err := os.ReadFile(path) // #nosec G304 -- operator-supplied key path.
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrConfig, fileKey, err)
	}
	return string(b), nil
}
