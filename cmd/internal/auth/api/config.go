package authapi

import (
	"net/http"
	"strings"
	"time"

	"relay/cmd/internal/env"
)

// DefaultCookieName carries the refresh token. The WebSocket gateway reads the
// same cookie on upgrade.
const DefaultCookieName = "chat-session"

// Config controls auth API behavior and security defaults.
type Config struct {
	TrustProxy   bool
	MaxBodyBytes int64

	// LoginIPMax failed logins per LoginIPWindow lock an IP out until the
	// window ends.
	LoginIPMax    int
	LoginIPWindow time.Duration

	CookieName     string
	CookiePath     string
	CookieDomain   string
	CookieSecure   bool
	CookieSameSite http.SameSite

	// CallTimeout bounds each RPC to the backing services.
	CallTimeout time.Duration

	// AllowRegistration serves POST /auth/register.
	AllowRegistration bool
}

// DefaultConfig returns secure defaults.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:   1 << 20, // 1 MiB
		LoginIPMax:     20,
		LoginIPWindow:  5 * time.Minute,
		CookieName:     DefaultCookieName,
		CookiePath:     "/",
		CookieSecure:   true,
		CookieSameSite: http.SameSiteLaxMode,
		CallTimeout:    5 * time.Second,
	}
}

// LoadConfigFromEnv loads auth config from RELAY_AUTH_* variables with safe defaults.
func LoadConfigFromEnv() Config {
	def := DefaultConfig()
	cfg := Config{
		TrustProxy:     env.Bool("RELAY_AUTH_TRUST_PROXY", false),
		MaxBodyBytes:   env.Int("RELAY_AUTH_MAX_BODY_BYTES", def.MaxBodyBytes),
		LoginIPMax:     env.Int("RELAY_AUTH_LOGIN_IP_MAX", def.LoginIPMax),
		LoginIPWindow:  env.Duration("RELAY_AUTH_LOGIN_IP_WINDOW", def.LoginIPWindow),
		CookieName:     env.String("RELAY_AUTH_COOKIE_NAME", def.CookieName),
		CookiePath:     env.String("RELAY_AUTH_COOKIE_PATH", def.CookiePath),
		CookieDomain:   env.String("RELAY_AUTH_COOKIE_DOMAIN", ""),
		CookieSecure:   env.Bool("RELAY_AUTH_COOKIE_SECURE", def.CookieSecure),
		CookieSameSite: parseSameSite(env.String("RELAY_AUTH_COOKIE_SAMESITE", "lax")),
		CallTimeout:    env.Duration("RELAY_AUTH_CALL_TIMEOUT", def.CallTimeout),

		AllowRegistration: env.Bool("RELAY_AUTH_ALLOW_REGISTRATION", false),
	}

	// Browsers drop SameSite=None cookies that are not Secure.
	if cfg.CookieSameSite == http.SameSiteNoneMode {
		cfg.CookieSecure = true
	}
	return cfg
}

func parseSameSite(v string) http.SameSite {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	case "default":
		return http.SameSiteDefaultMode
	default:
		return http.SameSiteLaxMode
	}
}
