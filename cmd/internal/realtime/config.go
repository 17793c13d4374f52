package realtime

import (
	"time"

	"relay/cmd/internal/env"
)

const (
	// maxFrameBytes caps a single inbound frame; maxMessageChars caps message text in runes.
	maxFrameBytes   = 64 << 10
	maxMessageChars = 4000

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute

	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Inbound events allowed per connection per window.
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second

	// Browsers must send an allowed Origin; localhost only until configured.
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"

	// DefaultSessionCookie carries the refresh token.
	DefaultSessionCookie = "chat-session"
)

// GatewayConfig configures a WSGateway.
type GatewayConfig struct {
	// DevInsecure disables websocket.Accept origin verification. Dev only.
	DevInsecure    bool
	OriginRequired bool
	AllowedOrigins []string

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	RateEvents int
	RateWindow time.Duration

	// CookieName is the refresh token cookie.
	CookieName string
	// AllowQueryToken accepts ?access_token= for browser clients that cannot
	// set an Authorization header on the upgrade request.
	AllowQueryToken bool
	AuthTimeout     time.Duration
}

// DefaultGatewayConfig returns secure defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:   wsDefaultOriginRequired,
		AllowedOrigins:   env.SplitCSV(wsDefaultAllowedOrigins),
		WriteTimeout:     wsDefaultWriteTimeout,
		ReadIdleTimeout:  wsDefaultReadIdle,
		SendQueueSize:    wsDefaultSendQueueSize,
		HeartbeatEvery:   heartbeatInterval,
		HeartbeatTimeout: heartbeatTimeout,
		RateEvents:       rateLimitEvents,
		RateWindow:       rateLimitWindow,
		CookieName:       DefaultSessionCookie,
		AuthTimeout:      DefaultAuthTimeout,
	}
}

// LoadGatewayConfigFromEnv overlays RELAY_WS_* variables on the defaults.
// Invalid values fall back to the default.
func LoadGatewayConfigFromEnv() GatewayConfig {
	def := DefaultGatewayConfig()
	cfg := GatewayConfig{
		DevInsecure:      env.Bool("RELAY_WS_DEV_INSECURE", false),
		OriginRequired:   env.Bool("RELAY_WS_ORIGIN_REQUIRED", def.OriginRequired),
		AllowedOrigins:   env.CSV("RELAY_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins),
		WriteTimeout:     env.Duration("RELAY_WS_WRITE_TIMEOUT", def.WriteTimeout),
		ReadIdleTimeout:  env.Duration("RELAY_WS_READ_IDLE_TIMEOUT", def.ReadIdleTimeout),
		SendQueueSize:    env.Int("RELAY_WS_SEND_QUEUE", def.SendQueueSize),
		HeartbeatEvery:   env.Duration("RELAY_WS_HEARTBEAT_INTERVAL", def.HeartbeatEvery),
		HeartbeatTimeout: env.Duration("RELAY_WS_HEARTBEAT_TIMEOUT", def.HeartbeatTimeout),
		RateEvents:       env.Int("RELAY_WS_RATE_EVENTS", def.RateEvents),
		RateWindow:       env.Duration("RELAY_WS_RATE_WINDOW", def.RateWindow),
		CookieName:       env.String("RELAY_WS_COOKIE_NAME", def.CookieName),
		AllowQueryToken:  env.Bool("RELAY_WS_ALLOW_QUERY_TOKEN", false),
		AuthTimeout:      env.Duration("RELAY_WS_AUTH_TIMEOUT", def.AuthTimeout),
	}
	return cfg.normalized()
}

func (c GatewayConfig) normalized() GatewayConfig {
	def := DefaultGatewayConfig()
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = def.ReadIdleTimeout
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = def.HeartbeatEvery
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.CookieName == "" {
		c.CookieName = def.CookieName
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = def.AuthTimeout
	}
	return c
}
