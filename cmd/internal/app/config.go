package app

import (
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"relay/cmd/internal/env"
)

// Roles select which services a process runs.
const (
	RoleIdentity  = "identity"
	RoleDirectory = "directory"
	RoleMessaging = "messaging"
	RoleAll       = "all"
)

// Backend names for pluggable infrastructure.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendKafka    = "kafka"
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
)

// ErrConfig is returned for invalid configuration.
var ErrConfig = errors.New("invalid config")

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	Role   string
	NodeID string

	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// Bus carries RPC between services: memory (single process) or redis.
	Bus string
	// Fanout carries realtime deliveries between messaging nodes.
	Fanout         string
	SessionStore   string
	DirectoryStore string

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	// DBMigrate applies the session schema on identity startup.
	DBMigrate bool

	MongoURI      string
	MongoDatabase string

	RedisURL     string
	KafkaBrokers []string

	DirectorySeedFile string

	RPCTimeout time.Duration
	RPCWorkers int

	// ReadinessTimeout bounds each dependency check in /readyz.
	ReadinessTimeout time.Duration

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	// Security policy:
	// If true, RELAY_TOKEN_HMAC_KEY MUST be set (>= 32 bytes) and refresh-token
	// fingerprints must be HMAC-based.
	RequireTokenHMAC bool
}

// Runs reports whether the process hosts service role.
func (c Config) Runs(role string) bool {
	return c.Role == RoleAll || c.Role == role
}

// LoadConfig reads an optional .env file (RELAY_ENV_FILE, default ".env"),
// then loads Config from environment variables with defaults. Variables
// already set in the environment win over the file.
func LoadConfig() (Config, error) {
	envFile := env.String("RELAY_ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg := Config{
		Role:      strings.ToLower(env.String("RELAY_ROLE", RoleAll)),
		NodeID:    env.String("RELAY_NODE_ID", ""),
		HTTPAddr:  env.String("RELAY_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  env.String("RELAY_LOG_LEVEL", "info"),
		LogFormat: strings.ToLower(env.String("RELAY_LOG_FORMAT", "json")),

		ReadHeaderTimeout: env.Duration("RELAY_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       env.Duration("RELAY_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      env.Duration("RELAY_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       env.Duration("RELAY_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: env.Int("RELAY_HTTP_MAX_HEADER_BYTES", 1<<20),

		Bus:            strings.ToLower(env.String("RELAY_BUS", BackendMemory)),
		Fanout:         strings.ToLower(env.String("RELAY_FANOUT", BackendMemory)),
		SessionStore:   strings.ToLower(env.String("RELAY_SESSION_STORE", BackendMemory)),
		DirectoryStore: strings.ToLower(env.String("RELAY_DIRECTORY_STORE", BackendMemory)),

		DatabaseURL: env.String("RELAY_DATABASE_URL", ""),
		DBMaxConns:  env.Int[int32]("RELAY_DB_MAX_CONNS", 10),
		DBMinConns:  env.Int[int32]("RELAY_DB_MIN_CONNS", 0),
		DBMigrate:   env.Bool("RELAY_DB_MIGRATE", false),

		MongoURI:      env.String("RELAY_MONGO_URI", ""),
		MongoDatabase: env.String("RELAY_MONGO_DATABASE", "relay"),

		RedisURL:     env.String("RELAY_REDIS_URL", ""),
		KafkaBrokers: env.CSV("RELAY_KAFKA_BROKERS", ""),

		DirectorySeedFile: env.String("RELAY_DIRECTORY_SEED_FILE", ""),

		RPCTimeout: env.Duration("RELAY_RPC_TIMEOUT", 5*time.Second),
		RPCWorkers: env.Int("RELAY_RPC_WORKERS", 64),

		ReadinessTimeout: env.Duration("RELAY_READINESS_TIMEOUT", 2*time.Second),

		CORSAllowedOrigins:   env.CSV("RELAY_CORS_ALLOWED_ORIGINS", ""),
		CORSAllowCredentials: env.Bool("RELAY_CORS_ALLOW_CREDENTIALS", true),
		CORSMaxAgeSeconds:    env.Int("RELAY_CORS_MAX_AGE_SECONDS", 600),

		RequireTokenHMAC: env.Bool("RELAY_REQUIRE_TOKEN_HMAC", false),
	}
	if cfg.NodeID == "" {
		cfg.NodeID = cfg.Role + "-" + uuid.NewString()[:8]
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that every selected backend is known and configured.
func (c Config) Validate() error {
	if !slices.Contains([]string{RoleIdentity, RoleDirectory, RoleMessaging, RoleAll}, c.Role) {
		return fmt.Errorf("%w: RELAY_ROLE=%q", ErrConfig, c.Role)
	}

	switch c.Bus {
	case BackendMemory:
		// Separate processes cannot share an in-memory bus.
		if c.Role != RoleAll {
			return fmt.Errorf("%w: RELAY_BUS=memory requires RELAY_ROLE=all", ErrConfig)
		}
	case BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("%w: RELAY_BUS=redis requires RELAY_REDIS_URL", ErrConfig)
		}
	default:
		return fmt.Errorf("%w: RELAY_BUS=%q", ErrConfig, c.Bus)
	}

	if c.Runs(RoleMessaging) {
		switch c.Fanout {
		case BackendMemory:
		case BackendRedis:
			if c.RedisURL == "" {
				return fmt.Errorf("%w: RELAY_FANOUT=redis requires RELAY_REDIS_URL", ErrConfig)
			}
		case BackendKafka:
			if len(c.KafkaBrokers) == 0 {
				return fmt.Errorf("%w: RELAY_FANOUT=kafka requires RELAY_KAFKA_BROKERS", ErrConfig)
			}
		default:
			return fmt.Errorf("%w: RELAY_FANOUT=%q", ErrConfig, c.Fanout)
		}
	}

	if c.Runs(RoleIdentity) {
		switch c.SessionStore {
		case BackendMemory:
		case BackendPostgres:
			if c.DatabaseURL == "" {
				return fmt.Errorf("%w: RELAY_SESSION_STORE=postgres requires RELAY_DATABASE_URL", ErrConfig)
			}
		case BackendMongo:
			if c.MongoURI == "" {
				return fmt.Errorf("%w: RELAY_SESSION_STORE=mongo requires RELAY_MONGO_URI", ErrConfig)
			}
		default:
			return fmt.Errorf("%w: RELAY_SESSION_STORE=%q", ErrConfig, c.SessionStore)
		}
	}

	if c.Runs(RoleDirectory) {
		switch c.DirectoryStore {
		case BackendMemory:
		case BackendMongo:
			if c.MongoURI == "" {
				return fmt.Errorf("%w: RELAY_DIRECTORY_STORE=mongo requires RELAY_MONGO_URI", ErrConfig)
			}
		default:
			return fmt.Errorf("%w: RELAY_DIRECTORY_STORE=%q", ErrConfig, c.DirectoryStore)
		}
	}
	return nil
}
