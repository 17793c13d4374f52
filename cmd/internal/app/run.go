package app

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"relay/cmd/internal/auth/session"
)

// Run is the CLI entrypoint used by cmd/relay.
// It returns an error instead of calling os.Exit to keep defers effective and lint clean.
//
//	relay                 serve the configured role
//	relay migrate up|down apply or roll back the session schema
func Run(args []string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	if len(args) > 0 && args[0] == "migrate" {
		return runMigrate(cfg, log, args[1:])
	}

	if err := ValidateSecurityConfig(cfg); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := New(ctx, cfg, log)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}

func runMigrate(cfg Config, log Logger, args []string) error {
	direction := "up"
	if len(args) > 0 {
		direction = args[0]
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("%w: migrate requires RELAY_DATABASE_URL", ErrConfig)
	}
	if err := session.Migrate(cfg.DatabaseURL, direction); err != nil {
		return err
	}
	log.Info("db.migrate.done", "direction", direction)
	return nil
}
