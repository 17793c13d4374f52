package password

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Argon2idParams controls Argon2id hashing cost.
// MemoryKiB is in KiB as required by argon2.IDKey.
type Argon2idParams struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Policy bounds accepted passwords. MaxLength also caps the work an
// attacker can force through VerifyCredentials.
type Policy struct {
	MinLength      int
	MaxLength      int
	RejectVeryWeak bool
}

// Config is the single configuration surface for this package.
type Config struct {
	Params Argon2idParams
	Policy Policy
}

// DefaultConfig returns the production baseline: 64 MiB, 3 passes,
// parallelism following the CPU count clamped to [1..4].
func DefaultConfig() Config {
	threads := min(max(runtime.NumCPU(), 1), 4)

	return Config{
		Params: Argon2idParams{
			MemoryKiB:   64 * 1024,
			Iterations:  3,
			Parallelism: uint8(threads), // #nosec G115 -- clamped to [1..4].
			SaltLength:  16,
			KeyLength:   32,
		},
		Policy: Policy{
			MinLength: 12,
			MaxLength: 256,
		},
	}
}

// envBound is one bounded numeric override.
type envBound struct {
	key      string
	min, max uint64
	set      func(c *Config, v uint64)
}

var envBounds = []envBound{
	{"RELAY_PASSWORD_MIN_LEN", 1, 1024, func(c *Config, v uint64) { c.Policy.MinLength = int(v) }},
	{"RELAY_PASSWORD_MAX_LEN", 1, 4096, func(c *Config, v uint64) { c.Policy.MaxLength = int(v) }},
	{"RELAY_ARGON2_MEMORY_KIB", 8 * 1024, 1024 * 1024, func(c *Config, v uint64) { c.Params.MemoryKiB = uint32(v) }},
	{"RELAY_ARGON2_ITERATIONS", 1, 20, func(c *Config, v uint64) { c.Params.Iterations = uint32(v) }},
	{"RELAY_ARGON2_PARALLELISM", 1, 64, func(c *Config, v uint64) { c.Params.Parallelism = uint8(v) }},
	{"RELAY_ARGON2_SALT_LEN", 8, 64, func(c *Config, v uint64) { c.Params.SaltLength = uint32(v) }},
	{"RELAY_ARGON2_KEY_LEN", 16, 64, func(c *Config, v uint64) { c.Params.KeyLength = uint32(v) }},
}

// FromEnv overlays RELAY_PASSWORD_* and RELAY_ARGON2_* variables on
// DefaultConfig. Every invalid or out-of-range value is an ErrConfig.
func FromEnv() (Config, error) {
	cfg := DefaultConfig()

	for _, b := range envBounds {
		raw, ok := os.LookupEnv(b.key)
		if !ok {
			continue
		}
		v, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 32)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s: not an unsigned integer", ErrConfig, b.key)
		}
		if v < b.min || v > b.max {
			return Config{}, fmt.Errorf("%w: %s: out of range [%d..%d]", ErrConfig, b.key, b.min, b.max)
		}
		b.set(&cfg, v)
	}

	if raw, ok := os.LookupEnv("RELAY_PASSWORD_REJECT_VERY_WEAK"); ok {
		v, err := parseSwitch(raw)
		if err != nil {
			return Config{}, fmt.Errorf("%w: RELAY_PASSWORD_REJECT_VERY_WEAK: %v", ErrConfig, err)
		}
		cfg.Policy.RejectVeryWeak = v
	}

	if cfg.Policy.MinLength > cfg.Policy.MaxLength {
		return Config{}, fmt.Errorf("%w: min length %d exceeds max length %d",
			ErrConfig, cfg.Policy.MinLength, cfg.Policy.MaxLength)
	}
	return cfg, nil
}

// parseSwitch accepts strconv.ParseBool forms plus yes/no and on/off.
func parseSwitch(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "on":
		return true, nil
	case "no", "off":
		return false, nil
	}
	return strconv.ParseBool(strings.TrimSpace(s))
}
