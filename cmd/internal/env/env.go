// Package env reads typed configuration values from the process environment.
//
// Every reader trims the raw value and falls back to the default when the
// variable is unset, blank or unparsable. Numeric readers and Duration also
// fall back on values <= 0.
package env

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Signed is the set of integer kinds Int can produce.
type Signed interface {
	~int | ~int32 | ~int64
}

func lookup[T any](key string, def T, parse func(string) (T, bool)) T {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	if v, ok := parse(raw); ok {
		return v
	}
	return def
}

// String returns the trimmed value of key, or def.
func String(key, def string) string {
	return lookup(key, def, func(s string) (string, bool) { return s, true })
}

// Bool accepts any strconv.ParseBool form.
func Bool(key string, def bool) bool {
	return lookup(key, def, func(s string) (bool, bool) {
		b, err := strconv.ParseBool(s)
		return b, err == nil
	})
}

// Int reads a positive integer sized to T.
func Int[T Signed](key string, def T) T {
	var zero T
	bits := 64
	switch any(zero).(type) {
	case int32:
		bits = 32
	case int:
		bits = strconv.IntSize
	}
	return lookup(key, def, func(s string) (T, bool) {
		n, err := strconv.ParseInt(s, 10, bits)
		return T(n), err == nil && n > 0
	})
}

// Duration reads a positive time.ParseDuration value.
func Duration(key string, def time.Duration) time.Duration {
	return lookup(key, def, func(s string) (time.Duration, bool) {
		d, err := time.ParseDuration(s)
		return d, err == nil && d > 0
	})
}

// CSV splits key (or def when unset) on commas, dropping blank entries.
func CSV(key, def string) []string {
	return SplitCSV(String(key, def))
}

// SplitCSV splits raw on commas, trimming entries and dropping blanks.
// It returns nil when nothing remains.
func SplitCSV(raw string) []string {
	var out []string
	for p := range strings.SplitSeq(raw, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
