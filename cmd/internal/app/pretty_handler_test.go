package app

import (
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestWrapSegments(t *testing.T) {
	t.Parallel()

	a, b, c := strings.Repeat("a", 20), strings.Repeat("b", 20), strings.Repeat("c", 20)

	cases := []struct {
		name  string
		segs  []string
		width int
		want  []string
	}{
		{"fits", []string{a, b}, 60, []string{a + " | " + b}},
		{"wraps", []string{a, b, c}, 60, []string{a + " | " + b, "-> " + c}},
		{"no limit", []string{a, b, c}, 0, []string{a + " | " + b + " | " + c}},
		{"skips empty", []string{"", a}, 60, []string{a}},
	}
	for _, tc := range cases {
		got := wrapSegments(tc.segs, " | ", tc.width, "-> ")
		if strings.Join(got, "\n") != strings.Join(tc.want, "\n") {
			t.Errorf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestWrapSegments_TruncatesOversizedSegment(t *testing.T) {
	t.Parallel()

	colored := ansiRed + strings.Repeat("x", 80) + ansiReset
	lines := wrapSegments([]string{"head", colored}, " ", 60, "-> ")
	if len(lines) != 2 {
		t.Fatalf("lines = %q", lines)
	}
	if n := visualLen(lines[1]); n != 60 || !strings.HasSuffix(lines[1], truncMarker) {
		t.Fatalf("continuation %q has visual length %d", lines[1], n)
	}
	if strings.Contains(lines[1], "\x1b[") {
		t.Fatalf("color survived truncation: %q", lines[1])
	}
}

func TestLogWidth(t *testing.T) {
	cases := []struct {
		override, columns string
		want              int
	}{
		{"88", "132", 88},
		{"", "72", 72},
		{"10", "20", defaultLogWidth},
		{"wide", "", defaultLogWidth},
	}
	for _, tc := range cases {
		t.Setenv("RELAY_LOG_WIDTH", tc.override)
		t.Setenv("COLUMNS", tc.columns)
		if got := logWidth(); got != tc.want {
			t.Errorf("logWidth(%q, %q) = %d, want %d", tc.override, tc.columns, got, tc.want)
		}
	}
}

func TestPrettyHandler_Record(t *testing.T) {
	t.Setenv("RELAY_LOG_WIDTH", "60")

	var buf strings.Builder
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, true)).
		With("node", "messaging-1").
		WithGroup("req")
	log.Info("http.request",
		"status_class", "2xx",
		slog.Group("peer", "ip", "10.0.0.1"),
		"err", errors.New("boom"),
		"note", strings.Repeat("n", 70),
	)

	out := buf.String()
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) < 2 {
		t.Fatalf("expected wrapped output, got %q", out)
	}
	for _, line := range lines {
		if visualLen(line) > 60 {
			t.Fatalf("line exceeds width: %q", line)
		}
	}

	plain := stripANSI(out)
	for _, want := range []string{"[INFO]", "node=messaging-1", "req.status_class=2xx", "req.peer.ip=10.0.0.1", "req.err=boom"} {
		if !strings.Contains(plain, want) {
			t.Errorf("missing %q in %q", want, plain)
		}
	}
}

func TestPrettyHandler_StylesKnownFields(t *testing.T) {
	var buf strings.Builder
	log := slog.New(newPrettyHandler(&buf, nil, true))
	log.Warn("http.request", "method", "post", "status", 503, "duration_ms", 1200, "result", "server_error")

	out := buf.String()
	for _, want := range []string{
		ansiYellow + "[WARN]",
		"method=" + ansiGreen + "POST",
		"status=" + ansiRed + "503",
		"duration=" + ansiRed + "1200ms",
		"result=" + ansiRed + "server_error",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in %q", want, out)
		}
	}

	buf.Reset()
	log.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug record written at default level: %q", buf.String())
	}
}
