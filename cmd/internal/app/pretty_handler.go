package app

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"relay/cmd/internal/env"
)

const (
	ansiReset   = "\x1b[0m"
	ansiBright  = "\x1b[1m"
	ansiDim     = "\x1b[2m"
	ansiRed     = "\x1b[31m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiBlue    = "\x1b[34m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"
)

const (
	defaultLogWidth = 100
	minLogWidth     = 40
	truncMarker     = "…"
	contIndent      = "    "
)

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// palette paints strings when color output is on.
type palette bool

func (p palette) paint(code, s string) string {
	if !p {
		return s
	}
	return code + s + ansiReset
}

// prettyHandler is the console slog.Handler: one line per record, wrapped
// to the terminal width, with HTTP-ish fields colored.
type prettyHandler struct {
	mu     *sync.Mutex
	w      io.Writer
	opts   slog.HandlerOptions
	pal    palette
	prefix string   // open groups, "a.b."
	pre    []string // rendered WithAttrs segments
}

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, color bool) slog.Handler {
	h := &prettyHandler{mu: new(sync.Mutex), w: w, pal: palette(color)}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	if h.opts.Level == nil {
		return level >= slog.LevelInfo
	}
	return level >= h.opts.Level.Level()
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	segs := make([]string, 0, 4+len(h.pre)+r.NumAttrs())
	segs = append(segs,
		h.pal.paint(ansiDim, ts.Format("15:04:05.000")),
		h.levelTag(r.Level),
		h.pal.paint(ansiBright, r.Message),
	)
	if h.opts.AddSource && r.PC != 0 {
		f, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		if f.File != "" {
			segs = append(segs, "src="+h.pal.paint(ansiDim, filepath.Base(f.File)+":"+strconv.Itoa(f.Line)))
		}
	}
	segs = append(segs, h.pre...)
	r.Attrs(func(a slog.Attr) bool {
		segs = h.render(segs, h.prefix, a)
		return true
	})

	var b strings.Builder
	for _, line := range wrapSegments(segs, " ", logWidth(), contIndent) {
		b.WriteString(line)
		b.WriteByte('\n')
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.pre = append([]string(nil), h.pre...)
	for _, a := range attrs {
		cp.pre = h.render(cp.pre, h.prefix, a)
	}
	return &cp
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	if name = strings.TrimSpace(name); name == "" {
		return h
	}
	cp := *h
	cp.prefix = h.prefix + name + "."
	return &cp
}

// render appends key=value segments for a, flattening groups into dotted keys.
func (h *prettyHandler) render(segs []string, prefix string, a slog.Attr) []string {
	a.Value = a.Value.Resolve()
	key := strings.TrimSpace(a.Key)

	if a.Value.Kind() == slog.KindGroup {
		if key != "" {
			prefix += key + "."
		}
		for _, ga := range a.Value.Group() {
			segs = h.render(segs, prefix, ga)
		}
		return segs
	}
	if key == "" {
		return segs
	}

	full := prefix + key
	if st, ok := fieldStyles[full]; ok {
		if label, v, ok := st(a.Value, h.pal); ok {
			return append(segs, label+"="+v)
		}
	}
	return append(segs, full+"="+quoteIfNeeded(plainValue(a.Value)))
}

// fieldStyle renders a well-known field; ok=false falls back to plain text.
type fieldStyle func(v slog.Value, p palette) (label, out string, ok bool)

var fieldStyles = map[string]fieldStyle{
	"method": func(v slog.Value, p palette) (string, string, bool) {
		m := strings.ToUpper(strings.TrimSpace(v.String()))
		return "method", p.paint(methodColor(m), m), true
	},
	"path": func(v slog.Value, p palette) (string, string, bool) {
		return "path", p.paint(ansiCyan, strings.TrimSpace(v.String())), true
	},
	"status": func(v slog.Value, p palette) (string, string, bool) {
		n, ok := valueToInt64(v)
		return "status", p.paint(statusColor(n), strconv.FormatInt(n, 10)), ok
	},
	"status_class": func(v slog.Value, p palette) (string, string, bool) {
		c := strings.TrimSpace(v.String())
		code, ok := classColors[c]
		return "class", p.paint(code, c), ok
	},
	"duration_ms": func(v slog.Value, p palette) (string, string, bool) {
		n, ok := valueToInt64(v)
		code := ansiDim
		switch {
		case n >= 1000:
			code = ansiRed
		case n >= 250:
			code = ansiYellow
		}
		return "duration", p.paint(code, strconv.FormatInt(n, 10)+"ms"), ok
	},
	"result": func(v slog.Value, p palette) (string, string, bool) {
		res := strings.ToLower(strings.TrimSpace(v.String()))
		code, ok := resultColors[res]
		return "result", p.paint(code, res), ok
	},
	"err": func(v slog.Value, p palette) (string, string, bool) {
		return "err", p.paint(ansiRed, quoteIfNeeded(plainValue(v))), true
	},
}

var (
	classColors = map[string]string{
		"2xx": ansiGreen, "3xx": ansiCyan, "4xx": ansiYellow, "5xx": ansiRed,
	}
	resultColors = map[string]string{
		"success": ansiGreen, "redirect": ansiCyan, "client_error": ansiYellow, "server_error": ansiRed,
	}
)

func methodColor(m string) string {
	switch m {
	case "GET", "HEAD", "OPTIONS":
		return ansiBlue
	case "POST":
		return ansiGreen
	case "PUT", "PATCH":
		return ansiYellow
	case "DELETE":
		return ansiRed
	}
	return ansiMagenta
}

func statusColor(n int64) string {
	switch {
	case n >= 500:
		return ansiRed
	case n >= 400:
		return ansiYellow
	case n >= 300:
		return ansiCyan
	}
	return ansiGreen
}

func (h *prettyHandler) levelTag(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return h.pal.paint(ansiRed, "[ERROR]")
	case l >= slog.LevelWarn:
		return h.pal.paint(ansiYellow, "[WARN]")
	case l < slog.LevelInfo:
		return h.pal.paint(ansiMagenta, "[DEBUG]")
	}
	return h.pal.paint(ansiBlue, "[INFO]")
}

func plainValue(v slog.Value) string {
	if v.Kind() == slog.KindTime {
		return v.Time().Format(time.RFC3339)
	}
	return v.String()
}

func quoteIfNeeded(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\r\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

func valueToInt64(v slog.Value) (int64, bool) {
	switch v.Kind() {
	case slog.KindInt64:
		return v.Int64(), true
	case slog.KindUint64:
		return int64(v.Uint64()), true // #nosec G115 -- display only.
	case slog.KindFloat64:
		return int64(v.Float64()), true
	case slog.KindDuration:
		return v.Duration().Milliseconds(), true
	case slog.KindString:
		n, err := strconv.ParseInt(strings.TrimSpace(v.String()), 10, 64)
		return n, err == nil
	}
	return 0, false
}

func stripANSI(s string) string { return ansiPattern.ReplaceAllString(s, "") }

func visualLen(s string) int { return utf8.RuneCountInString(stripANSI(s)) }

// truncateVisual cuts s to width visible runes including the marker.
// Color codes do not survive truncation.
func truncateVisual(s string, width int) string {
	if visualLen(s) <= width {
		return s
	}
	if width <= 1 {
		return truncMarker
	}
	return string([]rune(stripANSI(s))[:width-1]) + truncMarker
}

// wrapSegments greedily packs segs into lines of at most width visible runes.
// Continuation lines begin with indent; an oversized segment is truncated.
func wrapSegments(segs []string, sep string, width int, indent string) []string {
	if width <= 0 {
		return []string{strings.Join(segs, sep)}
	}

	var (
		lines []string
		line  []string
		used  int
	)
	flush := func() {
		if len(line) > 0 {
			lines = append(lines, strings.Join(line, sep))
			line, used = line[:0], 0
		}
	}

	for _, seg := range segs {
		if seg == "" {
			continue
		}
		n := visualLen(seg)
		if len(line) > 0 && used+visualLen(sep)+n <= width {
			line = append(line, seg)
			used += visualLen(sep) + n
			continue
		}

		lead := ""
		if len(line) > 0 || len(lines) > 0 {
			lead = indent
		}
		flush()
		if room := width - visualLen(lead); n > room {
			seg = truncateVisual(seg, room)
		}
		line = append(line, lead+seg)
		used = visualLen(lead + seg)
	}
	flush()
	return lines
}

// logWidth is RELAY_LOG_WIDTH, else COLUMNS, else defaultLogWidth.
// Widths under minLogWidth are ignored.
func logWidth() int {
	for _, key := range []string{"RELAY_LOG_WIDTH", "COLUMNS"} {
		if n := env.Int(key, 0); n >= minLogWidth {
			return n
		}
	}
	return defaultLogWidth
}
