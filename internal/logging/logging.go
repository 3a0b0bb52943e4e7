// Package logging provides the SDK's structured logger: a zerolog wrapper
// with opinionated defaults, plus a bounded in-memory debug log ring
// retrievable at runtime, per the resource cap on the debug logger
// (default 1000 entries).
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Options configures the root logger.
type Options struct {
	Level     string
	Format    string // "console" or "json"
	Component string
	Writer    io.Writer
	RingSize  int // capacity of the in-memory debug log, default 1000
}

// Logger wraps a zerolog.Logger plus the bounded debug ring used for the
// Supervisor's runtime-retrievable debug log.
type Logger struct {
	zl   zerolog.Logger
	ring *ring
}

// New builds a Logger from Options.
func New(opt Options) *Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var w io.Writer = os.Stderr
	if opt.Writer != nil {
		w = opt.Writer
	}
	if strings.ToLower(opt.Format) == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	ringSize := opt.RingSize
	if ringSize <= 0 {
		ringSize = 1000
	}
	r := newRing(ringSize)

	zl := zerolog.New(io.MultiWriter(w, r)).Level(parseLevel(opt.Level)).With().Timestamp().Logger()
	if opt.Component != "" {
		zl = zl.With().Str("component", opt.Component).Logger()
	}

	return &Logger{zl: zl, ring: r}
}

// Nop returns a Logger that discards everything, for tests.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop(), ring: newRing(1)}
}

func (l *Logger) Z() *zerolog.Logger { return &l.zl }

// Named returns a child logger tagged with a component name.
func (l *Logger) Named(component string) *Logger {
	zl := l.zl.With().Str("component", component).Logger()
	return &Logger{zl: zl, ring: l.ring}
}

// DebugLog returns a snapshot of the bounded in-memory debug log, oldest
// first, for runtime retrieval.
func (l *Logger) DebugLog() []string {
	return l.ring.snapshot()
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// ring is an io.Writer adapter that retains the last n log lines.
type ring struct {
	mu   sync.Mutex
	buf  []string
	next int
	full bool
}

func newRing(n int) *ring {
	return &ring{buf: make([]string, n)}
}

func (r *ring) Write(p []byte) (int, error) {
	line := strings.TrimRight(string(p), "\n")
	r.mu.Lock()
	r.buf[r.next] = line
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
	return len(p), nil
}

func (r *ring) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		out := make([]string, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]string, len(r.buf))
	copy(out, r.buf[r.next:])
	copy(out[len(r.buf)-r.next:], r.buf[:r.next])
	return out
}
