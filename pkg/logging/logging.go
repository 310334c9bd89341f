// Package logging provides the narrow log sink the bridge components write
// to, backed by log/slog with optional rotating file output.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
)

type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

type Options struct {
	Level  string // debug|info|warn|error
	Format string // text|json
	// File enables rotated file output in addition to stdout. The path may
	// contain strftime patterns, e.g. "/var/log/issuebridge.%Y%m%d.log".
	File         string
	RotationTime time.Duration
	MaxAge       time.Duration
}

// New builds a slog-backed Logger. The returned closer releases the rotated
// file when one is configured.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	var out io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}
	if strings.TrimSpace(opts.File) != "" {
		rotation := opts.RotationTime
		if rotation <= 0 {
			rotation = 24 * time.Hour
		}
		maxAge := opts.MaxAge
		if maxAge <= 0 {
			maxAge = 7 * 24 * time.Hour
		}
		rl, err := rotatelogs.New(
			opts.File,
			rotatelogs.WithRotationTime(rotation),
			rotatelogs.WithMaxAge(maxAge),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(os.Stdout, rl)
		closer = rl
	}
	handlerOpts := &slog.HandlerOptions{Level: parseLevel(opts.Level)}
	var handler slog.Handler
	if strings.EqualFold(opts.Format, "json") {
		handler = slog.NewJSONHandler(out, handlerOpts)
	} else {
		handler = slog.NewTextHandler(out, handlerOpts)
	}
	return slog.New(handler), closer, nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Nop discards everything.
type Nop struct{}

func (Nop) Info(string, ...any)  {}
func (Nop) Error(string, ...any) {}

type Entry struct {
	Level   string
	Message string
	Args    []any
}

// Recorder keeps every entry in memory. Tests use it to assert on exact log
// lines.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

func (r *Recorder) Info(msg string, args ...any)  { r.add("info", msg, args) }
func (r *Recorder) Error(msg string, args ...any) { r.add("error", msg, args) }

func (r *Recorder) add(level, msg string, args []any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, Entry{Level: level, Message: msg, Args: append([]any(nil), args...)})
}

func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}

// Count returns how many entries have exactly the given message.
func (r *Recorder) Count(msg string) int {
	n := 0
	for _, e := range r.Entries() {
		if e.Message == msg {
			n++
		}
	}
	return n
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = nil
}
