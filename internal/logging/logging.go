package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Field names shared by every component.
const (
	KeyRunID      = "runId"
	KeyComponent  = "component"
	KeyVersion    = "version"
	KeyPatchFile  = "patchFile"
	KeyLocalFile  = "localFile"
	KeyDurationMs = "durationMs"
	KeyError      = "error"
)

// Options selects the log format, level and destination.
type Options struct {
	Format     string // "json" or "text"
	Level      string // "debug", "info", "warn" or "error"
	File       string // empty logs to stderr only
	MaxSizeMB  int
	MaxBackups int
	Tee        bool // with File, also write to stderr
}

// deferred forwards to whatever handler Configure installed last, so loggers
// built at package init follow later configuration.
type deferred struct {
	target *atomic.Pointer[slog.Handler]
	attrs  []slog.Attr
	group  []string
}

func (d *deferred) resolve() slog.Handler {
	h := *d.target.Load()
	for _, g := range d.group {
		h = h.WithGroup(g)
	}
	if len(d.attrs) > 0 {
		h = h.WithAttrs(d.attrs)
	}
	return h
}

func (d *deferred) Enabled(ctx context.Context, l slog.Level) bool {
	return d.resolve().Enabled(ctx, l)
}

func (d *deferred) Handle(ctx context.Context, r slog.Record) error {
	return d.resolve().Handle(ctx, r)
}

func (d *deferred) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &deferred{
		target: d.target,
		attrs:  append(append([]slog.Attr(nil), d.attrs...), attrs...),
		group:  d.group,
	}
}

func (d *deferred) WithGroup(name string) slog.Handler {
	return &deferred{
		target: d.target,
		attrs:  d.attrs,
		group:  append(append([]string(nil), d.group...), name),
	}
}

var current atomic.Pointer[slog.Handler]

var root = &deferred{target: &current}

func init() {
	var h slog.Handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	current.Store(&h)
	slog.SetDefault(slog.New(root))
}

// Configure swaps the handler behind every logger returned by L.
func Configure(format, level string, out io.Writer) {
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var h slog.Handler
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(out, opts)
	} else {
		h = slog.NewTextHandler(out, opts)
	}
	current.Store(&h)
}

// Setup configures logging from opts. The returned closer releases the log
// file and must be closed on exit.
func Setup(opts Options) (io.Closer, error) {
	if opts.File == "" {
		Configure(opts.Format, opts.Level, nil)
		return io.NopCloser(nil), nil
	}

	fw, err := NewFileWriter(opts.File, opts.MaxSizeMB, opts.MaxBackups)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	var out io.Writer = fw
	if opts.Tee {
		out = io.MultiWriter(fw, os.Stderr)
	}
	Configure(opts.Format, opts.Level, out)
	return fw, nil
}

// L returns a logger tagged with the given component name.
func L(component string) *slog.Logger {
	return slog.New(root).With(slog.String(KeyComponent, component))
}

// WithRun tags logger with an update run id.
func WithRun(logger *slog.Logger, runID string) *slog.Logger {
	return logger.With(slog.String(KeyRunID, runID))
}

func parseLevel(s string) slog.Level {
	var l slog.Level
	switch v := strings.ToLower(strings.TrimSpace(s)); v {
	case "warning":
		return slog.LevelWarn
	default:
		if err := l.UnmarshalText([]byte(v)); err != nil {
			return slog.LevelInfo
		}
		return l
	}
}
