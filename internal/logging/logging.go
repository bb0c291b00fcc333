package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Key constants for structured log fields.
const (
	KeyComponent  = "component"
	KeySession    = "session"
	KeyRecording  = "recordingId"
	KeyTrack      = "track"
	KeyStream     = "stream"
	KeyDurationMs = "durationMs"
	KeyBytes      = "bytes"
	KeyError      = "error"
)

type contextKey struct{}

// deferredHandler resolves the configured handler on every call so that
// package loggers built by L before Init still follow the configuration.
// Derivations are replayed in order against the current root.
type deferredHandler struct {
	root   *atomic.Pointer[slog.Handler]
	derive []func(slog.Handler) slog.Handler
}

func (h *deferredHandler) resolve() slog.Handler {
	out := *h.root.Load()
	for _, d := range h.derive {
		out = d(out)
	}
	return out
}

func (h *deferredHandler) with(d func(slog.Handler) slog.Handler) *deferredHandler {
	derive := make([]func(slog.Handler) slog.Handler, len(h.derive), len(h.derive)+1)
	copy(derive, h.derive)
	return &deferredHandler{root: h.root, derive: append(derive, d)}
}

func (h *deferredHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.resolve().Enabled(ctx, level)
}

func (h *deferredHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.resolve().Handle(ctx, r)
}

func (h *deferredHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.with(func(base slog.Handler) slog.Handler { return base.WithAttrs(attrs) })
}

func (h *deferredHandler) WithGroup(name string) slog.Handler {
	return h.with(func(base slog.Handler) slog.Handler { return base.WithGroup(name) })
}

var (
	root          atomic.Pointer[slog.Handler]
	defaultLogger *slog.Logger
)

func init() {
	var h slog.Handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	root.Store(&h)
	defaultLogger = slog.New(&deferredHandler{root: &root})
	slog.SetDefault(defaultLogger)
}

// Init configures the process logger once config is loaded. format is
// "json" or "text", level one of debug/info/warn/error. A nil output
// writes to stderr.
func Init(format, level string, output io.Writer) {
	if output == nil {
		output = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var h slog.Handler
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(output, opts)
	} else {
		h = slog.NewTextHandler(output, opts)
	}
	root.Store(&h)
	slog.SetDefault(defaultLogger)
}

// L returns a logger tagged with the given component name.
func L(component string) *slog.Logger {
	return defaultLogger.With(slog.String(KeyComponent, component))
}

// WithRecording returns a child logger carrying the recording id.
func WithRecording(logger *slog.Logger, recordingID string) *slog.Logger {
	return logger.With(slog.String(KeyRecording, recordingID))
}

func NewContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext returns the logger stored by NewContext, or the default.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(contextKey{}).(*slog.Logger); ok {
		return l
	}
	return defaultLogger
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
