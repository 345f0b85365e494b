package plog

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Custom log levels. Notice sits between Debug and Info and is used for
// per-item operations (COPY, DELETE, TRANSFER) that are too chatty for Info.
const (
	LevelDebug  = slog.LevelDebug
	LevelNotice = slog.Level(-2)
	LevelInfo   = slog.LevelInfo
	LevelWarn   = slog.LevelWarn
	LevelError  = slog.LevelError
)

// Category classifies an outcome for the operator. Every category maps to a level;
// the category itself is emitted as an attribute so log sinks can filter on it.
type Category string

const (
	Attempt Category = "attempt"
	Success Category = "success"
	Warning Category = "warning"
	Failure Category = "failure"
	Note    Category = "info"
)

// LevelDispatchHandler is a slog.Handler that writes log records to different
// handlers based on the record's level. INFO and below go to one handler,
// while WARNING and above go to another.
type LevelDispatchHandler struct {
	stdoutHandler slog.Handler
	stderrHandler slog.Handler
}

func (h *LevelDispatchHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.stdoutHandler.Enabled(ctx, level) || h.stderrHandler.Enabled(ctx, level)
}

func (h *LevelDispatchHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn {
		return h.stderrHandler.Handle(ctx, r)
	}
	return h.stdoutHandler.Handle(ctx, r)
}

func (h *LevelDispatchHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LevelDispatchHandler{
		stdoutHandler: h.stdoutHandler.WithAttrs(attrs),
		stderrHandler: h.stderrHandler.WithAttrs(attrs),
	}
}

func (h *LevelDispatchHandler) WithGroup(name string) slog.Handler {
	return &LevelDispatchHandler{
		stdoutHandler: h.stdoutHandler.WithGroup(name),
		stderrHandler: h.stderrHandler.WithGroup(name),
	}
}

var (
	defaultLogger atomic.Pointer[slog.Logger]
	quietMode     atomic.Bool
	levelVar      = new(slog.LevelVar)
)

// replaceLevelName prints our custom Notice level by name instead of "DEBUG+2".
func replaceLevelName(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelNotice {
			a.Value = slog.StringValue("NOTICE")
		}
	}
	return a
}

func init() {
	levelVar.Set(LevelInfo)
	stdoutHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:       levelVar,
		ReplaceAttr: replaceLevelName,
	})
	stderrHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:       slog.LevelWarn,
		ReplaceAttr: replaceLevelName,
	})
	defaultLogger.Store(slog.New(&LevelDispatchHandler{
		stdoutHandler: stdoutHandler,
		stderrHandler: stderrHandler,
	}))
}

// SetOutput redirects all levels to a single writer, primarily for testing.
func SetOutput(w io.Writer) {
	quietMode.Store(false)
	defaultLogger.Store(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       levelVar,
		ReplaceAttr: replaceLevelName,
	})))
}

// SetLevel sets the minimum level for the global logger.
func SetLevel(l slog.Level) {
	levelVar.Set(l)
}

// LevelFromString maps a config/flag value to a level. Unknown values fall back to Info.
func LevelFromString(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "notice":
		return LevelNotice
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// SetQuiet enables or disables quiet mode. In quiet mode, INFO and lower are suppressed.
func SetQuiet(quiet bool) {
	quietMode.Store(quiet)
}

func IsQuiet() bool {
	return quietMode.Load()
}

func Debug(msg string, args ...any) {
	if quietMode.Load() {
		return
	}
	defaultLogger.Load().Debug(msg, args...)
}

func Notice(msg string, args ...any) {
	if quietMode.Load() {
		return
	}
	defaultLogger.Load().Log(context.Background(), LevelNotice, msg, args...)
}

func Info(msg string, args ...any) {
	if quietMode.Load() {
		return
	}
	defaultLogger.Load().Info(msg, args...)
}

func Warn(msg string, args ...any) {
	defaultLogger.Load().Warn(msg, args...)
}

func Error(msg string, args ...any) {
	defaultLogger.Load().Error(msg, args...)
}

// Log writes a categorized outcome message.
func Log(c Category, msg string, args ...any) {
	level := LevelInfo
	switch c {
	case Warning:
		level = LevelWarn
	case Failure:
		level = LevelError
	}
	if level < LevelWarn && quietMode.Load() {
		return
	}
	defaultLogger.Load().Log(context.Background(), level, msg, append([]any{"category", string(c)}, args...)...)
}
