// Package otlog provides the subsystem's component logger.
//
// It wraps log/slog the way the teacher's logger wrapper does: a
// LazyLogger resolves slog.Default() on every call, so SetOutput can
// redirect every already-constructed component logger at once without threading a *slog.Logger through every constructor.
package otlog

import (
	"context"
	"log/slog"
	"os"
)

var defaultLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

// SetOutput redirects every component logger to w at level.
func SetOutput(w *os.File, level slog.Level, jsonFormat bool) {
	opts := &slog.HandlerOptions{Level: level}
	if jsonFormat {
		defaultLogger = slog.New(slog.NewJSONHandler(w, opts))
	} else {
		defaultLogger = slog.New(slog.NewTextHandler(w, opts))
	}
	slog.SetDefault(defaultLogger)
}

// LazyLogger logs under a fixed "component" attribute against whatever
// the current default logger is.
type LazyLogger struct {
	component string
}

// Logger returns a LazyLogger for component.
func Logger(component string) *LazyLogger {
	return &LazyLogger{component: component}
}

func (l *LazyLogger) Debug(msg string, args ...any) {
	slog.Default().With("component", l.component).Debug(msg, args...)
}

func (l *LazyLogger) Info(msg string, args ...any) {
	slog.Default().With("component", l.component).Info(msg, args...)
}

func (l *LazyLogger) Warn(msg string, args ...any) {
	slog.Default().With("component", l.component).Warn(msg, args...)
}

func (l *LazyLogger) Error(msg string, args ...any) {
	slog.Default().With("component", l.component).Error(msg, args...)
}

func (l *LazyLogger) DebugContext(ctx context.Context, msg string, args ...any) {
	slog.Default().With("component", l.component).DebugContext(ctx, msg, args...)
}
