// Package logging wires up the process-wide structured logger. Every
// component receives a *slog.Logger rather than reaching for a package
// global, so tests can inject a discard logger or capture output.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// New builds the root logger for a process. In production it emits JSON;
// level is parsed from the SB_LOG_LEVEL convention (INFO/DEBUG/WARN/ERROR).
func New(level string, pretty bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	if pretty {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Module scopes a logger to a named component, matching the event/module/
// layer attribute convention used across this service.
func Module(base *slog.Logger, module string) *slog.Logger {
	return base.With("module", module)
}

// Discard is a logger that drops everything, for tests that don't assert on
// log output but still need to satisfy a *slog.Logger dependency.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
