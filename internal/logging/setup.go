// Package logging configures structured logging and carries correlation IDs
// through contexts so every record can be tied back to its execution.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Setup builds the process logger. Level and format come from configuration
// ("debug", "info", "warn", "error"; "text" or "json") and records are routed
// through the correlation handler.
func Setup(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var inner slog.Handler
	if strings.ToLower(format) == "json" {
		inner = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		inner = slog.NewTextHandler(os.Stderr, opts)
	}

	logger := slog.New(NewCorrelationHandler(inner))
	slog.SetDefault(logger)
	return logger
}
