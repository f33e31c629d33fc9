// Package observability wires structured logging and OpenTelemetry metrics
// for the telemetry platform.
package observability

import (
	"log/slog"
	"os"
	"strings"
)

// ConfigureLogging installs the process-wide slog default: a text handler
// for local development, JSON in production. The level string accepts the
// usual DEBUG/INFO/WARNING/ERROR names.
func ConfigureLogging(level string, production bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	if production {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR", "CRITICAL":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
