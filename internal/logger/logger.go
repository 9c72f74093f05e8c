// Package logger provides structured logging using Go 1.21's log/slog.
// It sets up a JSON handler with service-level context; packages receive
// child loggers through constructor injection rather than globals.
package logger

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// Init creates a structured logger for the given service. The logger
// outputs JSON to stdout with the service name embedded and is also
// installed as the slog default, so plain slog.Info() calls from
// library code share the same handler.
func Init(service string, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})

	log := slog.New(handler).With(
		slog.String("service", service),
	)
	slog.SetDefault(log)

	return log
}

// ParseLevel maps a config string to a slog level. Matching is
// case-insensitive; the empty string means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}
