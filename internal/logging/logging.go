// Package logging configures the process-wide slog logger. The CLI
// renders its own output, so log lines default to errors only and go
// to stderr where they cannot corrupt a progress line.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// EnvLevel is the environment variable selecting the log level.
const EnvLevel = "BEAMLINK_LOG_LEVEL"

// Init installs the default logger.
func Init() {
	slog.SetDefault(New(os.Stderr))
}

// New builds a logger writing to w at the level named by
// BEAMLINK_LOG_LEVEL (debug, info, warn, error).
func New(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: levelFromEnv(),
	}))
}

func levelFromEnv() slog.Level {
	switch strings.ToLower(os.Getenv(EnvLevel)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}
