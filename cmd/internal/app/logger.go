package app

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is the app-wide logger type (slog).
type Logger = *slog.Logger

// NewLogger returns the server's JSON logger on stdout at the given level
// (SKYKEY_LOG_LEVEL) and installs it as the slog default.
func NewLogger(level string) *slog.Logger {
	log := newJSONLogger(os.Stdout, level)
	slog.SetDefault(log)
	return log
}

func newJSONLogger(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:     parseLogLevel(level),
		AddSource: true,
	}))
}

// parseLogLevel maps SKYKEY_LOG_LEVEL; anything unrecognized is info.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
