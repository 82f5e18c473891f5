package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Setup installs the process-wide slog default. Engine and provider binaries
// both call this once at startup. Colored text goes to stderr; when a rotated
// file is configured it receives the same stream.
func Setup(level string, file io.Writer) {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var w io.Writer = os.Stderr
	if file != nil {
		w = io.MultiWriter(os.Stderr, file)
	}
	slog.SetDefault(slog.New(NewColorTextHandler(w, opts, true)))
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
	default:
		return slog.LevelInfo
	}
}
