package logging

import (
	"io"
	"log/slog"
	"os"

	"github.com/pscheid92/pulsehub/internal/platform/correlation"
)

// Init builds the process logger and installs it as the slog default.
// level is one of debug, info, warn, error (anything else means info) and
// format is json or text. Every record carries the instance ID so logs from
// several hub instances can be told apart.
func Init(level, format, instanceID string) *slog.Logger {
	logger := New(os.Stdout, level, format).With("instance", instanceID)
	slog.SetDefault(logger)
	return logger
}

func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(correlation.NewHandler(handler))
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
