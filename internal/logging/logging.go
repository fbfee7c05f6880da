package logging

import (
	"log/slog"
	"os"
)

// Init configures the default slog logger. The relay server logs JSON
// for log collectors; the CLI logs text to stderr so it never mixes with
// the styled stdout output.
func Init(level, format string) {
	lvl := parseLevel(level)

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// InitFromEnv is the CLI entry point: errors only unless LOG_LEVEL says
// otherwise.
func InitFromEnv() {
	level := "error"
	if l, ok := os.LookupEnv("LOG_LEVEL"); ok {
		level = l
	}
	Init(level, "text")
}

func parseLevel(level string) slog.Level {
	switch level {
	case "dev", "development", "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "production", "prod":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
