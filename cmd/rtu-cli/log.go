package main

import (
	"io"
	"log/slog"
	"strings"

	"github.com/phsym/console-slog"
)

// newLogger builds the handler named by format. Unknown levels fall back to info.
func newLogger(level, format string, w io.Writer) *slog.Logger {
	lvl := &slog.LevelVar{}
	lvl.Set(toSlogLevel(level))

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	case "console":
		handler = console.NewHandler(w, &console.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})
	}
	return slog.New(handler)
}

func toSlogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
