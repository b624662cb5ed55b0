// Package logging configures structured logging for the daemon using
// log/slog, and gives each subsystem a component-tagged child logger so
// log lines are attributable without the subsystem threading a tag
// through itself.
package logging

import (
	"io"
	"log"
	"log/slog"
	"strings"
)

// Level is a package-level LevelVar that allows runtime log level changes.
var Level slog.LevelVar

// SetupWithConfig installs the default slog logger from already-resolved
// settings (config.Config's own layered resolution handles env vars and
// flags, so this package takes the final values rather than reading the
// environment itself) and bridges the standard library "log" package so
// third-party dependencies using log.Printf still come out structured.
func SetupWithConfig(levelStr, formatStr string, w io.Writer) {
	Level.Set(ParseLevel(levelStr))

	opts := &slog.HandlerOptions{Level: &Level}
	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(formatStr)) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	log.SetOutput(newSlogWriter(logger))
	log.SetFlags(0)
}

// Component returns the default logger tagged with "component", so every
// log line a daemon subsystem emits carries where it came from.
func Component(name string) *slog.Logger {
	return slog.Default().With("component", name)
}

// ParseLevel converts a string to slog.Level. Defaults to INFO.
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

// slogWriter adapts slog.Logger to io.Writer for the stdlib log bridge.
type slogWriter struct {
	logger *slog.Logger
}

func newSlogWriter(logger *slog.Logger) *slogWriter {
	return &slogWriter{logger: logger}
}

func (w *slogWriter) Write(p []byte) (n int, err error) {
	msg := strings.TrimRight(string(p), "\n")
	w.logger.Info(msg, "source", "stdlib")
	return len(p), nil
}
