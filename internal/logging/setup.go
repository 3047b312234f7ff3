// Package logging configures structured logging for the hub using log/slog.
package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
)

// Level is the LevelVar wired into every handler Setup installs, so the
// active level can be changed after startup.
var Level slog.LevelVar

// Setup installs the process-wide slog logger on stderr from the configured
// level and format ("debug|info|warn|error", "text|json") and reroutes the
// standard library "log" package through it.
func Setup(levelStr, formatStr string) {
	SetupWriter(levelStr, formatStr, os.Stderr)
}

// SetupWriter is Setup with an explicit destination.
func SetupWriter(levelStr, formatStr string, w io.Writer) {
	Level.Set(ParseLevel(levelStr))

	opts := &slog.HandlerOptions{Level: &Level}

	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(formatStr)) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	// Third-party code using the stdlib log package ends up on the same
	// handler, tagged and at info level.
	log.SetOutput(newSlogWriter(logger))
	log.SetFlags(0) // the handler adds its own timestamp
}

var levelNames = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// ParseLevel maps a config string such as "debug" or "warning" onto a
// slog.Level. Unknown or empty values mean info.
func ParseLevel(s string) slog.Level {
	if lvl, ok := levelNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return lvl
	}
	return slog.LevelInfo
}

// slogWriter lets the stdlib log package write through slog. Lines arrive
// newline-terminated; the trailing newline is stripped before logging.
type slogWriter struct {
	logger *slog.Logger
}

func newSlogWriter(l *slog.Logger) *slogWriter { return &slogWriter{logger: l} }

func (w *slogWriter) Write(p []byte) (int, error) {
	w.logger.Info(strings.TrimRight(string(p), "\n"), "source", "stdlib")
	return len(p), nil
}
