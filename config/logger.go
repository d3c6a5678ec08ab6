package config

import (
	"io"
	"log/slog"
	"strings"
)

// NewLogger builds the process logger. debug forces the debug level.
func NewLogger(cfg LogConfig, debug bool, w io.Writer) *slog.Logger {
	level, err := ParseLevel(cfg.Level)
	if err != nil || debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
