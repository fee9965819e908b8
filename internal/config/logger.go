package config

import (
	"io"
	"log/slog"
)

// NewLogger creates a structured JSON logger writing to w. Passing a
// *slog.LevelVar lets the level change while the server runs.
func NewLogger(w io.Writer, level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
