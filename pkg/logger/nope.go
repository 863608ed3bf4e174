package logger

import (
	"io"
	"log/slog"
)

// NewNope creates a no-op logger that discards all output.
// Components use this as a default when no logger is configured.
func NewNope() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
