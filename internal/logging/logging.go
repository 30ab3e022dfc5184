package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is the application logger. It writes structured key/value records
// to stderr.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger at the given level ("debug", "info",
// "warn" or "error"). Unknown levels fall back to info.
func NewLogger(level string) *Logger {
	return newLogger(os.Stderr, ParseLevel(level))
}

// NewNop returns a logger that discards everything. Used by tests.
func NewNop() *Logger {
	return newLogger(io.Discard, slog.LevelError)
}

func newLogger(w io.Writer, level slog.Level) *Logger {
	return &Logger{
		Logger: slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
			Level: level,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == "error" {
					a.Key = "err"
				}
				return a
			},
		})),
	}
}

// ParseLevel maps a config string to a slog level.
func ParseLevel(level string) slog.Level {
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

// With returns a Logger that adds args to every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}
