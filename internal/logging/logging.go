// Package logging builds the daemon's slog logger. Components receive a
// *slog.Logger and tag their records with logger.With("component", ...).
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/entl/cliwrapped/internal/config"
)

// New returns a logger configured from cfg and the closer for its output.
// With an empty File the logger writes to stderr.
func New(cfg config.LogConfig) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	var out io.WriteCloser = nopCloser{os.Stderr}
	if cfg.File != "" {
		rotating, err := NewRotatingFile(cfg.File,
			WithMaxSize(int64(cfg.MaxSize)),
			WithMaxBackups(cfg.MaxBackups),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		out = rotating
	}

	options := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, options)
	} else {
		handler = slog.NewTextHandler(out, options)
	}
	return slog.New(handler), out, nil
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", name)
	}
}

// Discard returns a logger that drops every record. Constructors use it
// when they are handed a nil logger.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// OrDiscard returns logger, or a discarding logger when it is nil.
func OrDiscard(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return Discard()
	}
	return logger
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
