// Package ledgerlog provides structured logging for the ledger service:
// a thin wrapper over log/slog with the field/component helpers the rest
// of the codebase expects.
package ledgerlog

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with fluent With* helpers.
type Logger struct {
	*slog.Logger
}

// Config controls output destination and format.
type Config struct {
	Level      slog.Level
	Format     string // "json" or "text"
	Output     string // "stdout", "stderr", or a file path
	AddSource  bool
}

// DefaultConfig is info-level JSON logging to stdout.
func DefaultConfig() Config {
	return Config{Level: slog.LevelInfo, Format: "json", Output: "stdout"}
}

// New builds a Logger from cfg.
func New(cfg Config) (*Logger, error) {
	var output io.Writer
	switch cfg.Output {
	case "", "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("ledgerlog: open log file: %w", err)
		}
		output = f
	}

	opts := &slog.HandlerOptions{Level: cfg.Level, AddSource: cfg.AddSource}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(output, opts)
	} else {
		handler = slog.NewJSONHandler(output, opts)
	}

	return &Logger{Logger: slog.New(handler)}, nil
}

// Field is a single structured logging key/value pair.
type Field struct {
	Key   string
	Value interface{}
}

func toArgs(fields []Field) []any {
	args := make([]any, len(fields)*2)
	for i, f := range fields {
		args[i*2] = f.Key
		args[i*2+1] = f.Value
	}
	return args
}

// WithFields returns a Logger carrying the given fields on every entry.
func (l *Logger) WithFields(fields ...Field) *Logger {
	if len(fields) == 0 {
		return l
	}
	return &Logger{Logger: l.Logger.With(toArgs(fields)...)}
}

// WithComponent tags every entry with a component name.
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields(Field{Key: "component", Value: component})
}

// WithDecision tags every entry with a decision_id.
func (l *Logger) WithDecision(decisionID string) *Logger {
	return l.WithFields(Field{Key: "decision_id", Value: decisionID})
}

// WithError attaches an error to every entry, nil-safe.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields(Field{Key: "error", Value: err.Error()})
}

var global *Logger

// SetGlobal installs l as the package-level default logger.
func SetGlobal(l *Logger) { global = l }

// Global returns the package-level default logger, falling back to a
// stdout JSON logger if none was installed.
func Global() *Logger {
	if global == nil {
		l, _ := New(DefaultConfig())
		global = l
	}
	return global
}
