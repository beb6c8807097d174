package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	charmlog "github.com/charmbracelet/log"
)

// Level names a minimum log level.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

func (l Level) charm() charmlog.Level {
	switch Level(strings.ToLower(string(l))) {
	case DebugLevel:
		return charmlog.DebugLevel
	case WarnLevel:
		return charmlog.WarnLevel
	case ErrorLevel:
		return charmlog.ErrorLevel
	default:
		return charmlog.InfoLevel
	}
}

// Config controls where and how log lines are written.
type Config struct {
	Level Level
	JSON  bool
	// Output receives log lines; defaults to stderr. Use io.Discard to log
	// only to File.
	Output io.Writer
	// File, when set, also appends every line to this path so runs can be
	// inspected after the terminal closes.
	File       string
	TimeFormat string
}

// Logger writes leveled key/value lines. A nil *Logger discards everything.
type Logger struct {
	charm *charmlog.Logger
	file  *os.File
}

// New builds a logger from cfg, creating the log file's directory if needed.
func New(cfg Config) (*Logger, error) {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	var file *os.File
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, fmt.Errorf("logging: ensure log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("logging: open log file: %w", err)
		}
		file = f
		out = io.MultiWriter(out, f)
	}
	timeFormat := cfg.TimeFormat
	if timeFormat == "" {
		timeFormat = "15:04:05"
	}
	charm := charmlog.NewWithOptions(out, charmlog.Options{
		ReportTimestamp: true,
		TimeFormat:      timeFormat,
		Level:           cfg.Level.charm(),
	})
	if cfg.JSON {
		charm.SetFormatter(charmlog.JSONFormatter)
	} else {
		charm.SetFormatter(charmlog.TextFormatter)
	}
	return &Logger{charm: charm, file: file}, nil
}

// Nop returns a logger that discards all output.
func Nop() *Logger {
	return &Logger{charm: charmlog.New(io.Discard)}
}

// With returns a child logger that adds keyvals to every line.
func (l *Logger) With(keyvals ...any) *Logger {
	if l == nil || l.charm == nil {
		return l
	}
	return &Logger{charm: l.charm.With(keyvals...)}
}

func (l *Logger) Debug(msg string, keyvals ...any) {
	if l != nil && l.charm != nil {
		l.charm.Debug(msg, keyvals...)
	}
}

func (l *Logger) Info(msg string, keyvals ...any) {
	if l != nil && l.charm != nil {
		l.charm.Info(msg, keyvals...)
	}
}

func (l *Logger) Warn(msg string, keyvals ...any) {
	if l != nil && l.charm != nil {
		l.charm.Warn(msg, keyvals...)
	}
}

func (l *Logger) Error(msg string, keyvals ...any) {
	if l != nil && l.charm != nil {
		l.charm.Error(msg, keyvals...)
	}
}

// Close releases the log file handle. Child loggers share the parent's file
// and must not be closed.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}

type ctxKey struct{}

// ContextWithLogger stores l in ctx.
func ContextWithLogger(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger stored in ctx, or a no-op logger.
func FromContext(ctx context.Context) *Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(*Logger); ok && l != nil {
			return l
		}
	}
	return Nop()
}
