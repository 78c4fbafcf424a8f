// Package observability defines shared logging and runtime-counter primitives.
package observability

import (
	"fmt"
	"log"
	"strings"
)

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

// F is shorthand for constructing a Field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

var defaultLogger Logger = noopLogger{}

// SetLogger overrides the global logger used by the system.
func SetLogger(logger Logger) {
	if logger == nil {
		defaultLogger = noopLogger{}
		return
	}
	defaultLogger = logger
}

// Log returns the current global logger instance.
func Log() Logger {
	return defaultLogger
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}

// NewStdLogger bridges a standard library logger into the Logger interface.
// Debug output is suppressed unless verbose is set.
func NewStdLogger(base *log.Logger, verbose bool) Logger {
	if base == nil {
		return noopLogger{}
	}
	return &stdLogger{base: base, verbose: verbose}
}

type stdLogger struct {
	base    *log.Logger
	verbose bool
}

func (l *stdLogger) Debug(msg string, fields ...Field) {
	if !l.verbose {
		return
	}
	l.print("DEBUG", msg, fields)
}

func (l *stdLogger) Info(msg string, fields ...Field) {
	l.print("INFO", msg, fields)
}

func (l *stdLogger) Error(msg string, fields ...Field) {
	l.print("ERROR", msg, fields)
}

func (l *stdLogger) print(level, msg string, fields []Field) {
	if len(fields) == 0 {
		l.base.Printf("%s %s", level, msg)
		return
	}
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		if strings.TrimSpace(f.Key) == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%v", f.Key, f.Value))
	}
	l.base.Printf("%s %s %s", level, msg, strings.Join(parts, " "))
}
