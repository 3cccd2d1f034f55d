// Package logx provides structured, component-bound logging for the
// traffic controller. Loggers are cheap to copy; With returns a child
// logger carrying additional bound fields.
package logx

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps a zerolog logger bound to a component name.
type Logger struct {
	zl zerolog.Logger
}

// Package default output, overridable for embedding processes.
//
//nolint:gochecknoglobals // Process-wide default sink, set once at startup
var (
	defaultOut   io.Writer = os.Stderr
	defaultOutMu sync.RWMutex
)

// SetDefaultOutput redirects loggers created after the call. Intended
// for startup wiring, not for concurrent reconfiguration.
func SetDefaultOutput(w io.Writer) {
	defaultOutMu.Lock()
	defaultOut = w
	defaultOutMu.Unlock()
}

// NewLogger creates a logger bound to the given component name.
func NewLogger(component string) *Logger {
	defaultOutMu.RLock()
	w := defaultOut
	defaultOutMu.RUnlock()
	return NewLoggerWithWriter(component, w)
}

// NewLoggerWithWriter creates a component logger writing JSON events to
// w. Used by tests to capture emitted events.
func NewLoggerWithWriter(component string, w io.Writer) *Logger {
	zl := zerolog.New(w).With().
		Timestamp().
		Str("component", component).
		Logger()
	return &Logger{zl: zl}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// With returns a child logger with the given alternating key-value
// pairs bound to every subsequent event.
func (l *Logger) With(keyvals ...any) *Logger {
	ctx := l.zl.With()
	for k, v := range pairs(keyvals) {
		ctx = ctx.Interface(k, v)
	}
	child := ctx.Logger()
	return &Logger{zl: child}
}

// Debug logs a debug-level event with optional key-value fields.
func (l *Logger) Debug(msg string, keyvals ...any) {
	l.emit(l.zl.Debug(), msg, keyvals)
}

// Info logs an info-level event with optional key-value fields.
func (l *Logger) Info(msg string, keyvals ...any) {
	l.emit(l.zl.Info(), msg, keyvals)
}

// Warn logs a warn-level event with optional key-value fields.
func (l *Logger) Warn(msg string, keyvals ...any) {
	l.emit(l.zl.Warn(), msg, keyvals)
}

// Error logs an error-level event with optional key-value fields.
func (l *Logger) Error(msg string, keyvals ...any) {
	l.emit(l.zl.Error(), msg, keyvals)
}

func (l *Logger) emit(ev *zerolog.Event, msg string, keyvals []any) {
	for k, v := range pairs(keyvals) {
		switch tv := v.(type) {
		case error:
			ev = ev.AnErr(k, tv)
		case time.Duration:
			ev = ev.Int64(k, tv.Milliseconds())
		default:
			ev = ev.Interface(k, tv)
		}
	}
	ev.Msg(msg)
}

// pairs folds alternating keyvals into a map. A trailing key without a
// value is kept with a placeholder so it is visible rather than lost.
func pairs(keyvals []any) map[string]any {
	if len(keyvals) == 0 {
		return nil
	}
	m := make(map[string]any, len(keyvals)/2+1)
	for i := 0; i < len(keyvals); i += 2 {
		k, ok := keyvals[i].(string)
		if !ok {
			k = fmt.Sprintf("arg%d", i)
		}
		if i+1 < len(keyvals) {
			m[k] = keyvals[i+1]
		} else {
			m[k] = "(missing)"
		}
	}
	return m
}
