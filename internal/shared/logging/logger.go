package logging

import (
	"fmt"
	"os"
	"reflect"
	"sync"

	"github.com/walkerhughes/agent-sandboxing/internal/infra/observability"
)

// Logger defines a minimal, printf-style logging contract.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// IsNil reports whether logger is nil or wraps a nil pointer receiver.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

var (
	backendMu sync.RWMutex
	backend   = observability.NewLogger(observability.LogConfig{Level: "info", Format: "text", Output: os.Stderr})
)

// Configure installs the process-wide structured backend used by component loggers.
func Configure(logger *observability.Logger) {
	if logger == nil {
		return
	}
	backendMu.Lock()
	backend = logger
	backendMu.Unlock()
}

// Backend returns the process-wide structured logger.
func Backend() *observability.Logger {
	backendMu.RLock()
	defer backendMu.RUnlock()
	return backend
}

// NewComponentLogger returns the default application logger scoped to a component.
func NewComponentLogger(component string) Logger {
	return &componentLogger{component: component}
}

// componentLogger resolves the backend on every call so loggers created before
// Configure still reach the configured sink.
type componentLogger struct {
	component string
}

func (l *componentLogger) scoped() *observability.Logger {
	b := Backend()
	if l.component == "" {
		return b
	}
	return b.With("component", l.component)
}

func (l *componentLogger) Debug(format string, args ...any) {
	l.scoped().Debug(fmt.Sprintf(format, args...))
}

func (l *componentLogger) Info(format string, args ...any) {
	l.scoped().Info(fmt.Sprintf(format, args...))
}

func (l *componentLogger) Warn(format string, args ...any) {
	l.scoped().Warn(fmt.Sprintf(format, args...))
}

func (l *componentLogger) Error(format string, args ...any) {
	l.scoped().Error(fmt.Sprintf(format, args...))
}
