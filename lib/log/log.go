// Package log is a thin structured-logging wrapper over the standard
// library's log/slog, mirroring dep2p/go-dep2p's pkg/lib/log: components
// obtain a component-scoped logger with Logger(name) instead of reaching for
// a single global logger, so an embedder can redirect or silence one
// subsystem (e.g. "gateway/network") independently of the others.
package log

import "log/slog"

var defaultLogger = slog.Default()

// SetDefault replaces the logger every component-scoped Logger delegates to.
func SetDefault(l *slog.Logger) {
	defaultLogger = l
}

// Logger returns a logger scoped to component. All log lines it emits carry
// a "component" attribute.
func Logger(component string) *ComponentLogger {
	return &ComponentLogger{component: component}
}

// ComponentLogger lazily resolves to the current default logger on every
// call, so SetDefault takes effect even for loggers obtained before it ran.
type ComponentLogger struct {
	component string
}

func (c *ComponentLogger) Debug(msg string, args ...any) {
	defaultLogger.Debug(msg, c.withComponent(args)...)
}

func (c *ComponentLogger) Info(msg string, args ...any) {
	defaultLogger.Info(msg, c.withComponent(args)...)
}

func (c *ComponentLogger) Warn(msg string, args ...any) {
	defaultLogger.Warn(msg, c.withComponent(args)...)
}

func (c *ComponentLogger) Error(msg string, args ...any) {
	defaultLogger.Error(msg, c.withComponent(args)...)
}

func (c *ComponentLogger) withComponent(args []any) []any {
	return append([]any{"component", c.component}, args...)
}
