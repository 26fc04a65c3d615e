// Package logging defines the narrow logging surface every galvan package
// logs through, so packages stay testable without pulling in zap directly.
package logging

// Logger is the logging surface every galvan package logs through. Every
// call site here reaches for exactly one of these four levels; there is no
// dynamic-level call anywhere in this harness, so the interface stops at
// what's actually used rather than also carrying a generic
// LogLevelf(level int, ...) escape hatch.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// LogFunc is the shape of one level's sink; tests plug in recording
// closures, cmd/galvancli plugs in a sugared zap logger's methods.
type LogFunc func(format string, args ...interface{})

// LogFuncs lets callers assemble a Logger from four independent sinks,
// e.g. to fan every level into one zap core while still allowing per-level
// overrides in tests.
type LogFuncs struct {
	Debugf LogFunc
	Infof  LogFunc
	Warnf  LogFunc
	Errorf LogFunc
}

type logger struct {
	prefix string
	funcs  LogFuncs
}

// NewLogger wraps a set of level functions with a common prefix, so callers
// can hand out narrowly-scoped loggers (one per supervisor, say) that all
// funnel into one backend.
func NewLogger(prefix string, funcs LogFuncs) Logger {
	return &logger{
		prefix: prefix,
		funcs:  funcs,
	}
}

func (l *logger) call(fn LogFunc, format string, args ...interface{}) {
	if fn == nil {
		return
	}
	if l.prefix != "" {
		format = l.prefix + format
	}
	fn(format, args...)
}

func (l *logger) Debugf(format string, args ...interface{}) {
	l.call(l.funcs.Debugf, format, args...)
}

func (l *logger) Infof(format string, args ...interface{}) {
	l.call(l.funcs.Infof, format, args...)
}

func (l *logger) Warnf(format string, args ...interface{}) {
	l.call(l.funcs.Warnf, format, args...)
}

func (l *logger) Errorf(format string, args ...interface{}) {
	l.call(l.funcs.Errorf, format, args...)
}
