package ratelimit

import "go.uber.org/zap"

// Logger receives structured diagnostic records from the engine: one Warn
// per script that fails to preload in NewEngine. NOSCRIPT recoveries and
// store failures are not logged. It is never used to report
// decision outcomes — those flow through Result and the error returns.
type Logger interface {
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// NewZapLogger adapts a *zap.SugaredLogger to Logger.
func NewZapLogger(l *zap.SugaredLogger) Logger {
	return zapLogger{l: l}
}

type zapLogger struct {
	l *zap.SugaredLogger
}

func (z zapLogger) Warn(msg string, kv ...interface{}) {
	z.l.Warnw(msg, kv...)
}

func (z zapLogger) Error(msg string, kv ...interface{}) {
	z.l.Errorw(msg, kv...)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...interface{})  {}
func (noopLogger) Error(string, ...interface{}) {}

func defaultLogger() Logger {
	return noopLogger{}
}
