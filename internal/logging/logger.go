// Package logging provides the engine's logging interface and its
// default zap-backed implementation.
//
// Log lines carry a component prefix for filtering:
//
//	[flush] [compact] [wal] [manifest] [recovery] [db]
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the leveled printf-style interface the engine logs through.
// Callers can wrap their own structured logger.
type Logger interface {
	Errorf(format string, args ...any)
	Warnf(format string, args ...any)
	Infof(format string, args ...any)
	Debugf(format string, args ...any)
}

// zapLogger adapts a zap SugaredLogger to the Logger interface.
type zapLogger struct {
	s *zap.SugaredLogger
}

// NewDefault returns a production zap logger at info level.
func NewDefault() Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	cfg.DisableStacktrace = true
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// Config is static; Build only fails on invalid sink paths.
		return Discard()
	}
	return &zapLogger{s: l.Sugar()}
}

// Wrap adapts an existing zap logger.
func Wrap(l *zap.Logger) Logger {
	return &zapLogger{s: l.Sugar()}
}

func (z *zapLogger) Errorf(format string, args ...any) { z.s.Errorf(format, args...) }
func (z *zapLogger) Warnf(format string, args ...any)  { z.s.Warnf(format, args...) }
func (z *zapLogger) Infof(format string, args ...any)  { z.s.Infof(format, args...) }
func (z *zapLogger) Debugf(format string, args ...any) { z.s.Debugf(format, args...) }

// discard drops all output. Used in tests and as a safe fallback.
type discard struct{}

// Discard returns a Logger that drops everything.
func Discard() Logger {
	return discard{}
}

func (discard) Errorf(string, ...any) {}
func (discard) Warnf(string, ...any)  {}
func (discard) Infof(string, ...any)  {}
func (discard) Debugf(string, ...any) {}

// OrDefault returns l, or the default logger when l is nil.
func OrDefault(l Logger) Logger {
	if l == nil {
		return NewDefault()
	}
	return l
}
