// Package logging provides the structured logging contract shared by every
// VoltGrid service, plus the zap-backed production implementation.
//
// Components take the Logger interface so tests can inject a noop or capture
// logger without pulling in zap.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the structured logging interface used throughout the services.
// Messages are snake_case event names followed by key/value pairs.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)

	// Bind returns a child logger with the given key/value pair attached
	// to every message.
	Bind(key string, value any) Logger
}

// =============================================================================
// ZAP ADAPTER
// =============================================================================

type zapLogger struct {
	sugar *zap.SugaredLogger
}

// New builds a production Logger for the named service. The level is taken
// from LOG_LEVEL (debug/info/warn/error), defaulting to info.
func New(service string) Logger {
	level := zapcore.InfoLevel
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.Encoding = "json"
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	base, err := cfg.Build()
	if err != nil {
		// Fall back to a no-op core rather than refusing to start.
		base = zap.NewNop()
	}
	return &zapLogger{sugar: base.Sugar().With("service", service)}
}

func (l *zapLogger) Debug(msg string, keysAndValues ...any) { l.sugar.Debugw(msg, keysAndValues...) }
func (l *zapLogger) Info(msg string, keysAndValues ...any)  { l.sugar.Infow(msg, keysAndValues...) }
func (l *zapLogger) Warn(msg string, keysAndValues ...any)  { l.sugar.Warnw(msg, keysAndValues...) }
func (l *zapLogger) Error(msg string, keysAndValues ...any) { l.sugar.Errorw(msg, keysAndValues...) }

func (l *zapLogger) Bind(key string, value any) Logger {
	return &zapLogger{sugar: l.sugar.With(key, value)}
}

// =============================================================================
// NOOP
// =============================================================================

type noopLogger struct{}

// Noop returns a logger that discards all output. Intended for tests.
func Noop() Logger { return noopLogger{} }

func (noopLogger) Debug(msg string, keysAndValues ...any) {}
func (noopLogger) Info(msg string, keysAndValues ...any)  {}
func (noopLogger) Warn(msg string, keysAndValues ...any)  {}
func (noopLogger) Error(msg string, keysAndValues ...any) {}
func (noopLogger) Bind(key string, value any) Logger      { return noopLogger{} }
