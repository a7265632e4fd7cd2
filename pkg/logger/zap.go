package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger writes structured JSON lines through zap. Notice maps to zap's warn level.
type ZapLogger struct {
	base *zap.SugaredLogger
}

var _ Logger = (*ZapLogger)(nil)

// NewZapLogger builds a production zap logger filtered at the given level.
func NewZapLogger(level Level) (*ZapLogger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel(level))
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, fmt.Errorf("failed to build zap logger: %w", err)
	}
	return &ZapLogger{base: l.Sugar()}, nil
}

// NewZapLoggerFrom wraps an existing zap logger.
func NewZapLoggerFrom(l *zap.Logger) *ZapLogger {
	return &ZapLogger{base: l.Sugar()}
}

// Sync flushes buffered entries.
func (l *ZapLogger) Sync() error {
	return l.base.Sync()
}

func zapLevel(level Level) zapcore.Level {
	switch level {
	case DebugLevel:
		return zapcore.DebugLevel
	case NoticeLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func (l *ZapLogger) with(component Component) *zap.SugaredLogger {
	if component == None {
		return l.base
	}
	return l.base.With("component", string(component))
}

func (l *ZapLogger) Info(format string, args ...interface{}) {
	l.base.Infof(format, args...)
}

func (l *ZapLogger) InfoWith(component Component, format string, args ...interface{}) {
	l.with(component).Infof(format, args...)
}

func (l *ZapLogger) Error(format string, args ...interface{}) {
	l.base.Errorf(format, args...)
}

func (l *ZapLogger) ErrorWith(component Component, format string, args ...interface{}) {
	l.with(component).Errorf(format, args...)
}

func (l *ZapLogger) Debug(format string, args ...interface{}) {
	l.base.Debugf(format, args...)
}

func (l *ZapLogger) DebugWith(component Component, format string, args ...interface{}) {
	l.with(component).Debugf(format, args...)
}

func (l *ZapLogger) Notice(format string, args ...interface{}) {
	l.base.Warnf(format, args...)
}

func (l *ZapLogger) NoticeWith(component Component, format string, args ...interface{}) {
	l.with(component).Warnf(format, args...)
}
