// Package logging provides structured logging built on zap, with an
// optional fluentd forward-protocol shipper.
package logging

import (
	"fmt"
	"os"
	"strings"

	"maotrade/internal/core"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger implements core.ILogger on top of zap.Logger.
type ZapLogger struct {
	logger *zap.Logger
}

// Options controls logger construction.
type Options struct {
	Level     string
	App       string
	AccountID string
	Fluent    *FluentOptions
}

// NewZapLogger creates a logger writing to stdout and, when configured,
// tee'd into the fluentd shipper.
func NewZapLogger(opts Options) (*ZapLogger, error) {
	zapLevel := parseZapLevel(opts.Level)

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	consoleCore := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(os.Stdout),
		zapLevel,
	)

	var combined zapcore.Core = consoleCore
	if opts.Fluent != nil && opts.Fluent.Enable {
		fluentCore, err := newFluentCore(*opts.Fluent, opts.App, opts.AccountID, zapLevel)
		if err != nil {
			return nil, fmt.Errorf("failed to start fluent shipper: %w", err)
		}
		combined = zapcore.NewTee(consoleCore, fluentCore)
	}

	logger := zap.New(combined, zap.AddCaller(), zap.AddCallerSkip(1))
	if opts.App != "" {
		logger = logger.With(zap.String("app", opts.App))
	}
	if opts.AccountID != "" {
		logger = logger.With(zap.String("mtaccount", opts.AccountID))
	}

	return &ZapLogger{logger: logger}, nil
}

func parseZapLevel(levelStr string) zapcore.Level {
	switch strings.ToUpper(levelStr) {
	case "DEBUG":
		return zap.DebugLevel
	case "INFO":
		return zap.InfoLevel
	case "WARN", "WARNING":
		return zap.WarnLevel
	case "ERROR":
		return zap.ErrorLevel
	case "CRITICAL", "FATAL":
		return zap.FatalLevel
	default:
		return zap.InfoLevel
	}
}

func (l *ZapLogger) convertToZapFields(fields []interface{}) []zap.Field {
	zapFields := make([]zap.Field, 0, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", fields[i])
		}
		zapFields = append(zapFields, zap.Any(key, fields[i+1]))
	}
	return zapFields
}

func (l *ZapLogger) Debug(msg string, fields ...interface{}) {
	l.logger.Debug(msg, l.convertToZapFields(fields)...)
}

func (l *ZapLogger) Info(msg string, fields ...interface{}) {
	l.logger.Info(msg, l.convertToZapFields(fields)...)
}

func (l *ZapLogger) Warn(msg string, fields ...interface{}) {
	l.logger.Warn(msg, l.convertToZapFields(fields)...)
}

func (l *ZapLogger) Error(msg string, fields ...interface{}) {
	l.logger.Error(msg, l.convertToZapFields(fields)...)
}

// Critical logs at error level with a severity marker. It does not exit
// the process; critical conditions are surfaced to the operator through
// the alert manager.
func (l *ZapLogger) Critical(msg string, fields ...interface{}) {
	zf := append(l.convertToZapFields(fields), zap.String("severity", "CRITICAL"))
	l.logger.Error(msg, zf...)
}

func (l *ZapLogger) WithField(key string, value interface{}) core.ILogger {
	return &ZapLogger{logger: l.logger.With(zap.Any(key, value))}
}

func (l *ZapLogger) WithFields(fields map[string]interface{}) core.ILogger {
	zapFields := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zapFields = append(zapFields, zap.Any(k, v))
	}
	return &ZapLogger{logger: l.logger.With(zapFields...)}
}

// Sync flushes buffered log entries.
func (l *ZapLogger) Sync() error {
	return l.logger.Sync()
}

// NewNop returns a logger that discards everything. Used in tests.
func NewNop() core.ILogger {
	return &ZapLogger{logger: zap.NewNop()}
}
