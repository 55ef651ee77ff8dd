package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with key/value helpers.
type Logger struct {
	*zap.Logger
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level  string
	Format string
	Output string
}

// New creates a new logger based on configuration
func New(cfg LogConfig) (*Logger, error) {
	var config zap.Config
	var encoderConfig zapcore.EncoderConfig

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	if cfg.Format == "json" {
		config = zap.NewProductionConfig()
		encoderConfig = zap.NewProductionEncoderConfig()
		config.Encoding = "json"
	} else {
		config = zap.NewDevelopmentConfig()
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		config.Encoding = "console"
	}

	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	config.EncoderConfig = encoderConfig
	config.Level = zap.NewAtomicLevelAt(level)

	if cfg.Output != "" && cfg.Output != "stdout" {
		config.OutputPaths = []string{cfg.Output}
		config.ErrorOutputPaths = []string{cfg.Output}
	}

	zapLogger, err := config.Build(
		zap.AddCaller(),
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		return nil, err
	}

	return &Logger{zapLogger}, nil
}

// Sync flushes any buffered log entries
func (l *Logger) Sync() {
	_ = l.Logger.Sync()
}

// Named returns a child logger scoped to a component.
func (l *Logger) Named(name string) *Logger {
	return &Logger{l.Logger.Named(name)}
}

// With returns a child logger carrying the given key/value pairs.
func (l *Logger) With(fields ...interface{}) *Logger {
	return &Logger{l.Logger.With(convertFields(fields...)...)}
}

// Info logs an info message
func (l *Logger) Info(msg string, fields ...interface{}) {
	l.Logger.Info(msg, convertFields(fields...)...)
}

// Error logs an error message
func (l *Logger) Error(msg string, fields ...interface{}) {
	l.Logger.Error(msg, convertFields(fields...)...)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, fields ...interface{}) {
	l.Logger.Warn(msg, convertFields(fields...)...)
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, fields ...interface{}) {
	l.Logger.Debug(msg, convertFields(fields...)...)
}

func convertFields(fields ...interface{}) []zap.Field {
	zapFields := make([]zap.Field, 0, len(fields)/2)
	for i := 0; i < len(fields)-1; i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		if err, ok := fields[i+1].(error); ok && key == "error" {
			zapFields = append(zapFields, zap.Error(err))
			continue
		}
		zapFields = append(zapFields, zap.Any(key, fields[i+1]))
	}
	return zapFields
}

// NewNopLogger creates a no-op logger for testing
func NewNopLogger() *Logger {
	return &Logger{zap.NewNop()}
}
