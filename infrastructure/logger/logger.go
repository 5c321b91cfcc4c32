// Package logger is the structured logging interface shared by curator's
// commands and workers. It wraps zap and always emits JSON.
package logger

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the logging surface every curator component depends on.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Fatal(msg string, fields ...Field)
	// With returns a child logger carrying the given fields on every entry.
	With(fields ...Field) Logger
	Sync() error
}

// Field is a key/value pair attached to a log entry.
type Field = zap.Field

// Config controls logger construction.
type Config struct {
	Level       string   `env:"LOG_LEVEL"   yaml:"level"`
	Development bool     `env:"LOG_DEV"     yaml:"development"`
	OutputPaths []string `yaml:"output_paths"`
}

const defaultLevel = "info"

func (c *Config) applyDefaults() {
	if c.Level == "" {
		c.Level = defaultLevel
	}
	if len(c.OutputPaths) == 0 {
		c.OutputPaths = []string{"stdout"}
	}
}

type zapLogger struct {
	z *zap.Logger
}

// New builds a JSON zap logger from cfg.
func New(cfg Config) (Logger, error) {
	cfg.applyDefaults()

	zc := zap.NewProductionConfig()
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	zc.Level = zap.NewAtomicLevelAt(ParseLevel(cfg.Level))
	zc.OutputPaths = cfg.OutputPaths
	if cfg.Development {
		zc.Sampling = nil
	}

	z, err := zc.Build(zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %w", err)
	}
	return &zapLogger{z: z}, nil
}

// ParseLevel maps a level name to a zap level, defaulting to info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

func (l *zapLogger) Debug(msg string, fields ...Field) { l.z.Debug(msg, fields...) }
func (l *zapLogger) Info(msg string, fields ...Field)  { l.z.Info(msg, fields...) }
func (l *zapLogger) Warn(msg string, fields ...Field)  { l.z.Warn(msg, fields...) }
func (l *zapLogger) Error(msg string, fields ...Field) { l.z.Error(msg, fields...) }
func (l *zapLogger) Fatal(msg string, fields ...Field) { l.z.Fatal(msg, fields...) }

func (l *zapLogger) With(fields ...Field) Logger {
	return &zapLogger{z: l.z.With(fields...)}
}

func (l *zapLogger) Sync() error { return l.z.Sync() }

// Field constructors. Callers never import zap directly.

func String(key, val string) Field               { return zap.String(key, val) }
func Strings(key string, val []string) Field     { return zap.Strings(key, val) }
func Int(key string, val int) Field              { return zap.Int(key, val) }
func Int64(key string, val int64) Field          { return zap.Int64(key, val) }
func Float64(key string, val float64) Field      { return zap.Float64(key, val) }
func Bool(key string, val bool) Field            { return zap.Bool(key, val) }
func Duration(key string, val time.Duration) Field { return zap.Duration(key, val) }
func Time(key string, val time.Time) Field       { return zap.Time(key, val) }
func Error(err error) Field                      { return zap.Error(err) }
func Any(key string, val any) Field              { return zap.Any(key, val) }

// Component tags entries with the subsystem that produced them.
func Component(name string) Field { return zap.String("component", name) }
