// Package obslog provides structured logging for the kernel, adapted
// from the teacher corpus's zap/AtomicLevel logger package: JSON in
// production, console in development, with a hot-reloadable level.
package obslog

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	global      *zap.Logger
	atomicLevel zap.AtomicLevel
	once        sync.Once
	mu          sync.Mutex
)

// Init initializes the global logger. level is one of
// debug/info/warn/error; format is "json" or "console".
func Init(level, format string) error {
	var initErr error
	once.Do(func() {
		atomicLevel = zap.NewAtomicLevel()
		if err := atomicLevel.UnmarshalText([]byte(level)); err != nil {
			initErr = fmt.Errorf("parse log level %q: %w", level, err)
			return
		}

		var cfg zap.Config
		switch format {
		case "console":
			cfg = zap.NewDevelopmentConfig()
			cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		default:
			cfg = zap.NewProductionConfig()
		}
		cfg.Level = atomicLevel

		logger, err := cfg.Build(zap.AddCallerSkip(1))
		if err != nil {
			initErr = fmt.Errorf("build logger: %w", err)
			return
		}
		global = logger
	})
	return initErr
}

// SetLevel dynamically changes the log level.
func SetLevel(level string) error {
	return atomicLevel.UnmarshalText([]byte(level))
}

// L returns the global logger, lazily defaulting to an info-level
// JSON logger if Init was never called — library packages (guard,
// bus, store) must never panic just because a test or a short-lived
// CLI invocation skipped explicit bootstrap.
func L() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	if global == nil {
		if l, err := zap.NewProduction(); err == nil {
			global = l
		} else {
			global = zap.NewNop()
		}
	}
	return global
}

// With creates a child logger with additional fields.
func With(fields ...zap.Field) *zap.Logger {
	return L().With(fields...)
}

// Any is a thin re-export of zap.Any so callers outside this package
// don't need a direct zap import just to attach one ad hoc field.
func Any(key string, value interface{}) zap.Field {
	return zap.Any(key, value)
}

// Sync flushes any buffered log entries.
func Sync() error {
	if global == nil {
		return nil
	}
	return global.Sync()
}
