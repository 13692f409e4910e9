// Package logging builds the zap loggers used across bmadorch.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures New.
type Options struct {
	// Level is the minimum level written to the log file.
	Level string
	// File is the log file path. Empty disables the file core.
	File string
	// JSON selects the JSON encoder for the file core.
	JSON bool
	// Console receives warnings and errors. Nil disables the console core.
	Console io.Writer
	// ConsoleLevel overrides the console threshold (default warn).
	ConsoleLevel string
}

func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "timestamp"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return cfg
}

// New creates a logger writing to a file and, for warnings, to the console.
// The returned close function flushes and closes the file.
func New(opts Options) (*zap.Logger, func() error, error) {
	level, err := zapcore.ParseLevel(defaultString(opts.Level, "info"))
	if err != nil {
		return nil, nil, fmt.Errorf("log level: %w", err)
	}
	consoleLevel, err := zapcore.ParseLevel(defaultString(opts.ConsoleLevel, "warn"))
	if err != nil {
		return nil, nil, fmt.Errorf("console log level: %w", err)
	}

	var cores []zapcore.Core
	closeFn := func() error { return nil }

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}

		var enc zapcore.Encoder
		if opts.JSON {
			enc = zapcore.NewJSONEncoder(encoderConfig())
		} else {
			enc = zapcore.NewConsoleEncoder(encoderConfig())
		}
		cores = append(cores, zapcore.NewCore(enc, zapcore.AddSync(f), level))
		closeFn = f.Close
	}

	if opts.Console != nil {
		consoleCfg := encoderConfig()
		consoleCfg.TimeKey = ""
		consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cores = append(cores, zapcore.NewCore(
			zapcore.NewConsoleEncoder(consoleCfg),
			zapcore.AddSync(opts.Console),
			consoleLevel,
		))
	}

	if len(cores) == 0 {
		return zap.NewNop(), closeFn, nil
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	return logger, func() error {
		_ = logger.Sync()
		return closeFn()
	}, nil
}

// Nop returns a logger that discards everything.
func Nop() *zap.Logger {
	return zap.NewNop()
}

// Debugf adapts a logger to printf-style debug hooks such as
// graph.DependencyGraph.SetDebugLog.
func Debugf(logger *zap.Logger) func(format string, args ...interface{}) {
	sugar := logger.Sugar()
	return func(format string, args ...interface{}) {
		sugar.Debugf(format, args...)
	}
}

func defaultString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
