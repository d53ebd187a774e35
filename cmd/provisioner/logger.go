package main

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// initLogger builds the process logger. Format "console" is meant for
// interactive use, anything else logs JSON.
func initLogger(level, format string) (*zap.Logger, zap.AtomicLevel, error) {
	atomicLevel := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if level != "" {
		if err := atomicLevel.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
			return nil, atomicLevel, fmt.Errorf("invalid log level %q: %w", level, err)
		}
	}

	cfg := zap.NewProductionConfig()
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.Level = atomicLevel
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return nil, atomicLevel, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, atomicLevel, nil
}
