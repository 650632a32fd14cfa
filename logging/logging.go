// Package logging builds the zap loggers used across pgmsnap.
package logging

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	ServiceName   string
	Level         string
	IsDevelopment bool
	InitialFields []zap.Field
}

// New builds a JSON logger on stderr, or a console logger in development.
func New(cfg Config) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)

	if cfg.Level != "" {
		var err error

		level, err = zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
		}
	}

	encoding := "json"
	if cfg.IsDevelopment {
		encoding = "console"
	}

	zc := zap.Config{
		Level:            level,
		Development:      cfg.IsDevelopment,
		Encoding:         encoding,
		EncoderConfig:    EncoderConfig(zapcore.DefaultLineEnding),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zc.Build(
		zap.Fields(
			zap.String("service", cfg.ServiceName),
			zap.Int("pid", os.Getpid()),
		),
		zap.Fields(cfg.InitialFields...),
	)
	if err != nil {
		return nil, fmt.Errorf("error building logger: %w", err)
	}

	return logger, nil
}

func EncoderConfig(lineEnding string) zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:       "timestamp",
		MessageKey:    "message",
		LevelKey:      "level",
		EncodeLevel:   zapcore.LowercaseLevelEncoder,
		NameKey:       "logger",
		StacktraceKey: "stacktrace",
		EncodeTime:    zapcore.RFC3339TimeEncoder,
		LineEnding:    lineEnding,
	}
}

// Size is a zap field rendering n bytes in IEC units.
func Size(key string, n uint64) zap.Field {
	return zap.String(key, humanize.IBytes(n))
}
