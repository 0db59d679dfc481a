package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const encodingConsole = "console"

// Config selects the level (debug, info, warn, error) and the encoding (json, console).
type Config struct {
	Level  string
	Format string
}

// NewLogger returns a zap logger configured for structured production logging.
// A "console" format keeps the production level handling but writes human-readable lines.
func NewLogger(config Config) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(config.Level))

	if strings.EqualFold(strings.TrimSpace(config.Format), encodingConsole) {
		cfg.Encoding = encodingConsole
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	return cfg.Build()
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
