package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/isdmx/runbox/config"
)

// NewFromConfig builds the process logger from the loaded configuration.
func NewFromConfig(cfg *config.Config) (*zap.Logger, error) {
	return New(cfg.Logging.Mode, cfg.Logging.Level)
}

// New builds a logger for the given mode and minimum level. Development mode
// writes colorized console lines for local runs; production mode writes JSON
// with ISO8601 timestamps for log shippers.
func New(mode, level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid logging level %q: %w", level, err)
	}

	var cfg zap.Config
	switch mode {
	case "development":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	case "production":
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		// Execution and proxy errors carry their context in fields; stack
		// traces only bloat the shipped lines.
		cfg.DisableStacktrace = true
	default:
		return nil, fmt.Errorf("invalid logging mode %q: must be \"production\" or \"development\"", mode)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	return cfg.Build()
}
