// Package logging provides zap logger construction. Loggers are passed into
// component constructors explicitly; there is no process-wide default.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls logger construction.
type Config struct {
	// Development enables the console encoder with colored levels.
	Development bool `mapstructure:"development"`
	// Level is the minimum level to emit: debug, info, warn, or error.
	Level string `mapstructure:"level"`
}

// New builds a zap.Logger from cfg.
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(cfg.Level); err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
		}
	}

	var zcfg zap.Config
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}
