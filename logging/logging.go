// Package logging builds zap loggers from preset names.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func noopTimeEncoder(time.Time, zapcore.PrimitiveArrayEncoder) {}

// NewZapLogger returns a new [zap.Logger] from the given preset name, or,
// if the name does not match any preset, from the JSON configuration file
// at that path.
//
// Available presets: console, console-nocolor, console-notime, systemd,
// production, development. The level is only applied to the console and
// systemd presets.
func NewZapLogger(preset string, level zapcore.Level) (*zap.Logger, error) {
	switch preset {
	case "console", "console-nocolor", "console-notime":
		cfg := zap.Config{
			Level:             zap.NewAtomicLevelAt(level),
			DisableCaller:     true,
			DisableStacktrace: true,
			Encoding:          "console",
			EncoderConfig:     zap.NewDevelopmentEncoderConfig(),
			OutputPaths:       []string{"stdout"},
			ErrorOutputPaths:  []string{"stderr"},
		}
		switch preset {
		case "console":
			cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		case "console-notime":
			cfg.EncoderConfig.EncodeTime = noopTimeEncoder
		}
		return cfg.Build()

	case "systemd":
		cfg := zap.Config{
			Level:             zap.NewAtomicLevelAt(level),
			DisableCaller:     true,
			DisableStacktrace: true,
			Encoding:          "console",
			EncoderConfig:     zap.NewDevelopmentEncoderConfig(),
			OutputPaths:       []string{"stdout"},
			ErrorOutputPaths:  []string{"stderr"},
		}
		// The journal supplies timestamps.
		cfg.EncoderConfig.EncodeTime = noopTimeEncoder
		return cfg.Build()

	case "production":
		return zap.NewProduction()

	case "development":
		return zap.NewDevelopment()

	default:
		data, err := os.ReadFile(preset)
		if err != nil {
			return nil, fmt.Errorf("failed to read logger config: %w", err)
		}
		var cfg zap.Config
		if err = json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse logger config: %w", err)
		}
		return cfg.Build()
	}
}
