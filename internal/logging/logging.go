// Package logging builds the process logger.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	gwerrors "github.com/deskgate/deskgate/internal/errors"
)

// New returns a logger at level ("debug", "info", "warn", "error") in
// format "json" or "console". Console output is colored and human
// oriented; json is for log shippers.
func New(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, gwerrors.E(gwerrors.InvalidConfig, "logging.new", level, err)
	}

	var cfg zap.Config
	switch format {
	case "", "json":
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "time"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	case "console":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, gwerrors.Newf(gwerrors.InvalidConfig, "logging.new", "unknown log format %q", format)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.DisableStacktrace = lvl > zapcore.DebugLevel

	logger, err := cfg.Build()
	if err != nil {
		return nil, gwerrors.E(gwerrors.InvalidConfig, "logging.new", format, err)
	}
	return logger.With(zap.String("service", "deskgate")), nil
}
