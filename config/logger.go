package config

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const serviceName = "loan-ledger"

// NewLogger creates the structured logger for the service.
func NewLogger(cfg LoggingConfig) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "timestamp"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zc.Level = level
	}
	zc.InitialFields = map[string]interface{}{
		"service": serviceName,
	}
	return zc.Build()
}
