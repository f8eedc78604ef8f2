package bootstrap

import (
	"market_rules/internal/core"
	"market_rules/pkg/logging"
)

// InitLogger builds the zap logger from configuration and installs it as the global logger.
func InitLogger(cfg *Config) (core.ILogger, error) {
	zl, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return nil, err
	}

	var logger core.ILogger = zl
	if cfg.App.Name != "" {
		logger = logger.WithField("app", cfg.App.Name)
	}

	logging.SetGlobalLogger(logger)
	return logger, nil
}
