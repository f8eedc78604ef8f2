package bootstrap

import (
	"fmt"
	"os"

	"market_rules/internal/config"
)

// Config is an alias for the project's main configuration struct
type Config = config.Config

// LoadConfig delegates to the project's config loader
func LoadConfig(path string) (*Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	if err := checkPreFlight(cfg); err != nil {
		return nil, fmt.Errorf("pre-flight checks failed: %w", err)
	}

	return cfg, nil
}

// checkPreFlight performs environment checks beyond schema validation
func checkPreFlight(cfg *Config) error {
	info, err := os.Stat(cfg.App.ScenarioFile)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("scenario_file not found: %s", cfg.App.ScenarioFile)
		}
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("scenario_file is a directory: %s", cfg.App.ScenarioFile)
	}
	return nil
}
