// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App         AppConfig         `yaml:"app"`
	System      SystemConfig      `yaml:"system"`
	Rules       RulesConfig       `yaml:"rules"`
	Replay      ReplayConfig      `yaml:"replay"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Alert       AlertConfig       `yaml:"alert"`
	Strategy    StrategyConfig    `yaml:"strategy"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name         string `yaml:"name"`
	ScenarioFile string `yaml:"scenario_file" validate:"required"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
}

// RulesConfig contains rule container settings
type RulesConfig struct {
	ContainerName string `yaml:"container_name"`
	LogLevel      string `yaml:"log_level" validate:"oneof=DEBUG INFO WARN ERROR FATAL"`
	// StopTimeout bounds the wait for active rules on shutdown
	StopTimeoutSeconds int `yaml:"stop_timeout_seconds" validate:"min=1,max=300"`
}

// ReplayConfig contains market replay settings
type ReplayConfig struct {
	// EventsPerSecond paces the replay; 0 replays as fast as possible
	EventsPerSecond  float64 `yaml:"events_per_second" validate:"min=0"`
	ParallelDispatch bool    `yaml:"parallel_dispatch"`
}

// ConcurrencyConfig contains worker pool settings
type ConcurrencyConfig struct {
	DispatchPoolSize   int `yaml:"dispatch_pool_size" validate:"min=1,max=100"`
	DispatchPoolBuffer int `yaml:"dispatch_pool_buffer" validate:"min=1,max=10000"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
	// EnableTracing exports rule activation spans and zap records through OTel
	EnableTracing bool `yaml:"enable_tracing"`
	// TraceFile receives the exported spans and records; stdout when empty
	TraceFile string `yaml:"trace_file"`
}

// AlertConfig contains alert webhook settings
type AlertConfig struct {
	WebhookURL     Secret `yaml:"webhook_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds" validate:"min=1,max=60"`
}

// StrategyConfig contains the bracket strategy parameters
type StrategyConfig struct {
	Security        string  `yaml:"security" validate:"required"`
	Portfolio       string  `yaml:"portfolio" validate:"required"`
	EntryRef        string  `yaml:"entry_ref" validate:"required"`
	TakeProfit      float64 `yaml:"take_profit" validate:"required,gt=0"`
	StopLoss        float64 `yaml:"stop_loss" validate:"required,gt=0"`
	ExitAfterSecond int     `yaml:"exit_after_seconds" validate:"min=0"`
	MinPortfolio    float64 `yaml:"min_portfolio_value" validate:"min=0"`
}

// ExitAfter returns the position holding limit, zero when unlimited
func (s StrategyConfig) ExitAfter() time.Duration {
	return time.Duration(s.ExitAfterSecond) * time.Second
}

// StopTimeout returns the shutdown wait for active rules
func (r RulesConfig) StopTimeout() time.Duration {
	return time.Duration(r.StopTimeoutSeconds) * time.Second
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expandedData := expandEnvVars(string(data))

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandedData), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	for _, check := range []func() error{
		c.validateAppConfig,
		c.validateSystemConfig,
		c.validateRulesConfig,
		c.validateReplayConfig,
		c.validateConcurrencyConfig,
		c.validateAlertConfig,
		c.validateStrategyConfig,
	} {
		if err := check(); err != nil {
			errors = append(errors, err.Error())
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

var validLevels = []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}

func (c *Config) validateAppConfig() error {
	if c.App.ScenarioFile == "" {
		return ValidationError{
			Field:   "app.scenario_file",
			Message: "scenario file is required",
		}
	}
	return nil
}

func (c *Config) validateSystemConfig() error {
	if !slices.Contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

func (c *Config) validateRulesConfig() error {
	if c.Rules.LogLevel != "" && !slices.Contains(validLevels, strings.ToUpper(c.Rules.LogLevel)) {
		return ValidationError{
			Field:   "rules.log_level",
			Value:   c.Rules.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	if c.Rules.StopTimeoutSeconds < 1 || c.Rules.StopTimeoutSeconds > 300 {
		return ValidationError{
			Field:   "rules.stop_timeout_seconds",
			Value:   c.Rules.StopTimeoutSeconds,
			Message: "must be between 1 and 300",
		}
	}
	return nil
}

func (c *Config) validateReplayConfig() error {
	if c.Replay.EventsPerSecond < 0 {
		return ValidationError{
			Field:   "replay.events_per_second",
			Value:   c.Replay.EventsPerSecond,
			Message: "must not be negative",
		}
	}
	return nil
}

func (c *Config) validateConcurrencyConfig() error {
	if !c.Replay.ParallelDispatch {
		return nil
	}
	if c.Concurrency.DispatchPoolSize < 1 || c.Concurrency.DispatchPoolSize > 100 {
		return ValidationError{
			Field:   "concurrency.dispatch_pool_size",
			Value:   c.Concurrency.DispatchPoolSize,
			Message: "must be between 1 and 100 when parallel dispatch is enabled",
		}
	}
	return nil
}

func (c *Config) validateAlertConfig() error {
	if c.Alert.WebhookURL == "" {
		return nil // alerts go to the log only
	}
	if !strings.HasPrefix(string(c.Alert.WebhookURL), "http://") && !strings.HasPrefix(string(c.Alert.WebhookURL), "https://") {
		return ValidationError{
			Field:   "alert.webhook_url",
			Value:   c.Alert.WebhookURL,
			Message: "must be an http(s) URL",
		}
	}
	return nil
}

func (c *Config) validateStrategyConfig() error {
	s := c.Strategy
	if s.Security == "" {
		return ValidationError{Field: "strategy.security", Message: "security is required"}
	}
	if s.Portfolio == "" {
		return ValidationError{Field: "strategy.portfolio", Message: "portfolio is required"}
	}
	if s.EntryRef == "" {
		return ValidationError{Field: "strategy.entry_ref", Message: "entry order ref is required"}
	}
	if s.TakeProfit <= 0 {
		return ValidationError{Field: "strategy.take_profit", Value: s.TakeProfit, Message: "take profit offset must be positive"}
	}
	if s.StopLoss <= 0 {
		return ValidationError{Field: "strategy.stop_loss", Value: s.StopLoss, Message: "stop loss offset must be positive"}
	}
	if s.ExitAfterSecond < 0 {
		return ValidationError{Field: "strategy.exit_after_seconds", Value: s.ExitAfterSecond, Message: "must not be negative"}
	}
	return nil
}

// String returns a string representation of the configuration (with sensitive data masked)
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

// DefaultConfig returns a default configuration for testing
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:         "market_rules",
			ScenarioFile: "configs/scenario.yaml",
		},
		System: SystemConfig{
			LogLevel: "INFO",
		},
		Rules: RulesConfig{
			ContainerName:      "strategy",
			LogLevel:           "INFO",
			StopTimeoutSeconds: 5,
		},
		Replay: ReplayConfig{
			EventsPerSecond: 0,
		},
		Concurrency: ConcurrencyConfig{
			DispatchPoolSize:   4,
			DispatchPoolBuffer: 256,
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: false,
		},
		Alert: AlertConfig{
			TimeoutSeconds: 5,
		},
		Strategy: StrategyConfig{
			Security:        "SBER",
			Portfolio:       "main",
			EntryRef:        "entry",
			TakeProfit:      3,
			StopLoss:        2,
			ExitAfterSecond: 300,
			MinPortfolio:    0,
		},
	}
}
