package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnvVars(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		envVars  map[string]string
		expected string
	}{
		{
			name:  "expand single env var",
			input: "webhook_url: ${TEST_WEBHOOK}",
			envVars: map[string]string{
				"TEST_WEBHOOK": "https://hooks.example.com/abc",
			},
			expected: "webhook_url: https://hooks.example.com/abc",
		},
		{
			name:  "expand multiple env vars",
			input: "security: ${SEC}\nportfolio: ${PF}",
			envVars: map[string]string{
				"SEC": "SBER",
				"PF":  "main",
			},
			expected: "security: SBER\nportfolio: main",
		},
		{
			name:     "missing env var returns empty string",
			input:    "webhook_url: ${MISSING_VAR}",
			envVars:  map[string]string{},
			expected: "webhook_url: ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			result := expandEnvVars(tt.input)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigWithEnvVars(t *testing.T) {
	path := writeConfig(t, `app:
  scenario_file: "scenario.yaml"

system:
  log_level: "DEBUG"

alert:
  webhook_url: "${TEST_ALERT_WEBHOOK}"

strategy:
  security: "GAZP"
  portfolio: "main"
  entry_ref: "buy1"
  take_profit: 1.5
  stop_loss: 0.5
  exit_after_seconds: 60
`)
	t.Setenv("TEST_ALERT_WEBHOOK", "https://hooks.example.com/secret-token")

	config, err := LoadConfig(path)
	require.NoError(t, err, "LoadConfig() error")

	assert.Equal(t, Secret("https://hooks.example.com/secret-token"), config.Alert.WebhookURL)
	assert.Equal(t, "GAZP", config.Strategy.Security)
	assert.Equal(t, time.Minute, config.Strategy.ExitAfter())

	// defaults survive for omitted sections
	assert.Equal(t, 5*time.Second, config.Rules.StopTimeout())
	assert.Equal(t, 4, config.Concurrency.DispatchPoolSize)
	assert.Equal(t, 5, config.Alert.TimeoutSeconds)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")

	_, err = LoadConfig(writeConfig(t, "app: [broken"))
	assert.ErrorContains(t, err, "failed to parse config file")

	_, err = LoadConfig(writeConfig(t, "system:\n  log_level: LOUD\n"))
	assert.ErrorContains(t, err, "system.log_level")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"default is valid", func(*Config) {}, ""},
		{"lowercase log level", func(c *Config) { c.System.LogLevel = "debug" }, ""},
		{"missing scenario", func(c *Config) { c.App.ScenarioFile = "" }, "app.scenario_file"},
		{"bad rules level", func(c *Config) { c.Rules.LogLevel = "TRACE" }, "rules.log_level"},
		{"stop timeout", func(c *Config) { c.Rules.StopTimeoutSeconds = 0 }, "rules.stop_timeout_seconds"},
		{"negative pace", func(c *Config) { c.Replay.EventsPerSecond = -1 }, "replay.events_per_second"},
		{"pool needed for parallel dispatch", func(c *Config) {
			c.Replay.ParallelDispatch = true
			c.Concurrency.DispatchPoolSize = 0
		}, "concurrency.dispatch_pool_size"},
		{"pool ignored when sequential", func(c *Config) { c.Concurrency.DispatchPoolSize = 0 }, ""},
		{"webhook scheme", func(c *Config) { c.Alert.WebhookURL = "ftp://x" }, "alert.webhook_url"},
		{"take profit", func(c *Config) { c.Strategy.TakeProfit = 0 }, "strategy.take_profit"},
		{"stop loss", func(c *Config) { c.Strategy.StopLoss = -1 }, "strategy.stop_loss"},
		{"entry ref", func(c *Config) { c.Strategy.EntryRef = "" }, "strategy.entry_ref"},
		{"exit after", func(c *Config) { c.Strategy.ExitAfterSecond = -5 }, "strategy.exit_after_seconds"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestConfig_ValidateAggregatesErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.System.LogLevel = "NOPE"
	cfg.Strategy.Security = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "system.log_level")
	assert.Contains(t, err.Error(), "strategy.security")
}

func TestConfig_String(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Alert.WebhookURL = Secret("https://hooks.example.com/my_super_secret_token")
	output := cfg.String()

	assert.Contains(t, output, "[REDACTED]")
	assert.NotContains(t, output, "my_super_secret_token", "output should NOT contain the webhook token")
	assert.Contains(t, output, "scenario_file")
}
