// Package config handles Ivy configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/ivy/config.yaml, /etc/ivy/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "ivy", "config.yaml"))
	}

	paths = append(paths, "/etc/ivy/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Ivy configuration.
type Config struct {
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
	Anthropic     AnthropicConfig     `yaml:"anthropic"`
	Telegram      TelegramConfig      `yaml:"telegram"`
	Cache         CacheConfig         `yaml:"cache"`
	Usage         UsageConfig         `yaml:"usage"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	Schedules     []ScheduleTask      `yaml:"schedules"`
	DataDir       string              `yaml:"data_dir"`
	LogLevel      string              `yaml:"log_level"`
}

// HomeAssistantConfig defines HA connection settings.
type HomeAssistantConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// AnthropicConfig defines the reasoning backend settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
	// Model is the default model ID used for both intent extraction
	// and the full agent loop.
	Model string `yaml:"model"`
	// MaxHistory is the number of user/assistant pairs retained per
	// conversation after each completed turn.
	MaxHistory int `yaml:"max_history"`
}

// TelegramConfig defines the chat transport settings.
type TelegramConfig struct {
	Token string `yaml:"token"`
	// AuthorizedUsers lists Telegram user IDs allowed to talk to the
	// bot. Empty means allow everyone (only sensible for testing).
	AuthorizedUsers []int64 `yaml:"authorized_users"`
	// NotificationChatID receives scheduled-task output and error
	// reports. Zero disables notifications.
	NotificationChatID int64 `yaml:"notification_chat_id"`
}

// CacheConfig defines entity metadata cache settings.
type CacheConfig struct {
	RefreshIntervalHours int `yaml:"refresh_interval_hours"`
}

// UsageConfig defines daily token budget settings.
type UsageConfig struct {
	DailyTokenLimit  int     `yaml:"daily_token_limit"`
	WarningThreshold float64 `yaml:"warning_threshold"`
	HardLimitEnabled bool    `yaml:"hard_limit_enabled"`
}

// MQTTConfig defines the optional MQTT presence publisher. When
// enabled, Ivy appears in Home Assistant as a device with daily token
// usage sensors and an availability topic.
type MQTTConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Broker          string `yaml:"broker"` // e.g. mqtt://broker.local:1883
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	DeviceName      string `yaml:"device_name"`
	DiscoveryPrefix string `yaml:"discovery_prefix"` // default "homeassistant"
}

// ScheduleTask defines one cron-driven canned prompt.
type ScheduleTask struct {
	Name    string `yaml:"name"`
	Cron    string `yaml:"cron"`
	Prompt  string `yaml:"prompt"`
	Enabled *bool  `yaml:"enabled"` // nil means enabled
}

// IsEnabled reports whether the task should be scheduled.
func (t ScheduleTask) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// Load reads configuration from a YAML file. Environment variables in
// the file body are expanded before parsing, so secrets can be
// referenced as ${HA_TOKEN} rather than stored inline.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return cfg, nil
}

// Default returns a configuration with defaults applied. Required
// secrets (tokens, API key) have no defaults and fail validation.
func Default() *Config {
	return &Config{
		HomeAssistant: HomeAssistantConfig{
			URL: "http://homeassistant.local:8123",
		},
		Anthropic: AnthropicConfig{
			Model:      "claude-sonnet-4-20250514",
			MaxHistory: 10,
		},
		Cache: CacheConfig{
			RefreshIntervalHours: 6,
		},
		Usage: UsageConfig{
			DailyTokenLimit:  100_000,
			WarningThreshold: 0.8,
		},
		MQTT: MQTTConfig{
			DeviceName:      "ivy",
			DiscoveryPrefix: "homeassistant",
		},
		DataDir: "data",
	}
}

// Validate checks that required settings are present and schedule
// definitions are well-formed. Called by Load; configuration errors
// are fatal at startup, the process must not start degraded.
func (c *Config) Validate() error {
	if c.HomeAssistant.URL == "" {
		return fmt.Errorf("homeassistant.url is required")
	}
	if c.HomeAssistant.Token == "" {
		return fmt.Errorf("homeassistant.token is required")
	}
	if c.Anthropic.APIKey == "" {
		return fmt.Errorf("anthropic.api_key is required")
	}
	if c.Telegram.Token == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if c.Anthropic.MaxHistory <= 0 {
		c.Anthropic.MaxHistory = 10
	}
	if c.Usage.WarningThreshold <= 0 || c.Usage.WarningThreshold > 1 {
		c.Usage.WarningThreshold = 0.8
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}

	for i, s := range c.Schedules {
		if s.Name == "" {
			return fmt.Errorf("schedules[%d]: name is required", i)
		}
		if strings.TrimSpace(s.Prompt) == "" {
			return fmt.Errorf("schedule %q: prompt is required", s.Name)
		}
		if len(strings.Fields(s.Cron)) != 5 {
			return fmt.Errorf("schedule %q: cron must have 5 fields, got %q", s.Name, s.Cron)
		}
	}

	return nil
}
