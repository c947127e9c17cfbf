package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalConfig = `
homeassistant:
  url: http://ha.local:8123
  token: ha-token
anthropic:
  api_key: sk-ant-test
telegram:
  token: 12345:telegram
  authorized_users: [100, 200]
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Anthropic.Model != "claude-sonnet-4-20250514" {
		t.Errorf("Model = %q", cfg.Anthropic.Model)
	}
	if cfg.Anthropic.MaxHistory != 10 {
		t.Errorf("MaxHistory = %d", cfg.Anthropic.MaxHistory)
	}
	if cfg.Cache.RefreshIntervalHours != 6 {
		t.Errorf("RefreshIntervalHours = %d", cfg.Cache.RefreshIntervalHours)
	}
	if cfg.Usage.DailyTokenLimit != 100_000 {
		t.Errorf("DailyTokenLimit = %d", cfg.Usage.DailyTokenLimit)
	}
	if cfg.Usage.WarningThreshold != 0.8 {
		t.Errorf("WarningThreshold = %v", cfg.Usage.WarningThreshold)
	}
	if cfg.DataDir != "data" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if len(cfg.Telegram.AuthorizedUsers) != 2 || cfg.Telegram.AuthorizedUsers[0] != 100 {
		t.Errorf("AuthorizedUsers = %v", cfg.Telegram.AuthorizedUsers)
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_HA_TOKEN", "secret-from-env")

	body := strings.Replace(minimalConfig, "ha-token", "${TEST_HA_TOKEN}", 1)
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HomeAssistant.Token != "secret-from-env" {
		t.Errorf("Token = %q", cfg.HomeAssistant.Token)
	}
}

func TestValidateRequiredFields(t *testing.T) {
	tests := []struct {
		name    string
		strip   string
		wantErr string
	}{
		{"missing ha token", "token: ha-token", "homeassistant.token"},
		{"missing api key", "api_key: sk-ant-test", "anthropic.api_key"},
		{"missing telegram token", "token: 12345:telegram", "telegram.token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := strings.Replace(minimalConfig, tt.strip, "", 1)
			_, err := Load(writeConfig(t, body))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestValidateSchedules(t *testing.T) {
	body := minimalConfig + `
schedules:
  - name: morning
    cron: "0 7 * * *"
    prompt: "give me a morning report"
  - name: broken
    cron: "0 7 *"
    prompt: "bad cron"
`
	_, err := Load(writeConfig(t, body))
	if err == nil || !strings.Contains(err.Error(), "5 fields") {
		t.Errorf("err = %v", err)
	}
}

func TestValidateMQTTBroker(t *testing.T) {
	body := minimalConfig + `
mqtt:
  enabled: true
`
	_, err := Load(writeConfig(t, body))
	if err == nil || !strings.Contains(err.Error(), "mqtt.broker") {
		t.Errorf("err = %v", err)
	}
}

func TestScheduleTaskIsEnabled(t *testing.T) {
	on, off := true, false
	tests := []struct {
		name    string
		enabled *bool
		want    bool
	}{
		{"nil means enabled", nil, true},
		{"explicit true", &on, true},
		{"explicit false", &off, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := ScheduleTask{Enabled: tt.enabled}
			if got := task.IsEnabled(); got != tt.want {
				t.Errorf("IsEnabled = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"trace", LevelTrace, false},
		{"debug", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"WARN", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLogLevel(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseLogLevel: %v", err)
			}
			if got != tt.want {
				t.Errorf("level = %v, want %v", got, tt.want)
			}
		})
	}
}
