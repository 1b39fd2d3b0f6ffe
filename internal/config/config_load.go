package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Workspace:      "~/.coworkd/workspace",
			ExecutionMode:  "local",
			Binary:         "claude",
			TurnTimeoutSec: DefaultAgentTurnTimeoutSec,
		},
		Sandbox: SandboxConfig{
			Binary:      "cowork-vm",
			MemoryMB:    2048,
			CPUs:        2,
			MediaGCDays: 7,
		},
		Database: DatabaseConfig{
			Path: "~/.coworkd/coworkd.db",
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "coworkd",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("COWORKD_WORKSPACE", &c.Agent.Workspace)
	envStr("COWORKD_SYSTEM_PROMPT", &c.Agent.SystemPrompt)
	envStr("COWORKD_EXECUTION_MODE", &c.Agent.ExecutionMode)
	envStr("COWORKD_AGENT_BINARY", &c.Agent.Binary)

	envStr("COWORKD_DINGTALK_CLIENT_ID", &c.Channels.DingTalk.ClientID)
	envStr("COWORKD_DINGTALK_CLIENT_SECRET", &c.Channels.DingTalk.ClientSecret)
	envStr("COWORKD_FEISHU_APP_ID", &c.Channels.Feishu.AppID)
	envStr("COWORKD_FEISHU_APP_SECRET", &c.Channels.Feishu.AppSecret)
	envStr("COWORKD_TELEGRAM_TOKEN", &c.Channels.Telegram.BotToken)
	envStr("COWORKD_DISCORD_TOKEN", &c.Channels.Discord.BotToken)
	envStr("COWORKD_WECOM_GATEWAY_URL", &c.Channels.WeCom.GatewayURL)
	envStr("COWORKD_WECOM_TOKEN", &c.Channels.WeCom.Token)
	envStr("COWORKD_WECOM_AES_KEY", &c.Channels.WeCom.EncodingAESKey)

	// Auto-enable channels when credentials arrive via env.
	if c.Channels.Telegram.BotToken != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.Discord.BotToken != "" {
		c.Channels.Discord.Enabled = true
	}
	if c.Channels.DingTalk.ClientID != "" && c.Channels.DingTalk.ClientSecret != "" {
		c.Channels.DingTalk.Enabled = true
	}
	if c.Channels.Feishu.AppID != "" && c.Channels.Feishu.AppSecret != "" {
		c.Channels.Feishu.Enabled = true
	}
	if c.Channels.WeCom.GatewayURL != "" && c.Channels.WeCom.Token != "" {
		c.Channels.WeCom.Enabled = true
	}

	envStr("COWORKD_SKILLS_DIR", &c.Skills.Dir)
	envStr("COWORKD_DB_PATH", &c.Database.Path)
	envStr("COWORKD_POSTGRES_DSN", &c.Database.PostgresDSN)

	envStr("COWORKD_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("COWORKD_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("COWORKD_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("COWORKD_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("COWORKD_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

const secretMask = "***"

// MaskedCopy returns a deep copy with secret fields masked. Used when the
// config is surfaced over the gateway config API.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	maskNonEmpty(&cp.Channels.DingTalk.ClientSecret)
	maskNonEmpty(&cp.Channels.Feishu.AppSecret)
	maskNonEmpty(&cp.Channels.Telegram.BotToken)
	maskNonEmpty(&cp.Channels.Discord.BotToken)
	maskNonEmpty(&cp.Channels.WeCom.Token)
	maskNonEmpty(&cp.Channels.WeCom.EncodingAESKey)

	return cp
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
