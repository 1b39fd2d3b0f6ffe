// Package config holds the coworkd configuration model.
package config

import (
	"fmt"
	"sync"
)

// DefaultAgentTurnTimeoutSec is the per-turn deadline for an IM turn.
const DefaultAgentTurnTimeoutSec = 300

// Config is the root configuration. Loaded from a JSON5 file with env
// overlay; see config_load.go.
type Config struct {
	mu sync.RWMutex `json:"-"`

	Agent     AgentConfig     `json:"agent"`
	Channels  ChannelsConfig  `json:"channels"`
	Sandbox   SandboxConfig   `json:"sandbox"`
	Skills    SkillsConfig    `json:"skills"`
	Database  DatabaseConfig  `json:"database"`
	Telemetry TelemetryConfig `json:"telemetry"`
}

// AgentConfig configures the agent runner defaults.
type AgentConfig struct {
	// Workspace is the root directory handed to new agent sessions.
	Workspace string `json:"workspace"`
	// SystemPrompt is the base system prompt stored on new sessions.
	SystemPrompt string `json:"system_prompt,omitempty"`
	// ExecutionMode is "local", "sandbox", or "auto".
	ExecutionMode string `json:"execution_mode,omitempty"`
	// Binary is the agent CLI executable (default "claude").
	Binary string `json:"binary,omitempty"`
	// TurnTimeoutSec bounds one IM turn end to end (default 300).
	TurnTimeoutSec int `json:"turn_timeout_sec,omitempty"`
}

// ChannelsConfig holds one block per IM platform.
type ChannelsConfig struct {
	DingTalk DingTalkConfig `json:"dingtalk"`
	Feishu   FeishuConfig   `json:"feishu"`
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
	WeCom    WeComConfig    `json:"wecom"`
}

type DingTalkConfig struct {
	Enabled      bool   `json:"enabled"`
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
}

type FeishuConfig struct {
	Enabled   bool   `json:"enabled"`
	AppID     string `json:"app_id,omitempty"`
	AppSecret string `json:"app_secret,omitempty"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token,omitempty"`
}

type DiscordConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token,omitempty"`
}

type WeComConfig struct {
	Enabled        bool   `json:"enabled"`
	GatewayURL     string `json:"gateway_url,omitempty"`
	Token          string `json:"token,omitempty"`
	EncodingAESKey string `json:"encoding_aes_key,omitempty"`
}

// SandboxConfig configures the optional VM execution mode.
type SandboxConfig struct {
	// Image is the VM disk image path.
	Image string `json:"image,omitempty"`
	// Binary is the VM launcher executable (default "cowork-vm").
	Binary string `json:"binary,omitempty"`
	// IPCDir overrides the per-session IPC directory root.
	IPCDir string `json:"ipc_dir,omitempty"`
	// MemoryMB and CPUs bound the guest.
	MemoryMB int     `json:"memory_mb,omitempty"`
	CPUs     float64 `json:"cpus,omitempty"`
	// MediaGCDays is the staleness threshold for shared-media GC (default 7).
	MediaGCDays int `json:"media_gc_days,omitempty"`
}

// SkillsConfig configures the skill library loader.
type SkillsConfig struct {
	// Dir is the skill library root; empty disables skills.
	Dir string `json:"dir,omitempty"`
	// Watch enables hot reload on file changes.
	Watch bool `json:"watch,omitempty"`
}

// DatabaseConfig selects the message store backend.
type DatabaseConfig struct {
	// Path is the SQLite database file (default "~/.coworkd/coworkd.db").
	Path string `json:"path,omitempty"`
	// PostgresDSN switches the store to Postgres when set (env only).
	PostgresDSN string `json:"-"`
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // "grpc" or "http"
	ServiceName string `json:"service_name,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}

// ChannelPatch is a partial update to one platform block. Nil fields keep
// their current values; only the fields the platform knows are consulted.
type ChannelPatch struct {
	Enabled        *bool   `json:"enabled,omitempty"`
	BotToken       *string `json:"bot_token,omitempty"`
	ClientID       *string `json:"client_id,omitempty"`
	ClientSecret   *string `json:"client_secret,omitempty"`
	AppID          *string `json:"app_id,omitempty"`
	AppSecret      *string `json:"app_secret,omitempty"`
	GatewayURL     *string `json:"gateway_url,omitempty"`
	Token          *string `json:"token,omitempty"`
	EncodingAESKey *string `json:"encoding_aes_key,omitempty"`
}

// Patch is a partial config update, keyed by platform name.
type Patch struct {
	Channels map[string]ChannelPatch `json:"channels,omitempty"`
}

// Apply merges the patch into the config under its write lock. An unknown
// platform name fails the whole patch before anything is applied.
func (c *Config) Apply(p Patch) error {
	for name := range p.Channels {
		switch name {
		case "dingtalk", "feishu", "telegram", "discord", "wecom":
		default:
			return fmt.Errorf("unknown platform %q", name)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for name, cp := range p.Channels {
		switch name {
		case "dingtalk":
			setBool(&c.Channels.DingTalk.Enabled, cp.Enabled)
			setString(&c.Channels.DingTalk.ClientID, cp.ClientID)
			setString(&c.Channels.DingTalk.ClientSecret, cp.ClientSecret)
		case "feishu":
			setBool(&c.Channels.Feishu.Enabled, cp.Enabled)
			setString(&c.Channels.Feishu.AppID, cp.AppID)
			setString(&c.Channels.Feishu.AppSecret, cp.AppSecret)
		case "telegram":
			setBool(&c.Channels.Telegram.Enabled, cp.Enabled)
			setString(&c.Channels.Telegram.BotToken, cp.BotToken)
		case "discord":
			setBool(&c.Channels.Discord.Enabled, cp.Enabled)
			setString(&c.Channels.Discord.BotToken, cp.BotToken)
		case "wecom":
			setBool(&c.Channels.WeCom.Enabled, cp.Enabled)
			setString(&c.Channels.WeCom.GatewayURL, cp.GatewayURL)
			setString(&c.Channels.WeCom.Token, cp.Token)
			setString(&c.Channels.WeCom.EncodingAESKey, cp.EncodingAESKey)
		}
	}
	return nil
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

// TurnTimeoutSec returns the configured per-turn deadline in seconds.
func (c *Config) TurnTimeoutSec() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Agent.TurnTimeoutSec > 0 {
		return c.Agent.TurnTimeoutSec
	}
	return DefaultAgentTurnTimeoutSec
}

// WorkspacePath returns the expanded agent workspace path.
func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Agent.Workspace)
}

// ChannelEnabled reports whether the named platform is enabled.
func (c *Config) ChannelEnabled(platform string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch platform {
	case "dingtalk":
		return c.Channels.DingTalk.Enabled
	case "feishu":
		return c.Channels.Feishu.Enabled
	case "telegram":
		return c.Channels.Telegram.Enabled
	case "discord":
		return c.Channels.Discord.Enabled
	case "wecom":
		return c.Channels.WeCom.Enabled
	}
	return false
}
