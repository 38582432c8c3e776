package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the main configuration structure for Tether.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Providers ProvidersConfig `yaml:"providers"`
	Tools     ToolsConfig     `yaml:"tools"`
	Logging   LoggingConfig   `yaml:"logging"`
	Push      PushConfig      `yaml:"push"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// WorkspaceRoot bounds every session working directory. Sessions may not
	// be created outside it.
	WorkspaceRoot string `yaml:"workspace_root"`
}

type SessionsConfig struct {
	// DataRoot is the directory holding sessions/<id>/snapshot.json.
	DataRoot string `yaml:"data_root"`

	// IdleEviction drops in-memory session state after this much inactivity.
	// Persisted snapshots survive eviction.
	IdleEviction time.Duration `yaml:"idle_eviction"`
}

type ProvidersConfig struct {
	// Default selects the provider when the client does not name one.
	Default   string          `yaml:"default"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
}

// AuthMode selects how the anthropic adapter authenticates.
type AuthMode string

const (
	AuthAPIKey       AuthMode = "api-key"
	AuthOAuth        AuthMode = "oauth"
	AuthOAuthThenKey AuthMode = "oauth-then-api-key"
	AuthKeyThenOAuth AuthMode = "api-key-then-oauth"
)

type AnthropicConfig struct {
	APIKey   string      `yaml:"api_key"`
	BaseURL  string      `yaml:"base_url"`
	Model    string      `yaml:"model"`
	AuthMode AuthMode    `yaml:"auth_mode"`
	OAuth    OAuthConfig `yaml:"oauth"`
}

type OAuthConfig struct {
	ClientID     string `yaml:"client_id"`
	TokenURL     string `yaml:"token_url"`
	RefreshToken string `yaml:"refresh_token"`
	AccessToken  string `yaml:"access_token"`
	// ExpiresAt is the unix-seconds expiry of the seeded access token.
	ExpiresAt int64 `yaml:"expires_at"`
}

type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

type ToolsConfig struct {
	// BashTimeout bounds a single bash invocation.
	BashTimeout time.Duration `yaml:"bash_timeout"`

	// BashMaxOutputBytes truncates shell output.
	BashMaxOutputBytes int `yaml:"bash_max_output_bytes"`

	// TextMaxOutputBytes truncates file tool output.
	TextMaxOutputBytes int `yaml:"text_max_output_bytes"`

	// ExtraDenied extends the built-in dangerous-command deny list.
	ExtraDenied []string `yaml:"extra_denied"`
}

type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

type PushConfig struct {
	// Endpoint of the push delivery service; empty selects the log-backed
	// dispatcher.
	Endpoint string `yaml:"endpoint"`
}

// Default returns the configuration used when no file is provided.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:          "127.0.0.1",
			Port:          8787,
			WorkspaceRoot: "",
		},
		Sessions: SessionsConfig{
			DataRoot:     "",
			IdleEviction: time.Hour,
		},
		Providers: ProvidersConfig{
			Default: "anthropic",
			Anthropic: AnthropicConfig{
				Model:    "claude-sonnet-4-20250514",
				AuthMode: AuthAPIKey,
			},
			OpenAI: OpenAIConfig{
				Model: "gpt-4.1",
			},
		},
		Tools: ToolsConfig{
			BashTimeout:        30 * time.Second,
			BashMaxOutputBytes: 100 * 1024,
			TextMaxOutputBytes: 50 * 1024,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks cross-field constraints after loading.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	switch c.Providers.Default {
	case "", "anthropic", "openai":
	default:
		return fmt.Errorf("providers.default must be anthropic or openai, got %q", c.Providers.Default)
	}
	switch c.Providers.Anthropic.AuthMode {
	case "", AuthAPIKey, AuthOAuth, AuthOAuthThenKey, AuthKeyThenOAuth:
	default:
		return fmt.Errorf("providers.anthropic.auth_mode invalid: %q", c.Providers.Anthropic.AuthMode)
	}
	if c.Sessions.IdleEviction < 0 {
		return fmt.Errorf("sessions.idle_eviction must not be negative")
	}
	if strings.TrimSpace(c.Providers.Default) == "" {
		c.Providers.Default = "anthropic"
	}
	return nil
}

// applyDefaults fills zero values from Default.
func (c *Config) applyDefaults() {
	def := Default()
	if c.Server.Host == "" {
		c.Server.Host = def.Server.Host
	}
	if c.Server.Port == 0 {
		c.Server.Port = def.Server.Port
	}
	if c.Sessions.IdleEviction == 0 {
		c.Sessions.IdleEviction = def.Sessions.IdleEviction
	}
	if c.Providers.Default == "" {
		c.Providers.Default = def.Providers.Default
	}
	if c.Providers.Anthropic.Model == "" {
		c.Providers.Anthropic.Model = def.Providers.Anthropic.Model
	}
	if c.Providers.Anthropic.AuthMode == "" {
		c.Providers.Anthropic.AuthMode = def.Providers.Anthropic.AuthMode
	}
	if c.Providers.OpenAI.Model == "" {
		c.Providers.OpenAI.Model = def.Providers.OpenAI.Model
	}
	if c.Tools.BashTimeout == 0 {
		c.Tools.BashTimeout = def.Tools.BashTimeout
	}
	if c.Tools.BashMaxOutputBytes == 0 {
		c.Tools.BashMaxOutputBytes = def.Tools.BashMaxOutputBytes
	}
	if c.Tools.TextMaxOutputBytes == 0 {
		c.Tools.TextMaxOutputBytes = def.Tools.TextMaxOutputBytes
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = def.Logging.Format
	}
}
