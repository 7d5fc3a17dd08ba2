// Package config loads and validates the Threadline service configuration.
package config

import (
	"fmt"
	"time"
)

// DefaultLimitName is the quota limit enforced on agent chat requests.
const DefaultLimitName = "daily_chat"

// Config is the main configuration structure for Threadline.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	LLM      LLMConfig      `yaml:"llm"`
	Agent    AgentConfig    `yaml:"agent"`
	Quota    QuotaConfig    `yaml:"quota"`
	Tools    ToolsConfig    `yaml:"tools"`
	Logging  LoggingConfig  `yaml:"logging"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

type ServerConfig struct {
	Host              string        `yaml:"host"`
	HTTPPort          int           `yaml:"http_port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	// Driver selects the conversation store: "postgres", "sqlite", or
	// "memory".
	Driver          string        `yaml:"driver"`
	URL             string        `yaml:"url"`
	Path            string        `yaml:"path"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type AuthConfig struct {
	JWTSecret   string        `yaml:"jwt_secret"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
	// APIKeys maps literal API keys to user IDs for the X-API-Key scheme.
	APIKeys map[string]string `yaml:"api_keys"`
}

type LLMConfig struct {
	// Model is the default model identifier; its provider is resolved by
	// the classification priority list.
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"max_retries"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	// Providers carries per-provider credentials and base URL overrides.
	// Keys: anthropic, openai, gemini, groq, cerebras, perplexity.
	Providers map[string]ProviderConfig `yaml:"providers"`
}

type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

type AgentConfig struct {
	// HeartbeatInterval bounds how long the stream may stay silent before
	// a keepalive comment is written.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// HistoryLimit bounds the recent-message window passed to the model
	// and returned in conversation snapshots.
	HistoryLimit int `yaml:"history_limit"`
	// MaxIterations caps the agent's reasoning loop when tools are enabled.
	MaxIterations int `yaml:"max_iterations"`
	// ToolsEnabled switches tool-calling off entirely when false.
	ToolsEnabled bool `yaml:"tools_enabled"`
}

type QuotaConfig struct {
	// Enforce turns quota breaches into request rejections. When false,
	// breaches are logged only.
	Enforce     bool   `yaml:"enforce"`
	DefaultTier string `yaml:"default_tier"`
	// Tiers maps tier name to limit name to ceiling.
	Tiers map[string]map[string]int `yaml:"tiers"`
}

type ToolsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	// AdminChatID is a numeric chat id or an @channelname.
	AdminChatID string `yaml:"admin_chat_id"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	Environment  string  `yaml:"environment"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			HTTPPort:          8080,
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          "memory",
			MaxConnections:  25,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Auth: AuthConfig{
			TokenExpiry: 24 * time.Hour,
		},
		LLM: LLMConfig{
			Model:       "gpt-4o-mini",
			Temperature: 0.7,
			MaxTokens:   4096,
			Timeout:     60 * time.Second,
			MaxRetries:  3,
			RetryDelay:  time.Second,
		},
		Agent: AgentConfig{
			HeartbeatInterval: 10 * time.Second,
			HistoryLimit:      20,
			MaxIterations:     5,
			ToolsEnabled:      true,
		},
		Quota: QuotaConfig{
			Enforce:     true,
			DefaultTier: "free_tier",
			Tiers: map[string]map[string]int{
				"free_tier": {DefaultLimitName: 20},
				"pro_tier":  {DefaultLimitName: 200},
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			SamplingRate: 1.0,
		},
	}
}

// Validate checks the configuration for internally inconsistent or unusable
// values. It does not verify credentials against providers.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d out of range", c.Server.HTTPPort)
	}
	switch c.Database.Driver {
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("database.url is required for the postgres driver")
		}
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}
	if c.Auth.JWTSecret == "" && len(c.Auth.APIKeys) == 0 {
		return fmt.Errorf("auth requires a jwt_secret or at least one api key")
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model is required")
	}
	if c.Agent.HeartbeatInterval <= 0 {
		return fmt.Errorf("agent.heartbeat_interval must be positive")
	}
	if c.Agent.MaxIterations <= 0 {
		return fmt.Errorf("agent.max_iterations must be positive")
	}
	if c.Quota.DefaultTier != "" {
		if _, ok := c.Quota.Tiers[c.Quota.DefaultTier]; !ok {
			return fmt.Errorf("quota.default_tier %q has no tier definition", c.Quota.DefaultTier)
		}
	}
	if c.Tools.Telegram.Enabled && c.Tools.Telegram.BotToken == "" {
		return fmt.Errorf("tools.telegram.bot_token is required when telegram is enabled")
	}
	if c.Tools.Telegram.Enabled && c.Tools.Telegram.AdminChatID == "" {
		return fmt.Errorf("tools.telegram.admin_chat_id is required when telegram is enabled")
	}
	return nil
}

// applyDefaults fills zero values with defaults after decoding.
func (c *Config) applyDefaults() {
	def := Default()
	if c.Server.Host == "" {
		c.Server.Host = def.Server.Host
	}
	if c.Server.HTTPPort == 0 {
		c.Server.HTTPPort = def.Server.HTTPPort
	}
	if c.Server.ReadHeaderTimeout == 0 {
		c.Server.ReadHeaderTimeout = def.Server.ReadHeaderTimeout
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	if c.Database.Driver == "" {
		c.Database.Driver = def.Database.Driver
	}
	if c.Database.MaxConnections == 0 {
		c.Database.MaxConnections = def.Database.MaxConnections
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = def.Database.ConnMaxLifetime
	}
	if c.Auth.TokenExpiry == 0 {
		c.Auth.TokenExpiry = def.Auth.TokenExpiry
	}
	if c.LLM.Model == "" {
		c.LLM.Model = def.LLM.Model
	}
	if c.LLM.Temperature == 0 {
		c.LLM.Temperature = def.LLM.Temperature
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = def.LLM.MaxTokens
	}
	if c.LLM.Timeout == 0 {
		c.LLM.Timeout = def.LLM.Timeout
	}
	if c.LLM.MaxRetries == 0 {
		c.LLM.MaxRetries = def.LLM.MaxRetries
	}
	if c.LLM.RetryDelay == 0 {
		c.LLM.RetryDelay = def.LLM.RetryDelay
	}
	if c.Agent.HeartbeatInterval == 0 {
		c.Agent.HeartbeatInterval = def.Agent.HeartbeatInterval
	}
	if c.Agent.HistoryLimit == 0 {
		c.Agent.HistoryLimit = def.Agent.HistoryLimit
	}
	if c.Agent.MaxIterations == 0 {
		c.Agent.MaxIterations = def.Agent.MaxIterations
	}
	if c.Quota.DefaultTier == "" {
		c.Quota.DefaultTier = def.Quota.DefaultTier
	}
	if len(c.Quota.Tiers) == 0 {
		c.Quota.Tiers = def.Quota.Tiers
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = def.Logging.Format
	}
	if c.Tracing.SamplingRate == 0 {
		c.Tracing.SamplingRate = def.Tracing.SamplingRate
	}
}
