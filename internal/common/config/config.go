// Package config provides configuration management for AgentDesk.
// It supports loading configuration from environment variables, config files, and defaults.
//
// Config here is the process-level, immutable configuration resolved once at
// startup, before any component is constructed. Mutable user settings (the
// ones the UI edits) live in settings.json and are owned by internal/settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for AgentDesk.
type Config struct {
	DataDir   string          `mapstructure:"dataDir"`
	Server    ServerConfig    `mapstructure:"server"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Container ContainerConfig `mapstructure:"container"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Composio  ComposioConfig  `mapstructure:"composio"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Logging   LoggingConfig   `mapstructure:"logging"`

	// ProtocolScheme is the deep-link callback scheme registered by the
	// desktop shell (e.g. "agentdesk"), used to build OAuth redirect URLs.
	ProtocolScheme string `mapstructure:"protocolScheme"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// ContainerConfig holds container runtime configuration.
type ContainerConfig struct {
	DefaultRunner   string `mapstructure:"defaultRunner"`   // docker, podman, apple
	DefaultImage    string `mapstructure:"defaultImage"`    // agent image reference
	DockerHost      string `mapstructure:"dockerHost"`      // empty means environment default
	StartTimeout    int    `mapstructure:"startTimeout"`    // seconds to wait for a container to become healthy
	StatusSyncEvery int    `mapstructure:"statusSyncEvery"` // seconds between status cache reconciles
	HealthEvery     int    `mapstructure:"healthEvery"`     // seconds between health probes
	StopConcurrency int    `mapstructure:"stopConcurrency"` // max parallel stops during shutdown
}

// BrowserConfig holds host browser supervision configuration.
type BrowserConfig struct {
	PortWaitTimeout int `mapstructure:"portWaitTimeout"` // seconds to wait for the debug port
}

// ProxyConfig holds credential proxy configuration.
type ProxyConfig struct {
	// UpstreamTimeout is the default timeout in seconds for forwarded requests.
	UpstreamTimeout int `mapstructure:"upstreamTimeout"`
	// ToolkitTimeouts overrides UpstreamTimeout per toolkit slug (seconds).
	ToolkitTimeouts map[string]int `mapstructure:"toolkitTimeouts"`
	// Allowlist maps a toolkit slug to the host patterns reachable through
	// the proxy. Patterns are exact hosts or "*." wildcard prefixes.
	Allowlist map[string][]string `mapstructure:"allowlist"`
}

// ComposioConfig holds the upstream credential broker configuration.
type ComposioConfig struct {
	BaseURL string `mapstructure:"baseUrl"`
	APIKey  string `mapstructure:"apiKey"`
	UserID  string `mapstructure:"userId"`
}

// SchedulerConfig holds task scheduler and auto-sleep configuration.
type SchedulerConfig struct {
	TickInterval      int `mapstructure:"tickInterval"`      // seconds between scheduler ticks
	AutoSleepInterval int `mapstructure:"autoSleepInterval"` // seconds between auto-sleep ticks
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// StartTimeoutDuration returns the container start timeout as a time.Duration.
func (c *ContainerConfig) StartTimeoutDuration() time.Duration {
	return time.Duration(c.StartTimeout) * time.Second
}

// UpstreamTimeoutFor returns the forward timeout for the given toolkit.
func (p *ProxyConfig) UpstreamTimeoutFor(toolkit string) time.Duration {
	if secs, ok := p.ToolkitTimeouts[toolkit]; ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return time.Duration(p.UpstreamTimeout) * time.Second
}

func detectDefaultLogFormat() string {
	if env := os.Getenv("AGENTDESK_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentdesk"
	}
	return filepath.Join(home, ".agentdesk")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("dataDir", defaultDataDir())
	v.SetDefault("protocolScheme", "agentdesk")

	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 3456)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0) // streaming endpoints (SSE) need no write deadline

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentdesk")
	v.SetDefault("nats.maxReconnects", 10)

	// Container defaults
	v.SetDefault("container.defaultRunner", "docker")
	v.SetDefault("container.defaultImage", "ghcr.io/agentdesk/agent:latest")
	v.SetDefault("container.dockerHost", "")
	v.SetDefault("container.startTimeout", 60)
	v.SetDefault("container.statusSyncEvery", 2)
	v.SetDefault("container.healthEvery", 15)
	v.SetDefault("container.stopConcurrency", 4)

	// Browser defaults
	v.SetDefault("browser.portWaitTimeout", 15)

	// Proxy defaults
	v.SetDefault("proxy.upstreamTimeout", 60)
	v.SetDefault("proxy.allowlist", map[string][]string{
		"gmail":         {"gmail.googleapis.com", "www.googleapis.com"},
		"googlecalendar": {"www.googleapis.com"},
		"github":        {"api.github.com", "uploads.github.com"},
		"slack":         {"slack.com", "*.slack.com"},
		"notion":        {"api.notion.com"},
		"linear":        {"api.linear.app"},
	})

	// Composio defaults
	v.SetDefault("composio.baseUrl", "https://backend.composio.dev")
	v.SetDefault("composio.apiKey", "")
	v.SetDefault("composio.userId", "")

	// Scheduler defaults
	v.SetDefault("scheduler.tickInterval", 30)
	v.SetDefault("scheduler.autoSleepInterval", 60)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTDESK_ with snake_case naming.
// Config file should be named config.yaml and placed in the data directory
// or the current directory.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTDESK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the bare env vars the desktop shell exports.
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion, and
	// these variables historically carry no AGENTDESK_ prefix.
	_ = v.BindEnv("dataDir", "DATA_DIR", "AGENTDESK_DATA_DIR")
	_ = v.BindEnv("server.port", "PORT", "AGENTDESK_SERVER_PORT")
	_ = v.BindEnv("protocolScheme", "PROTOCOL_SCHEME", "AGENTDESK_PROTOCOL_SCHEME")
	_ = v.BindEnv("composio.apiKey", "COMPOSIO_API_KEY", "AGENTDESK_COMPOSIO_API_KEY")
	_ = v.BindEnv("composio.userId", "COMPOSIO_USER_ID", "AGENTDESK_COMPOSIO_USER_ID")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.DataDir == "" {
		errs = append(errs, "dataDir is required")
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Container.DefaultRunner {
	case "docker", "podman", "apple":
	default:
		errs = append(errs, "container.defaultRunner must be one of: docker, podman, apple")
	}
	if cfg.Container.StartTimeout <= 0 {
		errs = append(errs, "container.startTimeout must be positive")
	}

	if cfg.Proxy.UpstreamTimeout <= 0 {
		errs = append(errs, "proxy.upstreamTimeout must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// AgentsDir returns the directory holding per-agent workspaces.
func (c *Config) AgentsDir() string {
	return filepath.Join(c.DataDir, "agents")
}

// BrowserProfilesDir returns the directory holding per-agent browser profiles.
func (c *Config) BrowserProfilesDir() string {
	return filepath.Join(c.DataDir, "host-browser-profiles")
}

// SettingsPath returns the path of the mutable settings file.
func (c *Config) SettingsPath() string {
	return filepath.Join(c.DataDir, "settings.json")
}

// DatabasePath returns the path of the relational store.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "app.db")
}
