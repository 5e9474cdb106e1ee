package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig is the gateway's own runtime configuration, loaded from YAML
// with environment expansion. Resource data lives separately on disk under
// ContentsDir/DefaultsDir.
type ServerConfig struct {
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port,omitempty"`

	ContentsDir string `yaml:"contents_dir,omitempty"`
	DefaultsDir string `yaml:"defaults_dir,omitempty"`
	// DataDir holds server-written datasets (shortlinks, usage).
	DataDir string `yaml:"data_dir,omitempty"`

	Env string `yaml:"env,omitempty"`

	LogLevel  string `yaml:"log_level,omitempty"`
	LogFormat string `yaml:"log_format,omitempty"`

	ProviderTimeoutSeconds int `yaml:"provider_timeout_seconds,omitempty"`
	ToolTimeoutSeconds     int `yaml:"tool_timeout_seconds,omitempty"`
	SourceTimeoutSeconds   int `yaml:"source_timeout_seconds,omitempty"`

	Metrics MetricsConfig `yaml:"metrics,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled,omitempty"`
	Path    string `yaml:"path,omitempty"`
}

// SetDefaults fills unset fields.
func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 3000
	}
	if c.ContentsDir == "" {
		c.ContentsDir = envOr("CONTENTS_DIR", "contents")
	}
	if c.DefaultsDir == "" {
		c.DefaultsDir = "defaults"
	}
	if c.DataDir == "" {
		c.DataDir = envOr("DATA_DIR", "data")
	}
	if c.Env == "" {
		c.Env = envOr("NODE_ENV", "development")
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.ProviderTimeoutSeconds == 0 {
		c.ProviderTimeoutSeconds = 300
	}
	if c.ToolTimeoutSeconds == 0 {
		c.ToolTimeoutSeconds = 60
	}
	if c.SourceTimeoutSeconds == 0 {
		c.SourceTimeoutSeconds = 30
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks field consistency.
func (c *ServerConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.ContentsDir == "" {
		return fmt.Errorf("contents_dir is required")
	}
	return nil
}

// Address returns host:port.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsProduction reports whether the gateway runs in production mode.
func (c *ServerConfig) IsProduction() bool {
	return c.Env == "production"
}

// RefreshInterval is the config-cache TTL: 1 minute in development,
// 5 minutes in production.
func (c *ServerConfig) RefreshInterval() time.Duration {
	if c.IsProduction() {
		return 5 * time.Minute
	}
	return time.Minute
}

// ProviderTimeout returns the per-provider request deadline.
func (c *ServerConfig) ProviderTimeout() time.Duration {
	return time.Duration(c.ProviderTimeoutSeconds) * time.Second
}

// ToolTimeout returns the per-tool execution deadline.
func (c *ServerConfig) ToolTimeout() time.Duration {
	return time.Duration(c.ToolTimeoutSeconds) * time.Second
}

// SourceTimeout returns the per-source load deadline.
func (c *ServerConfig) SourceTimeout() time.Duration {
	return time.Duration(c.SourceTimeoutSeconds) * time.Second
}

// LoadServerConfig reads the YAML server config, expanding ${VAR}
// references before parsing. A missing file yields pure defaults.
func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := &ServerConfig{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read server config %s: %w", path, err)
			}
		} else {
			expanded := ExpandEnvVars(string(data))
			if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
				return nil, fmt.Errorf("failed to parse server config %s: %w", path, err)
			}
		}
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
