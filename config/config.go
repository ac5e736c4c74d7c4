package config

import (
	"fmt"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Security SecurityConfig `mapstructure:"security"`
	Execute  ExecuteConfig  `mapstructure:"execute"`
	Ports    PortsConfig    `mapstructure:"ports"`
	Proxy    ProxyConfig    `mapstructure:"proxy"`
}

// ServerConfig holds the HTTP and MCP server configuration
type ServerConfig struct {
	HTTPAddr      string `mapstructure:"http_addr"`
	PublicBaseURL string `mapstructure:"public_base_url"`
	MCPTransport  string `mapstructure:"mcp_transport"`
	MCPHTTPPort   int    `mapstructure:"mcp_http_port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// EngineConfig holds the container engine connection settings
type EngineConfig struct {
	// Endpoint overrides DOCKER_HOST when set (e.g. tcp://docker-daemon:2376).
	Endpoint        string `mapstructure:"endpoint"`
	BaseImage       string `mapstructure:"base_image"`
	ImageRepository string `mapstructure:"image_repository"`
	BuildTimeoutSec int    `mapstructure:"build_timeout_sec"`
	StopTimeoutSec  int    `mapstructure:"stop_timeout_sec"`
}

// SecurityConfig holds the resource ceilings applied to every execution container
type SecurityConfig struct {
	MemoryLimit  string  `mapstructure:"memory_limit"`
	CPUs         float64 `mapstructure:"cpus"`
	PidsLimit    int64   `mapstructure:"pids_limit"`
	NofileLimit  int64   `mapstructure:"nofile_limit"`
	UID          int     `mapstructure:"uid"`
	GID          int     `mapstructure:"gid"`
	TmpSizeMB    int     `mapstructure:"tmp_size_mb"`
	VarTmpSizeMB int     `mapstructure:"var_tmp_size_mb"`
}

// ExecuteConfig holds execution orchestration settings
type ExecuteConfig struct {
	DefaultTimeoutSec      int `mapstructure:"default_timeout_sec"`
	ServiceStartTimeoutSec int `mapstructure:"service_start_timeout_sec"`
}

// PortsConfig holds the ephemeral port range leased to web services
type PortsConfig struct {
	Min         int `mapstructure:"min"`
	Max         int `mapstructure:"max"`
	MaxAttempts int `mapstructure:"max_attempts"`
}

// ProxyConfig holds reverse proxy settings
type ProxyConfig struct {
	UpstreamHost        string `mapstructure:"upstream_host"`
	RetryInitialMs      int    `mapstructure:"retry_initial_ms"`
	RetryMaxElapsedSec  int    `mapstructure:"retry_max_elapsed_sec"`
	UpstreamTimeoutSec  int    `mapstructure:"upstream_timeout_sec"`
	MaxRequestBodyBytes int64  `mapstructure:"max_request_body_bytes"`
}

// New loads and validates the application configuration
func New() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Set default values
	viper.SetDefault("server.http_addr", ":8080")
	viper.SetDefault("server.public_base_url", "http://localhost:8080")
	viper.SetDefault("server.mcp_transport", "none")
	viper.SetDefault("server.mcp_http_port", 8081)

	viper.SetDefault("logging.mode", "production")
	viper.SetDefault("logging.level", "info")

	viper.SetDefault("engine.endpoint", "")
	viper.SetDefault("engine.base_image", "python:3.11-slim")
	viper.SetDefault("engine.image_repository", "runbox-executor")
	viper.SetDefault("engine.build_timeout_sec", 300)
	viper.SetDefault("engine.stop_timeout_sec", 10)

	viper.SetDefault("security.memory_limit", "512m")
	viper.SetDefault("security.cpus", 0.5)
	viper.SetDefault("security.pids_limit", 50)
	viper.SetDefault("security.nofile_limit", 64)
	viper.SetDefault("security.uid", 1000)
	viper.SetDefault("security.gid", 1000)
	viper.SetDefault("security.tmp_size_mb", 50)
	viper.SetDefault("security.var_tmp_size_mb", 50)

	viper.SetDefault("execute.default_timeout_sec", 30)
	viper.SetDefault("execute.service_start_timeout_sec", 60)

	viper.SetDefault("ports.min", 9000)
	viper.SetDefault("ports.max", 9999)
	viper.SetDefault("ports.max_attempts", 50)

	viper.SetDefault("proxy.upstream_host", "127.0.0.1")
	viper.SetDefault("proxy.retry_initial_ms", 250)
	viper.SetDefault("proxy.retry_max_elapsed_sec", 10)
	viper.SetDefault("proxy.upstream_timeout_sec", 86400)
	viper.SetDefault("proxy.max_request_body_bytes", 32*1024*1024)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Validate configuration
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	switch c.Server.MCPTransport {
	case "none", "stdio", "http":
	default:
		return fmt.Errorf("invalid server.mcp_transport: %s, must be 'none', 'stdio' or 'http'", c.Server.MCPTransport)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	if _, err := units.RAMInBytes(c.Security.MemoryLimit); err != nil {
		return fmt.Errorf("invalid security.memory_limit %q: %w", c.Security.MemoryLimit, err)
	}

	if c.Security.CPUs <= 0 {
		return fmt.Errorf("security.cpus must be positive, got: %f", c.Security.CPUs)
	}

	if c.Security.UID <= 0 || c.Security.GID <= 0 {
		return fmt.Errorf("security.uid and security.gid must be non-root, got: %d:%d", c.Security.UID, c.Security.GID)
	}

	if c.Execute.DefaultTimeoutSec <= 0 {
		return fmt.Errorf("execute.default_timeout_sec must be positive, got: %d", c.Execute.DefaultTimeoutSec)
	}

	if c.Ports.Min <= 0 || c.Ports.Max < c.Ports.Min {
		return fmt.Errorf("invalid port range [%d,%d]", c.Ports.Min, c.Ports.Max)
	}

	if c.Ports.MaxAttempts <= 0 {
		return fmt.Errorf("ports.max_attempts must be positive, got: %d", c.Ports.MaxAttempts)
	}

	return nil
}

// MemoryLimitBytes returns the configured memory ceiling in bytes
func (c *Config) MemoryLimitBytes() int64 {
	n, err := units.RAMInBytes(c.Security.MemoryLimit)
	if err != nil {
		// validate() rejects unparseable values before New() returns
		return 512 * 1024 * 1024
	}
	return n
}

// DefaultTimeout returns the default execution timeout as a duration
func (c *Config) DefaultTimeout() time.Duration {
	return time.Duration(c.Execute.DefaultTimeoutSec) * time.Second
}

// ServiceStartTimeout returns the acquisition budget for the web-service path
func (c *Config) ServiceStartTimeout() time.Duration {
	return time.Duration(c.Execute.ServiceStartTimeoutSec) * time.Second
}
