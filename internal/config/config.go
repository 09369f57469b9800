// Package config loads configuration from a YAML file with environment
// variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Config holds all client configuration.
type Config struct {
	// Remote API
	APIBase string `yaml:"api_base"`
	AppID   string `yaml:"app_id"`
	APIKey  string `yaml:"api_key"`

	// Local paths
	MountPoint  string `yaml:"mount"`
	StagingDir  string `yaml:"staging_dir"`
	StateFile   string `yaml:"state_file"`
	SessionFile string `yaml:"session_file"`

	// Tunables
	RefreshInterval time.Duration `yaml:"refresh_interval"` // unforced-refresh freshness window
	PollInterval    time.Duration `yaml:"poll_interval"`    // upload completion poll period
	HTTPTimeout     time.Duration `yaml:"http_timeout"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Metrics (empty = disabled)
	MetricsAddr string `yaml:"metrics_addr"`

	// SourcePath is the path of the loaded YAML file (not serialized).
	SourcePath string `yaml:"-"`
}

// Default returns the built-in defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".mediafire-fuse")
	return &Config{
		APIBase:         "https://www.mediafire.com/api/1.5",
		MountPoint:      "",
		StagingDir:      filepath.Join(base, "staging"),
		StateFile:       filepath.Join(base, "directorytree"),
		SessionFile:     filepath.Join(base, "session"),
		RefreshInterval: 60 * time.Second,
		PollInterval:    time.Second,
		HTTPTimeout:     60 * time.Second,
		LogLevel:        "info",
		LogFormat:       "console",
		MetricsAddr:     "",
	}
}

// FromFile reads a YAML config into Config, applying defaults for missing
// fields and environment overrides on top.
func FromFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.SourcePath = path
	cfg.applyEnv()
	return cfg, nil
}

// FromEnv returns defaults plus environment overrides, for running without a
// config file.
func FromEnv() *Config {
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

func (c *Config) applyEnv() {
	c.APIBase = envOr("MEDIAFIRE_API_BASE", c.APIBase)
	c.AppID = envOr("MEDIAFIRE_APP_ID", c.AppID)
	c.APIKey = envOr("MEDIAFIRE_API_KEY", c.APIKey)
	c.MountPoint = envOr("MEDIAFIRE_MOUNT", c.MountPoint)
	c.StagingDir = envOr("MEDIAFIRE_STAGING_DIR", c.StagingDir)
	c.StateFile = envOr("MEDIAFIRE_STATE_FILE", c.StateFile)
	c.SessionFile = envOr("MEDIAFIRE_SESSION_FILE", c.SessionFile)
	c.LogLevel = envOr("MEDIAFIRE_LOG_LEVEL", c.LogLevel)
	c.LogFormat = envOr("MEDIAFIRE_LOG_FORMAT", c.LogFormat)
	c.MetricsAddr = envOr("MEDIAFIRE_METRICS_ADDR", c.MetricsAddr)
	c.RefreshInterval = envDuration("MEDIAFIRE_REFRESH_INTERVAL", c.RefreshInterval)
	c.PollInterval = envDuration("MEDIAFIRE_POLL_INTERVAL", c.PollInterval)
	c.HTTPTimeout = envDuration("MEDIAFIRE_HTTP_TIMEOUT", c.HTTPTimeout)
}

// Validate checks the fields required to mount.
func (c *Config) Validate() error {
	if c.MountPoint == "" {
		return fmt.Errorf("mount point is required")
	}
	if c.APIBase == "" {
		return fmt.Errorf("api_base is required")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %v", c.PollInterval)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
