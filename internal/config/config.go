// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Environment variables honored as single-point overrides, read once at
// startup through viper's env binding.
const (
	EnvBrowserPath = "BROWSERBRIDGE_BROWSER_PATH"
	EnvProfileDir  = "BROWSERBRIDGE_PROFILE_DIR"
)

// Config holds the entire application configuration.
type Config struct {
	Logger  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	Browser BrowserConfig `mapstructure:"browser" yaml:"browser"`
	Surface SurfaceConfig `mapstructure:"surface" yaml:"surface"`
	Ask     AskConfig     `mapstructure:"ask" yaml:"ask"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// BrowserConfig addresses and provisions the controlled browser process.
type BrowserConfig struct {
	// DebugPort is the CDP control port. It is deliberately NOT the
	// browser's stock debugging port so the bridge never collides with an
	// instance the user runs independently.
	DebugPort int `mapstructure:"debug_port" yaml:"debug_port"`
	// ExecutablePath overrides platform discovery of the browser binary.
	ExecutablePath string `mapstructure:"executable_path" yaml:"executable_path"`
	// ProfileDir is the isolated user-data directory for the controlled
	// instance. Empty means a bridge-owned directory under the user cache.
	ProfileDir string `mapstructure:"profile_dir" yaml:"profile_dir"`
	// StartupTimeout bounds the readiness loop after a process launch.
	StartupTimeout time.Duration `mapstructure:"startup_timeout" yaml:"startup_timeout"`
}

// SurfaceConfig selects the target research web application profile.
type SurfaceConfig struct {
	// HomeURL is the known-good landing surface used by connect and by
	// full conversation resets.
	HomeURL string `mapstructure:"home_url" yaml:"home_url"`
}

// AskConfig tunes the ask-and-wait workflow.
type AskConfig struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout" yaml:"default_timeout"`
	PollInterval   time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "browserbridge")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)

	// -- Browser --
	// 9223 rather than the conventional 9222: a user-launched instance of
	// the same browser must keep its own port.
	v.SetDefault("browser.debug_port", 9223)
	v.SetDefault("browser.executable_path", "")
	v.SetDefault("browser.profile_dir", "")
	v.SetDefault("browser.startup_timeout", "30s")

	// -- Surface --
	v.SetDefault("surface.home_url", "https://www.perplexity.ai")

	// -- Ask --
	v.SetDefault("ask.default_timeout", "5m")
	v.SetDefault("ask.poll_interval", "3s")
}

// NewConfigFromViper creates a configuration instance from a viper object,
// binding the two documented environment override points.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	v.BindEnv("browser.executable_path", EnvBrowserPath)
	v.BindEnv("browser.profile_dir", EnvProfileDir)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// NewDefaultConfig returns a configuration populated with defaults only.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Browser.DebugPort <= 0 || c.Browser.DebugPort > 65535 {
		return fmt.Errorf("browser.debug_port must be a valid TCP port, got %d", c.Browser.DebugPort)
	}
	if c.Browser.StartupTimeout <= 0 {
		return fmt.Errorf("browser.startup_timeout must be a positive duration")
	}
	if c.Surface.HomeURL == "" {
		return fmt.Errorf("surface.home_url is required")
	}
	if c.Ask.PollInterval <= 0 {
		return fmt.Errorf("ask.poll_interval must be a positive duration")
	}
	return nil
}

// ResolveProfileDir returns the isolated user-data directory, creating the
// bridge-owned default when no override is configured.
func (c *Config) ResolveProfileDir() (string, error) {
	if c.Browser.ProfileDir != "" {
		return c.Browser.ProfileDir, nil
	}
	cache, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve user cache dir: %w", err)
	}
	return filepath.Join(cache, "browserbridge", "profile"), nil
}
