// File: internal/config/config.go
package config

import (
	"fmt"
	"path/filepath"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config holds the entire application configuration tree. It is populated by
// viper from a YAML file plus TROUPE_* environment overrides and handed to
// components by value or pointer at construction time.
type Config struct {
	Logger  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	Browser BrowserConfig `mapstructure:"browser" yaml:"browser"`
	Session SessionConfig `mapstructure:"session" yaml:"session"`
	Agent   AgentConfig   `mapstructure:"agent" yaml:"agent"`
}

// LoggerConfig controls the zap logger set up by the observability package.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"` // "console" or "json"
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`

	// File output with rotation (lumberjack). Empty LogFile disables it.
	LogFile    string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"` // megabytes
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"` // days
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// BrowserConfig carries process-wide defaults for new actor contexts. Individual
// actors may override viewport/locale/timezone/user-agent at creation time.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	ViewportWidth     int           `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight    int           `mapstructure:"viewport_height" yaml:"viewport_height"`
	Locale            string        `mapstructure:"locale" yaml:"locale"`
	Timezone          string        `mapstructure:"timezone" yaml:"timezone"`
	UserAgent         string        `mapstructure:"user_agent" yaml:"user_agent"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	ActionTimeout     time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
}

// SessionConfig controls the session recorder.
type SessionConfig struct {
	MaxSteps      int    `mapstructure:"max_steps" yaml:"max_steps"`
	KeepArtifacts bool   `mapstructure:"keep_artifacts" yaml:"keep_artifacts"`
	OutputDir     string `mapstructure:"output_dir" yaml:"output_dir"`
}

// AgentConfig controls the autonomous control loop and its model client.
type AgentConfig struct {
	MaxTurns          int           `mapstructure:"max_turns" yaml:"max_turns"`
	Model             string        `mapstructure:"model" yaml:"model"`
	APIKeyEnv         string        `mapstructure:"api_key_env" yaml:"api_key_env"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
}

// NewDefaultConfig returns the configuration used when no file or environment
// overrides are present. Tests rely on these values being self-consistent.
func NewDefaultConfig() *Config {
	return &Config{
		Logger: LoggerConfig{
			Level:       "info",
			Format:      "console",
			ServiceName: "troupe",
			MaxSize:     50,
			MaxBackups:  3,
			MaxAge:      14,
		},
		Browser: BrowserConfig{
			Headless:          true,
			ViewportWidth:     1280,
			ViewportHeight:    800,
			Locale:            "en-US",
			Timezone:          "UTC",
			NavigationTimeout: 30 * time.Second,
			ActionTimeout:     15 * time.Second,
		},
		Session: SessionConfig{
			MaxSteps:      500,
			KeepArtifacts: true,
			OutputDir:     "troupe-output",
		},
		Agent: AgentConfig{
			MaxTurns:          25,
			Model:             "gemini-2.5-flash",
			APIKeyEnv:         "GEMINI_API_KEY",
			RequestTimeout:    2 * time.Minute,
			RequestsPerMinute: 30,
		},
	}
}

// SetDefaults registers the default tree on a viper instance so partial config
// files only need to mention what they change.
func SetDefaults(v *viper.Viper) {
	def := NewDefaultConfig()

	v.SetDefault("logger.level", def.Logger.Level)
	v.SetDefault("logger.format", def.Logger.Format)
	v.SetDefault("logger.service_name", def.Logger.ServiceName)
	v.SetDefault("logger.max_size", def.Logger.MaxSize)
	v.SetDefault("logger.max_backups", def.Logger.MaxBackups)
	v.SetDefault("logger.max_age", def.Logger.MaxAge)

	v.SetDefault("browser.headless", def.Browser.Headless)
	v.SetDefault("browser.viewport_width", def.Browser.ViewportWidth)
	v.SetDefault("browser.viewport_height", def.Browser.ViewportHeight)
	v.SetDefault("browser.locale", def.Browser.Locale)
	v.SetDefault("browser.timezone", def.Browser.Timezone)
	v.SetDefault("browser.navigation_timeout", def.Browser.NavigationTimeout)
	v.SetDefault("browser.action_timeout", def.Browser.ActionTimeout)

	v.SetDefault("session.max_steps", def.Session.MaxSteps)
	v.SetDefault("session.keep_artifacts", def.Session.KeepArtifacts)
	v.SetDefault("session.output_dir", def.Session.OutputDir)

	v.SetDefault("agent.max_turns", def.Agent.MaxTurns)
	v.SetDefault("agent.model", def.Agent.Model)
	v.SetDefault("agent.api_key_env", def.Agent.APIKeyEnv)
	v.SetDefault("agent.request_timeout", def.Agent.RequestTimeout)
	v.SetDefault("agent.requests_per_minute", def.Agent.RequestsPerMinute)
}

// ConfigSearchPaths returns the directories viper probes for troupe.yaml when
// no explicit --config flag is given: the working directory first, then the
// user's home directory.
func ConfigSearchPaths() []string {
	paths := []string{"."}
	if home, err := homedir.Dir(); err == nil {
		paths = append(paths, filepath.Join(home, ".troupe"))
	}
	return paths
}

// Validate rejects configurations the core cannot operate under.
func (c *Config) Validate() error {
	if c.Session.MaxSteps <= 0 {
		return fmt.Errorf("session.max_steps must be positive, got %d", c.Session.MaxSteps)
	}
	if c.Agent.MaxTurns <= 0 {
		return fmt.Errorf("agent.max_turns must be positive, got %d", c.Agent.MaxTurns)
	}
	if c.Browser.ViewportWidth <= 0 || c.Browser.ViewportHeight <= 0 {
		return fmt.Errorf("browser viewport must be positive, got %dx%d",
			c.Browser.ViewportWidth, c.Browser.ViewportHeight)
	}
	if c.Session.KeepArtifacts && c.Session.OutputDir == "" {
		return fmt.Errorf("session.output_dir is required when keep_artifacts is enabled")
	}
	return nil
}
