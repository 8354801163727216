// Package config loads commentd settings from a YAML file and the
// environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"
)

const (
	// Delay bounds accepted by the start form, in seconds.
	MinDelay     = 10
	MaxDelay     = 3600
	DefaultDelay = 30

	defaultAddr       = ":8501"
	defaultMaxLogs    = 30
	defaultMaxRetries = 5
	defaultBaseURL    = "https://www.facebook.com"
	defaultComment    = "Nice post!"
	defaultUserAgent  = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36"
)

// Config holds all configuration options.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Automation AutomationConfig `yaml:"automation"`
	Browser    BrowserConfig    `yaml:"browser"`
	Watchdog   WatchdogConfig   `yaml:"watchdog"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig configures the dashboard HTTP server.
type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	Debug          bool     `yaml:"debug"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	// MasterSecret signs login tokens. When empty a secret is generated and
	// kept in the data directory.
	MasterSecret string        `yaml:"master_secret"`
	TokenTTL     time.Duration `yaml:"token_ttl"`
}

// StorageConfig locates everything commentd writes to disk. Relative paths
// are resolved against DataDir.
type StorageConfig struct {
	DataDir      string `yaml:"data_dir"`
	DatabasePath string `yaml:"database_path"`
	RegistryPath string `yaml:"registry_path"`
	SessionLogs  string `yaml:"session_logs"`
	KeyPath      string `yaml:"key_path"`
	SecretPath   string `yaml:"secret_path"`
}

// AutomationConfig configures the session workers.
type AutomationConfig struct {
	BaseURL        string   `yaml:"base_url"`
	MaxRetries     int      `yaml:"max_retries"`
	MaxLogs        int      `yaml:"max_logs"`
	DefaultComment string   `yaml:"default_comment"`
	AllowedTargets []string `yaml:"allowed_targets"`
	Timings        Timings  `yaml:"timings"`
}

// Timings are the fixed pauses of the worker loop.
type Timings struct {
	NavigateWait time.Duration `yaml:"navigate_wait"`
	PostWait     time.Duration `yaml:"post_wait"`
	InputWait    time.Duration `yaml:"input_wait"`
	ScrollWait   time.Duration `yaml:"scroll_wait"`
	RefreshWait  time.Duration `yaml:"refresh_wait"`
	StepWait     time.Duration `yaml:"step_wait"`
	RestartWait  time.Duration `yaml:"restart_wait"`
	ErrorWait    time.Duration `yaml:"error_wait"`
}

// BrowserConfig configures the Chromium instances.
type BrowserConfig struct {
	Headless        bool     `yaml:"headless"`
	Install         bool     `yaml:"install"`
	ExecutablePaths []string `yaml:"executable_paths"`
	UserAgent       string   `yaml:"user_agent"`
	ViewportWidth   int      `yaml:"viewport_width"`
	ViewportHeight  int      `yaml:"viewport_height"`
	// Timeout is the default Playwright operation timeout.
	Timeout time.Duration `yaml:"timeout"`
}

// WatchdogConfig configures the keep-alive memory watchdog.
type WatchdogConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"`
	ThresholdMB float64       `yaml:"threshold_mb"`
}

// LoggingConfig configures the process log.
type LoggingConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           defaultAddr,
			AllowedOrigins: []string{"*"},
			TokenTTL:       7 * 24 * time.Hour,
		},
		Storage: StorageConfig{
			DataDir:      defaultDataDir(),
			DatabasePath: "users.db",
			RegistryPath: "sessions_registry.json",
			SessionLogs:  "session_logs",
			KeyPath:      ".encryption_key",
			SecretPath:   ".master_secret",
		},
		Automation: AutomationConfig{
			BaseURL:        defaultBaseURL,
			MaxRetries:     defaultMaxRetries,
			MaxLogs:        defaultMaxLogs,
			DefaultComment: defaultComment,
			Timings:        DefaultTimings(),
		},
		Browser: BrowserConfig{
			Headless: true,
			Install:  true,
			ExecutablePaths: []string{
				"/usr/bin/chromium",
				"/usr/bin/chromium-browser",
				"/usr/bin/google-chrome",
			},
			UserAgent:      defaultUserAgent,
			ViewportWidth:  1920,
			ViewportHeight: 1080,
			Timeout:        30 * time.Second,
		},
		Watchdog: WatchdogConfig{
			Enabled:     true,
			Interval:    30 * time.Second,
			ThresholdMB: 350,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// DefaultTimings returns the worker pauses tuned against the target site.
func DefaultTimings() Timings {
	return Timings{
		NavigateWait: 8 * time.Second,
		PostWait:     15 * time.Second,
		InputWait:    10 * time.Second,
		ScrollWait:   2 * time.Second,
		RefreshWait:  10 * time.Second,
		StepWait:     1 * time.Second,
		RestartWait:  3 * time.Second,
		ErrorWait:    5 * time.Second,
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".commentd"
	}
	return filepath.Join(home, ".commentd")
}

// Load reads the YAML file at path over the defaults and applies environment
// overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("COMMENTD_ADDR"); v != "" {
		c.Server.Addr = v
	} else if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Addr = fmt.Sprintf(":%d", p)
		}
	}
	if v := os.Getenv("COMMENTD_DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}
	if v := os.Getenv("COMMENTD_MASTER_SECRET"); v != "" {
		c.Server.MasterSecret = v
	}
	if v := os.Getenv("COMMENTD_DEBUG"); v == "true" || v == "1" {
		c.Server.Debug = true
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("server.addr is required")
	}
	if strings.TrimSpace(c.Storage.DataDir) == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	if !strings.HasPrefix(c.Automation.BaseURL, "http") {
		return fmt.Errorf("automation.base_url must be an http(s) URL, got %q", c.Automation.BaseURL)
	}
	if c.Automation.MaxRetries < 1 {
		return fmt.Errorf("automation.max_retries must be at least 1")
	}
	if c.Automation.MaxLogs < 1 {
		return fmt.Errorf("automation.max_logs must be at least 1")
	}
	if _, err := c.TargetMatchers(); err != nil {
		return err
	}
	if c.Browser.ViewportWidth <= 0 || c.Browser.ViewportHeight <= 0 {
		return fmt.Errorf("browser viewport must be positive, got %dx%d", c.Browser.ViewportWidth, c.Browser.ViewportHeight)
	}
	if c.Watchdog.Enabled && c.Watchdog.Interval <= 0 {
		return fmt.Errorf("watchdog.interval must be positive")
	}
	return nil
}

// TargetMatchers compiles automation.allowed_targets. Patterns match the
// host of a post URL, e.g. "*.facebook.com".
func (c *Config) TargetMatchers() ([]glob.Glob, error) {
	matchers := make([]glob.Glob, 0, len(c.Automation.AllowedTargets))
	for _, pattern := range c.Automation.AllowedTargets {
		g, err := glob.Compile(pattern, '.')
		if err != nil {
			return nil, fmt.Errorf("invalid allowed_targets pattern %q: %w", pattern, err)
		}
		matchers = append(matchers, g)
	}
	return matchers, nil
}

// Resolve returns p joined to the data directory unless it is absolute.
func (c *Config) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Storage.DataDir, p)
}

// LogDir returns the directory for the process log.
func (c *Config) LogDir() string {
	if c.Logging.Dir != "" {
		return c.Resolve(c.Logging.Dir)
	}
	return filepath.Join(c.Storage.DataDir, "logs")
}
