package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "commentd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ":8501", cfg.Server.Addr)
	assert.Equal(t, 5, cfg.Automation.MaxRetries)
	assert.Equal(t, 30, cfg.Automation.MaxLogs)
	assert.Equal(t, "Nice post!", cfg.Automation.DefaultComment)
	assert.Equal(t, 8*time.Second, cfg.Automation.Timings.NavigateWait)
	assert.Equal(t, 15*time.Second, cfg.Automation.Timings.PostWait)
	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, 1920, cfg.Browser.ViewportWidth)
	assert.Equal(t, 350.0, cfg.Watchdog.ThresholdMB)
	assert.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	t.Run("missing file uses defaults", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig().Automation, cfg.Automation)
	})

	t.Run("file overrides defaults", func(t *testing.T) {
		path := writeConfig(t, `
server:
  addr: ":9000"
storage:
  data_dir: /var/lib/commentd
automation:
  max_retries: 3
  allowed_targets: ["*.facebook.com"]
  timings:
    post_wait: 20s
browser:
  headless: false
`)
		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, ":9000", cfg.Server.Addr)
		assert.Equal(t, "/var/lib/commentd", cfg.Storage.DataDir)
		assert.Equal(t, 3, cfg.Automation.MaxRetries)
		assert.Equal(t, 20*time.Second, cfg.Automation.Timings.PostWait)
		// untouched timings keep their defaults
		assert.Equal(t, 8*time.Second, cfg.Automation.Timings.NavigateWait)
		assert.False(t, cfg.Browser.Headless)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := writeConfig(t, "server: [")
		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("environment overrides file", func(t *testing.T) {
		t.Setenv("COMMENTD_ADDR", "127.0.0.1:7000")
		t.Setenv("COMMENTD_DATA_DIR", "/tmp/commentd-env")
		t.Setenv("COMMENTD_DEBUG", "1")
		path := writeConfig(t, "server:\n  addr: \":9000\"\n")

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1:7000", cfg.Server.Addr)
		assert.Equal(t, "/tmp/commentd-env", cfg.Storage.DataDir)
		assert.True(t, cfg.Server.Debug)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"empty addr", func(c *Config) { c.Server.Addr = "" }, "server.addr"},
		{"bad base url", func(c *Config) { c.Automation.BaseURL = "facebook.com" }, "base_url"},
		{"zero retries", func(c *Config) { c.Automation.MaxRetries = 0 }, "max_retries"},
		{"zero logs", func(c *Config) { c.Automation.MaxLogs = 0 }, "max_logs"},
		{"bad glob", func(c *Config) { c.Automation.AllowedTargets = []string{"[a-"} }, "allowed_targets"},
		{"bad viewport", func(c *Config) { c.Browser.ViewportWidth = 0 }, "viewport"},
		{"bad watchdog", func(c *Config) { c.Watchdog.Interval = 0 }, "watchdog"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestTargetMatchers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Automation.AllowedTargets = []string{"*.facebook.com", "facebook.com"}

	matchers, err := cfg.TargetMatchers()
	require.NoError(t, err)
	require.Len(t, matchers, 2)

	assert.True(t, matchers[0].Match("www.facebook.com"))
	assert.False(t, matchers[0].Match("evil.example.com"))
	assert.True(t, matchers[1].Match("facebook.com"))
}

func TestResolve(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.DataDir = "/data"

	assert.Equal(t, "/data/users.db", cfg.Resolve("users.db"))
	assert.Equal(t, "/abs/users.db", cfg.Resolve("/abs/users.db"))
	assert.Equal(t, "", cfg.Resolve(""))
	assert.Equal(t, "/data/logs", cfg.LogDir())
}
