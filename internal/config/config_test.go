package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, ":5000", cfg.Addr)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, 7*24*time.Hour, cfg.Store.TTL)
	assert.Equal(t, 80, cfg.Terminal.Cols)
	assert.Equal(t, 30, cfg.Terminal.Rows)
	assert.Equal(t, 10*time.Minute, cfg.Terminal.IdleGrace)
	assert.Equal(t, 15*time.Second, cfg.Execution.Timeout)
	assert.Equal(t, "llama-3.1-8b-instant", cfg.Assistant.Model)
	assert.InDelta(t, 0.7, cfg.Assistant.Temperature, 0.0001)
	assert.Equal(t, 2048, cfg.Assistant.MaxTokens)
	assert.Equal(t, 256, cfg.WS.SendBuffer)
	assert.Equal(t, 64, cfg.WS.TerminalBuffer)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.WS.AllowedOrigins)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("CODECOLLAB_ADDR", ":7000")
	t.Setenv("CODECOLLAB_STORE_DRIVER", "postgres")
	t.Setenv("CODECOLLAB_STORE_DSN", "postgres://localhost/codecollab")
	t.Setenv("CODECOLLAB_TERMINAL_IDLE_GRACE", "0s")
	t.Setenv("CODECOLLAB_ASSISTANT_TIMEOUT", "5s")
	t.Setenv("CODECOLLAB_WS_ALLOWED_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Addr)
	assert.Equal(t, DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/codecollab", cfg.Store.DSN)
	assert.Equal(t, time.Duration(0), cfg.Terminal.IdleGrace)
	assert.Equal(t, 5*time.Second, cfg.Assistant.Timeout)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.WS.AllowedOrigins)
	assert.NoError(t, cfg.Validate())
}

// An explicit path that does not exist is an error, not a silent default.
func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config")
}

func TestLoad_GroqKeyFallback(t *testing.T) {
	t.Setenv("GROQ_API_KEY", "gsk-test")

	cfg, err := Load(New(), "")
	require.NoError(t, err)
	assert.Equal(t, "gsk-test", cfg.Assistant.APIKey)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "codecollab.yaml")
	content := "addr: \":6100\"\nterminal:\n  shell: /bin/sh\n  cols: 120\nstore:\n  ttl: 1h\n" +
		"ws:\n  allowed_origins: [\"*\"]\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(New(), path)
	require.NoError(t, err)

	assert.Equal(t, ":6100", cfg.Addr)
	assert.Equal(t, "/bin/sh", cfg.Terminal.Shell)
	assert.Equal(t, 120, cfg.Terminal.Cols)
	assert.Equal(t, 30, cfg.Terminal.Rows)
	assert.Equal(t, time.Hour, cfg.Store.TTL)
	assert.Equal(t, []string{"*"}, cfg.WS.AllowedOrigins)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load(New(), "")
		require.NoError(t, err)
		cfg.Terminal.Shell = "/bin/sh"
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"postgres without dsn", func(c *Config) { c.Store.Driver = DriverPostgres }, "store.dsn"},
		{"unknown driver", func(c *Config) { c.Store.Driver = "mongo" }, "unknown store.driver"},
		{"zero ttl", func(c *Config) { c.Store.TTL = 0 }, "store.ttl"},
		{"zero cleanup interval", func(c *Config) { c.Store.CleanupInterval = 0 }, "cleanup_interval"},
		{"zero cols", func(c *Config) { c.Terminal.Cols = 0 }, "terminal.cols"},
		{"zero reap interval", func(c *Config) { c.Terminal.ReapInterval = 0 }, "reap_interval"},
		{"negative grace", func(c *Config) { c.Terminal.IdleGrace = -time.Second }, "idle_grace"},
		{"zero execution timeout", func(c *Config) { c.Execution.Timeout = 0 }, "execution.timeout"},
		{"zero assistant timeout", func(c *Config) { c.Assistant.Timeout = 0 }, "assistant.timeout"},
		{"zero send buffer", func(c *Config) { c.WS.SendBuffer = 0 }, "ws.send_buffer"},
		{"zero terminal buffer", func(c *Config) { c.WS.TerminalBuffer = 0 }, "ws.terminal_buffer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_TerminalDisabledSkipsShellChecks(t *testing.T) {
	cfg, err := Load(New(), "")
	require.NoError(t, err)
	cfg.Terminal.Enabled = false
	cfg.Terminal.Shell = ""
	cfg.Terminal.Cols = 0
	assert.NoError(t, cfg.Validate())
}
