// Package config loads codecollab configuration from defaults, an optional
// codecollab.yaml, a .env file and CODECOLLAB_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds server configuration.
type Config struct {
	Addr string `mapstructure:"addr"`

	Log struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
	} `mapstructure:"log"`

	Store     StoreConfig     `mapstructure:"store"`
	Terminal  TerminalConfig  `mapstructure:"terminal"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Assistant AssistantConfig `mapstructure:"assistant"`

	WS struct {
		ReadLimit      int64    `mapstructure:"read_limit"`
		SendBuffer     int      `mapstructure:"send_buffer"`
		TerminalBuffer int      `mapstructure:"terminal_buffer"`
		AllowedOrigins []string `mapstructure:"allowed_origins"` // "*" allows any
	} `mapstructure:"ws"`
}

// StoreConfig selects and configures the document store.
type StoreConfig struct {
	Driver          string        `mapstructure:"driver"` // memory | postgres
	DSN             string        `mapstructure:"dsn"`
	TTL             time.Duration `mapstructure:"ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// TerminalConfig configures the per-room shell.
type TerminalConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Shell        string        `mapstructure:"shell"`
	Dir          string        `mapstructure:"dir"`
	Cols         int           `mapstructure:"cols"`
	Rows         int           `mapstructure:"rows"`
	IdleGrace    time.Duration `mapstructure:"idle_grace"`
	ReapInterval time.Duration `mapstructure:"reap_interval"`
}

// ExecutionConfig points at the sandboxed execution service.
type ExecutionConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// AssistantConfig points at the chat-completions service.
type AssistantConfig struct {
	URL         string        `mapstructure:"url"`
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	Temperature float64       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"

	envPrefix = "CODECOLLAB"
)

// New returns a viper instance with every default set and environment
// lookup enabled. Callers may bind flags before calling Load.
func New() *viper.Viper {
	v := viper.New()

	v.SetDefault("addr", ":5000")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("store.driver", DriverMemory)
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.ttl", "168h")
	v.SetDefault("store.cleanup_interval", "10m")

	v.SetDefault("terminal.enabled", true)
	v.SetDefault("terminal.shell", defaultShell())
	v.SetDefault("terminal.dir", os.Getenv("HOME"))
	v.SetDefault("terminal.cols", 80)
	v.SetDefault("terminal.rows", 30)
	v.SetDefault("terminal.idle_grace", "10m")
	v.SetDefault("terminal.reap_interval", "1m")

	v.SetDefault("execution.url", "https://emkc.org/api/v2/piston")
	v.SetDefault("execution.timeout", "15s")

	v.SetDefault("assistant.url", "https://api.groq.com/openai/v1")
	v.SetDefault("assistant.api_key", "")
	v.SetDefault("assistant.model", "llama-3.1-8b-instant")
	v.SetDefault("assistant.temperature", 0.7)
	v.SetDefault("assistant.max_tokens", 2048)
	v.SetDefault("assistant.timeout", "60s")

	v.SetDefault("ws.read_limit", 1<<20)
	v.SetDefault("ws.send_buffer", 256)
	v.SetDefault("ws.terminal_buffer", 64)
	v.SetDefault("ws.allowed_origins", []string{"http://localhost:3000"})

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads .env (if present), then the config file (if present), and
// unmarshals the result. An empty configFile searches for codecollab.yaml
// in the working directory.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	_ = godotenv.Load()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("codecollab")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if cfg.Assistant.APIKey == "" {
		cfg.Assistant.APIKey = os.Getenv("GROQ_API_KEY")
	}
	return &cfg, nil
}

// Validate checks the fields that would otherwise fail late.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.DSN == "" {
			return errors.New("config: store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}
	if c.Store.TTL <= 0 {
		return errors.New("config: store.ttl must be positive")
	}
	if c.Store.CleanupInterval <= 0 {
		return errors.New("config: store.cleanup_interval must be positive")
	}
	if c.Terminal.Enabled {
		if c.Terminal.Shell == "" {
			return errors.New("config: terminal.shell is required")
		}
		if c.Terminal.Cols <= 0 || c.Terminal.Rows <= 0 {
			return errors.New("config: terminal.cols and terminal.rows must be positive")
		}
		if c.Terminal.IdleGrace < 0 {
			return errors.New("config: terminal.idle_grace must not be negative")
		}
		if c.Terminal.IdleGrace > 0 && c.Terminal.ReapInterval <= 0 {
			return errors.New("config: terminal.reap_interval must be positive when reaping")
		}
	}
	if c.Execution.Timeout <= 0 {
		return errors.New("config: execution.timeout must be positive")
	}
	if c.Assistant.Timeout <= 0 {
		return errors.New("config: assistant.timeout must be positive")
	}
	if c.WS.SendBuffer <= 0 {
		return errors.New("config: ws.send_buffer must be positive")
	}
	if c.WS.TerminalBuffer <= 0 {
		return errors.New("config: ws.terminal_buffer must be positive")
	}
	return nil
}

func defaultShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/bash"
}
