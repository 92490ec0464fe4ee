package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration.
type Config struct {
	Log    LogConfig    `mapstructure:"log"`
	HTTP   HTTPConfig   `mapstructure:"http"`
	Store  StoreConfig  `mapstructure:"store"`
	Stream StreamConfig `mapstructure:"stream"`
	Model  ModelConfig  `mapstructure:"model"`
	Roster RosterConfig `mapstructure:"roster"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// HTTPConfig holds the HTTP/WebSocket listener configuration.
type HTTPConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// StoreConfig holds the chat history store configuration.
// Backend selects "sqlite" (default) or "postgres".
type StoreConfig struct {
	Backend       string        `mapstructure:"backend"`
	Path          string        `mapstructure:"path"`
	DSN           string        `mapstructure:"dsn"`
	Retention     time.Duration `mapstructure:"retention"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// StreamConfig holds streaming session manager tunables.
// ContextWindow is the number of prior turns replayed to the model.
type StreamConfig struct {
	ContextWindow int           `mapstructure:"context_window"`
	MaxDuration   time.Duration `mapstructure:"max_duration"`
	SendBuffer    int           `mapstructure:"send_buffer"`
}

// ModelConfig holds the external token source configuration.
type ModelConfig struct {
	BaseURL     string  `mapstructure:"base_url"`
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	Temperature float32 `mapstructure:"temperature"`
}

// RosterConfig holds the roster collaborator configuration.
type RosterConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 30*time.Second)
	v.SetDefault("http.write_timeout", 30*time.Second)
	v.SetDefault("store.backend", "sqlite")
	v.SetDefault("store.path", "./coteacher.db")
	v.SetDefault("store.retention", 30*24*time.Hour)
	v.SetDefault("store.sweep_interval", time.Hour)
	v.SetDefault("stream.context_window", 20)
	v.SetDefault("stream.max_duration", 5*time.Minute)
	v.SetDefault("stream.send_buffer", 100)
	v.SetDefault("model.model", "gpt-4o-mini")
	v.SetDefault("model.temperature", 0.7)
	v.SetDefault("roster.cache_ttl", 5*time.Minute)
	v.SetDefault("roster.timeout", 10*time.Second)
}

// Load reads configuration with precedence: env > config file > defaults.
// Environment variables use the COTEACHER_ prefix with underscores, e.g.
// COTEACHER_STORE_BACKEND=postgres.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/coteacher")

	v.SetEnvPrefix("coteacher")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; env and defaults still apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate catches invalid configurations before component initialization.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("http host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("http timeouts must be positive")
	}

	switch c.Store.Backend {
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store path cannot be empty for sqlite backend")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store dsn cannot be empty for postgres backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Retention <= 0 {
		return fmt.Errorf("store retention must be positive")
	}
	if c.Store.SweepInterval <= 0 {
		return fmt.Errorf("store sweep interval must be positive")
	}

	if c.Stream.ContextWindow < 0 {
		return fmt.Errorf("stream context window cannot be negative")
	}
	if c.Stream.MaxDuration <= 0 {
		return fmt.Errorf("stream max duration must be positive")
	}
	if c.Stream.SendBuffer <= 0 {
		return fmt.Errorf("stream send buffer must be positive")
	}

	if c.Roster.CacheTTL <= 0 {
		return fmt.Errorf("roster cache ttl must be positive")
	}

	return nil
}

// Addr returns the HTTP listen address.
func (c *HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
