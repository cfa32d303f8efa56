// Package config loads service configuration from defaults, an optional
// config file and environment variables using viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/taskloop/taskloop/internal/common/logger"
)

// Config is the root configuration for the service.
type Config struct {
	Server    ServerConfig         `mapstructure:"server"`
	Logging   logger.LoggingConfig `mapstructure:"logging"`
	Database  DatabaseConfig       `mapstructure:"database"`
	NATS      NATSConfig           `mapstructure:"nats"`
	Assistant AssistantConfig      `mapstructure:"assistant"`
	Workspace WorkspaceConfig      `mapstructure:"workspace"`
	Executor  ExecutorConfig       `mapstructure:"executor"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig holds persistence settings. URL selects the backend:
// empty means in-memory, "sqlite://<path>" or a bare path means sqlite,
// "postgres://" means postgres.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// NATSConfig holds the optional external event bridge settings.
type NATSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// AssistantConfig holds subprocess settings for the external assistant.
type AssistantConfig struct {
	Command     string        `mapstructure:"command"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	StopGrace   time.Duration `mapstructure:"stop_grace"`
	MaxLineSize int           `mapstructure:"max_line_size"`
}

// WorkspaceConfig holds workspace isolation settings.
type WorkspaceConfig struct {
	DefaultRoot    string `mapstructure:"default_root"`
	IsolatedSubdir string `mapstructure:"isolated_subdir"`
}

// ExecutorConfig holds defaults for task resource envelopes and the
// optional post-completion test phase.
type ExecutorConfig struct {
	DefaultMaxIterations int           `mapstructure:"default_max_iterations"`
	DefaultMaxTokens     int           `mapstructure:"default_max_tokens"`
	IterationDelay       time.Duration `mapstructure:"iteration_delay"`
	StorageRetryWindow   time.Duration `mapstructure:"storage_retry_window"`
	TestCommand          string        `mapstructure:"test_command"`
	DeleteGrace          time.Duration `mapstructure:"delete_grace"`
}

// Addr returns the host:port listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Load reads configuration from config.yaml (if present), environment
// variables prefixed with TASKLOOP_, and the well-known unprefixed
// variables ASSISTANT_COMMAND, DATABASE_URL, DEFAULT_WORKSPACE_ROOT and
// ISOLATED_SUBDIR.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvPrefix("TASKLOOP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unprefixed variables the engine is contractually required to honor.
	_ = v.BindEnv("assistant.command", "ASSISTANT_COMMAND")
	_ = v.BindEnv("database.url", "DATABASE_URL")
	_ = v.BindEnv("workspace.default_root", "DEFAULT_WORKSPACE_ROOT")
	_ = v.BindEnv("workspace.isolated_subdir", "ISOLATED_SUBDIR")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.output_path", "stdout")

	v.SetDefault("database.url", "")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")

	v.SetDefault("assistant.command", "assistant")
	v.SetDefault("assistant.idle_timeout", 300*time.Second)
	v.SetDefault("assistant.stop_grace", 2*time.Second)
	v.SetDefault("assistant.max_line_size", 256*1024)

	v.SetDefault("workspace.default_root", "")
	v.SetDefault("workspace.isolated_subdir", ".isolated")

	v.SetDefault("executor.default_max_iterations", 20)
	v.SetDefault("executor.default_max_tokens", 0)
	v.SetDefault("executor.iteration_delay", time.Second)
	v.SetDefault("executor.storage_retry_window", 30*time.Second)
	v.SetDefault("executor.test_command", "")
	v.SetDefault("executor.delete_grace", 5*time.Second)
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Assistant.Command == "" {
		return fmt.Errorf("assistant command must not be empty")
	}
	if c.Assistant.MaxLineSize <= 0 {
		return fmt.Errorf("assistant max_line_size must be positive")
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats.url required when nats.enabled is true")
	}
	return nil
}
