// Package config loads service configuration from an optional YAML file plus
// EXPENSE_-prefixed environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration.
type Config struct {
	Service  ServiceConfig  `mapstructure:"service"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Log      LogConfig      `mapstructure:"log"`
	Workflow WorkflowConfig `mapstructure:"workflow"`
}

// ServiceConfig identifies the service in logs and events.
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// NATSConfig holds notification event bus settings.
type NATSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// WorkflowConfig holds the approval engine tunables. The auto-close ratio and
// escalation re-decidability are policy constants pending product sign-off;
// they live here rather than in code so they can change without a release.
type WorkflowConfig struct {
	ParallelAutoCloseRatio float64       `mapstructure:"parallel_auto_close_ratio"`
	FallbackRole           string        `mapstructure:"fallback_role"`
	FallbackSLAHours       int           `mapstructure:"fallback_sla_hours"`
	EscalationInterval     time.Duration `mapstructure:"escalation_interval"`
	MaxRetries             int           `mapstructure:"max_retries"`
}

// Load reads configuration. A config file is optional; environment variables
// (EXPENSE_SERVER_PORT, EXPENSE_DATABASE_HOST, ...) override file values.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if dir := os.Getenv("EXPENSE_CONFIG_DIR"); dir != "" {
		v.AddConfigPath(dir)
	}

	v.SetEnvPrefix("EXPENSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "expense-approvals")
	v.SetDefault("service.version", "dev")
	v.SetDefault("service.environment", "development")

	v.SetDefault("server.port", 4000)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "expenses")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")

	v.SetDefault("log.level", "info")

	v.SetDefault("workflow.parallel_auto_close_ratio", 0.6)
	v.SetDefault("workflow.fallback_role", "manager")
	v.SetDefault("workflow.fallback_sla_hours", 24)
	v.SetDefault("workflow.escalation_interval", 5*time.Minute)
	v.SetDefault("workflow.max_retries", 3)
}

// Validate checks that values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	w := &c.Workflow
	if w.ParallelAutoCloseRatio <= 0 || w.ParallelAutoCloseRatio > 1 {
		return fmt.Errorf("workflow.parallel_auto_close_ratio must be in (0, 1], got %v", w.ParallelAutoCloseRatio)
	}
	if w.FallbackRole == "" {
		return fmt.Errorf("workflow.fallback_role must not be empty")
	}
	if w.FallbackSLAHours <= 0 {
		return fmt.Errorf("workflow.fallback_sla_hours must be > 0, got %d", w.FallbackSLAHours)
	}
	if w.EscalationInterval <= 0 {
		return fmt.Errorf("workflow.escalation_interval must be > 0, got %v", w.EscalationInterval)
	}
	if w.MaxRetries < 1 {
		w.MaxRetries = 1
	}
	return nil
}
