// Package config loads and validates the message-processing core's runtime
// configuration from environment variables and an optional YAML file.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the full configuration surface for cmd/core.
type Config struct {
	Server         ServerConfig
	Database       DatabaseConfig
	Redis          RedisConfig
	LLM            LLMConfig
	RateLimitRetry RateLimitRetryConfig
	Worker         WorkerConfig
	Manager        ManagerConfig
	Dedup          DedupConfig
	Booking        BookingConfig
	Platform       PlatformConfig
}

// ServerConfig holds the admin/health HTTP surface configuration.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Host            string        `mapstructure:"host"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// RedisConfig holds the storage backend's Redis connection configuration.
// Empty Addr selects the in-process memstore backend instead.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LLMConfig configures the LLM client (C4).
type LLMConfig struct {
	APIKey     string        `mapstructure:"api_key"`
	BaseURL    string        `mapstructure:"base_url"`
	Timeout    time.Duration `mapstructure:"timeout_ms"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// RateLimitRetryConfig configures the worker's outer rate-limit retry
// protocol (distinct from the LLM client's inner backoff).
type RateLimitRetryConfig struct {
	Enabled        bool            `mapstructure:"enabled"`
	RetryDelays    []time.Duration `mapstructure:"retry_delays_ms"`
	InitialMessage string          `mapstructure:"initial_message"`
	FinalMessage   string          `mapstructure:"final_message"`
}

// WorkerConfig configures per-worker behavior (C9).
type WorkerConfig struct {
	Concurrency    int           `mapstructure:"concurrency"`
	LockTTL        time.Duration `mapstructure:"lock_ttl_ms"`
	LeaseTTL       time.Duration `mapstructure:"lease_ttl_ms"`
	LockMaxRetries int           `mapstructure:"lock_max_retries"`
}

// ManagerConfig configures the worker manager's auto-scaler (C10).
type ManagerConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	MinWorkers         int           `mapstructure:"min_workers"`
	MaxWorkers         int           `mapstructure:"max_workers"`
	ScaleUpThreshold   int           `mapstructure:"scale_up_threshold"`
	ScaleDownThreshold int           `mapstructure:"scale_down_threshold"`
	CPUThreshold       float64       `mapstructure:"cpu_threshold"`
	CPUScaleDownBelow  float64       `mapstructure:"cpu_scale_down_below"`
	CheckInterval      time.Duration `mapstructure:"check_interval_ms"`
	HealthWindow       time.Duration `mapstructure:"health_window_ms"`
	MinSuccessRate     float64       `mapstructure:"min_success_rate"`
	DrainTimeout       time.Duration `mapstructure:"drain_timeout_ms"`
}

// DedupConfig configures the dedup window (C1).
type DedupConfig struct {
	TTL time.Duration `mapstructure:"ttl_s"`
}

// PlatformConfig holds the outbound send client's per-platform base URLs (C5).
type PlatformConfig struct {
	WhatsAppBaseURL  string `mapstructure:"whatsapp_base_url"`
	InstagramBaseURL string `mapstructure:"instagram_base_url"`
}

// BookingConfig configures the meeting booker (C7).
type BookingConfig struct {
	ClientID         string `mapstructure:"client_id"`
	ClientSecret     string `mapstructure:"client_secret"`
	CalendarBaseURL  string `mapstructure:"calendar_base_url"`
	NoCredentialsMsg string `mapstructure:"no_credentials_message"`
}

// Load reads configuration from environment variables (prefix CORE_) and an
// optional config.yaml, applies defaults, and validates the result.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvPrefix("CORE")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/message-core/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("database.port", 5432)
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 25)
	v.SetDefault("database.conn_max_lifetime", "15m")
	v.SetDefault("database.migrations_path", "migrations")

	v.SetDefault("redis.db", 0)

	v.SetDefault("llm.timeout_ms", "30s")
	v.SetDefault("llm.max_retries", 3)

	v.SetDefault("rate_limit_retry.enabled", true)
	v.SetDefault("rate_limit_retry.retry_delays_ms", []string{"30s", "60s", "120s"})
	v.SetDefault("rate_limit_retry.initial_message", "We're experiencing high demand right now, please hold on a moment.")
	v.SetDefault("rate_limit_retry.final_message", "We're still catching up, please try again in a little while.")

	v.SetDefault("worker.concurrency", 10)
	v.SetDefault("worker.lock_ttl_ms", "300s")
	v.SetDefault("worker.lease_ttl_ms", "300s")
	v.SetDefault("worker.lock_max_retries", 150)

	v.SetDefault("manager.enabled", true)
	v.SetDefault("manager.min_workers", 2)
	v.SetDefault("manager.max_workers", 20)
	v.SetDefault("manager.scale_up_threshold", 50)
	v.SetDefault("manager.scale_down_threshold", 10)
	v.SetDefault("manager.cpu_threshold", 80.0)
	v.SetDefault("manager.cpu_scale_down_below", 30.0)
	v.SetDefault("manager.check_interval_ms", "30s")
	v.SetDefault("manager.health_window_ms", "5m")
	v.SetDefault("manager.min_success_rate", 0.5)
	v.SetDefault("manager.drain_timeout_ms", "30s")

	v.SetDefault("dedup.ttl_s", "5s")

	v.SetDefault("booking.no_credentials_message", "I'd love to set that up, but I don't have calendar access connected yet.")

	v.SetDefault("platform.whatsapp_base_url", "https://graph.facebook.com/v18.0")
	v.SetDefault("platform.instagram_base_url", "https://graph.facebook.com/v18.0")
}

func (cfg *Config) validate() error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	if cfg.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be positive")
	}
	if cfg.Manager.MinWorkers <= 0 || cfg.Manager.MaxWorkers < cfg.Manager.MinWorkers {
		return fmt.Errorf("invalid manager worker bounds: min=%d max=%d", cfg.Manager.MinWorkers, cfg.Manager.MaxWorkers)
	}
	if cfg.LLM.MaxRetries < 1 || cfg.LLM.MaxRetries > 5 {
		return fmt.Errorf("llm max_retries must be in [1,5], got %d", cfg.LLM.MaxRetries)
	}
	return nil
}
