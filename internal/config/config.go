package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration. Values are resolved in order:
// built-in defaults, then the optional YAML file named by CONFIG_FILE, then
// environment variables.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	NATS      NATSConfig      `yaml:"nats"`
	Escalator EscalatorConfig `yaml:"escalator"`
}

// ServiceConfig identifies the service in logs and events.
type ServiceConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	User        string        `yaml:"user"`
	Password    string        `yaml:"password"`
	Database    string        `yaml:"database"`
	SSLMode     string        `yaml:"ssl_mode"`
	MaxConns    int32         `yaml:"max_conns"`
	MinConns    int32         `yaml:"min_conns"`
	MaxConnTime time.Duration `yaml:"max_conn_time"`
	MaxIdleTime time.Duration `yaml:"max_idle_time"`
	HealthCheck time.Duration `yaml:"health_check"`
}

// NATSConfig holds the notification transport settings.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Enabled bool   `yaml:"enabled"`
}

// EscalatorConfig tunes the periodic scans.
type EscalatorConfig struct {
	ScanInterval    time.Duration `yaml:"scan_interval"`
	WarningInterval time.Duration `yaml:"warning_interval"`
	MaxConcurrency  int           `yaml:"max_concurrency"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
}

// Load resolves the configuration from defaults, file and environment.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "be-plt-approvals",
			Version:     "dev",
			Environment: "development",
		},
		Server: ServerConfig{
			Port:            8086,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Host:        "localhost",
			Port:        5432,
			User:        "postgres",
			Database:    "approvals",
			SSLMode:     "disable",
			MaxConns:    10,
			MinConns:    2,
			MaxConnTime: time.Hour,
			MaxIdleTime: 30 * time.Minute,
			HealthCheck: time.Minute,
		},
		NATS: NATSConfig{
			URL:     "nats://localhost:4222",
			Enabled: true,
		},
		Escalator: EscalatorConfig{
			ScanInterval:    30 * time.Minute,
			WarningInterval: time.Hour,
			MaxConcurrency:  8,
			RequestTimeout:  15 * time.Second,
		},
	}
}

func applyEnv(cfg *Config) {
	setString(&cfg.Service.Name, "SERVICE_NAME")
	setString(&cfg.Service.Version, "SERVICE_VERSION")
	setString(&cfg.Service.Environment, "ENVIRONMENT")

	setInt(&cfg.Server.Port, "PORT")

	setString(&cfg.Database.Host, "DB_HOST")
	setInt(&cfg.Database.Port, "DB_PORT")
	setString(&cfg.Database.User, "DB_USER")
	setString(&cfg.Database.Password, "DB_PASSWORD")
	setString(&cfg.Database.Database, "DB_NAME")
	setString(&cfg.Database.SSLMode, "DB_SSLMODE")

	setString(&cfg.NATS.URL, "NATS_URL")
	setBool(&cfg.NATS.Enabled, "NATS_ENABLED")

	setDuration(&cfg.Escalator.ScanInterval, "ESCALATION_SCAN_INTERVAL")
	setDuration(&cfg.Escalator.WarningInterval, "DEADLINE_WARNING_INTERVAL")
	setInt(&cfg.Escalator.MaxConcurrency, "ESCALATION_MAX_CONCURRENCY")
	setDuration(&cfg.Escalator.RequestTimeout, "ESCALATION_REQUEST_TIMEOUT")
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Escalator.ScanInterval <= 0 {
		return fmt.Errorf("escalation scan interval must be positive")
	}
	if c.Escalator.WarningInterval <= 0 {
		return fmt.Errorf("deadline warning interval must be positive")
	}
	if c.Escalator.MaxConcurrency < 1 {
		return fmt.Errorf("escalation max concurrency must be at least 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
