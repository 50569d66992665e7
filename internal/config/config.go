// Package config loads the YAML configuration file and applies environment
// overrides for the secrets that never belong in a checked-in file.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	Tracking TrackingConfig `yaml:"tracking"`
	SES      SESConfig      `yaml:"ses"`
	Worker   WorkerConfig   `yaml:"worker"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// PostgresConfig holds the database connection settings.
type PostgresConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds the queue/lock backend settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// TrackingConfig holds the token secrets and the public base URL stamped
// into outgoing emails.
type TrackingConfig struct {
	BaseURL string `yaml:"base_url"`
	// Secret keys the HMAC over pixel and click tokens.
	Secret string `yaml:"secret"`
	// EncryptionKey protects unsubscribe tokens; must be exactly 32 bytes
	// (AES-256).
	EncryptionKey string `yaml:"encryption_key"`
}

// SESConfig holds Amazon SES credentials. Empty keys fall back to the
// default AWS credential chain.
type SESConfig struct {
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
}

// WorkerConfig tunes the sequence job processor.
type WorkerConfig struct {
	BatchSize   int    `yaml:"batch_size"`
	LockKey     string `yaml:"lock_key"`
	LockTTLSecs int    `yaml:"lock_ttl_seconds"`
}

// Load reads and parses the config file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if len(cfg.Server.AllowedOrigins) == 0 {
		cfg.Server.AllowedOrigins = []string{"http://localhost:5173"}
	}
	if cfg.Postgres.MaxOpenConns == 0 {
		cfg.Postgres.MaxOpenConns = 20
	}
	if cfg.Postgres.MaxIdleConns == 0 {
		cfg.Postgres.MaxIdleConns = 5
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.SES.Region == "" {
		cfg.SES.Region = "us-west-2"
	}
	if cfg.Worker.BatchSize == 0 {
		cfg.Worker.BatchSize = 10
	}
	if cfg.Worker.LockKey == "" {
		cfg.Worker.LockKey = "worker:sequences"
	}
	if cfg.Worker.LockTTLSecs == 0 {
		cfg.Worker.LockTTLSecs = 60
	}

	return &cfg, nil
}

// LoadFromEnv loads config from file, then overrides secrets and connection
// strings from the environment. A .env file is honored when present.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Postgres.URL = url
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if pass := os.Getenv("REDIS_PASSWORD"); pass != "" {
		cfg.Redis.Password = pass
	}
	if db := os.Getenv("REDIS_DB"); db != "" {
		if n, err := strconv.Atoi(db); err == nil {
			cfg.Redis.DB = n
		}
	}
	if baseURL := os.Getenv("TRACKING_BASE_URL"); baseURL != "" {
		cfg.Tracking.BaseURL = baseURL
	}
	if secret := os.Getenv("TRACKING_SECRET"); secret != "" {
		cfg.Tracking.Secret = secret
	}
	if key := os.Getenv("TRACKING_ENCRYPTION_KEY"); key != "" {
		cfg.Tracking.EncryptionKey = key
	}
	if accessKey := os.Getenv("AWS_SES_ACCESS_KEY"); accessKey != "" {
		cfg.SES.AccessKey = accessKey
	}
	if secretKey := os.Getenv("AWS_SES_SECRET_KEY"); secretKey != "" {
		cfg.SES.SecretKey = secretKey
	}
	if region := os.Getenv("AWS_SES_REGION"); region != "" {
		cfg.SES.Region = region
	}
	if port := os.Getenv("PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = n
		}
	}

	return cfg, nil
}

// Validate checks the settings the process cannot run without.
func (c *Config) Validate() error {
	if c.Postgres.URL == "" {
		return fmt.Errorf("postgres url is required")
	}
	if c.Tracking.BaseURL == "" {
		return fmt.Errorf("tracking base_url is required")
	}
	if c.Tracking.Secret == "" {
		return fmt.Errorf("tracking secret is required")
	}
	if len(c.Tracking.EncryptionKey) != 32 {
		return fmt.Errorf("tracking encryption_key must be exactly 32 bytes, got %d", len(c.Tracking.EncryptionKey))
	}
	return nil
}

// Addr returns the host:port the server binds to.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
