// Package config provides unified configuration loading for the drawdiff engine.
// Supports YAML files, environment variables, and programmatic overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the drawdiff engine.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Queue         QueueConfig         `yaml:"queue"`
	Blob          BlobConfig          `yaml:"blob"`
	Vision        VisionConfig        `yaml:"vision"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
}

// DatabaseConfig holds relational store settings.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver"` // sqlite or postgres
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path         string `yaml:"path"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// PostgresConfig holds Postgres-specific settings.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// QueueConfig holds message channel settings.
type QueueConfig struct {
	Driver             string      `yaml:"driver"` // memory or redis
	Prefix             string      `yaml:"prefix"`
	MaxAttempts        int         `yaml:"max_attempts"`
	OCRConcurrency     int         `yaml:"ocr_concurrency"`
	DiffConcurrency    int         `yaml:"diff_concurrency"`
	SummaryConcurrency int         `yaml:"summary_concurrency"`
	Redis              RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// BlobConfig holds blob store settings.
type BlobConfig struct {
	Driver string      `yaml:"driver"` // memory or minio
	Minio  MinioConfig `yaml:"minio"`
}

// MinioConfig holds MinIO/S3-compatible store settings.
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// VisionConfig holds AI vision/text service settings.
type VisionConfig struct {
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	Model      string        `yaml:"model"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// PipelineConfig holds stage pipeline settings.
type PipelineConfig struct {
	MaxRetries             int     `yaml:"max_retries"`
	LowConfidenceThreshold float64 `yaml:"low_confidence_threshold"`
	RasterDPI              int     `yaml:"raster_dpi"`
	InkThreshold           int     `yaml:"ink_threshold"`
	MinRegionPixels        int     `yaml:"min_region_pixels"`
	MergeGap               int     `yaml:"merge_gap"`
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults for development.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8090,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     30 * time.Second,
			GracefulShutdown: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			SQLite: SQLiteConfig{
				Path:         "/tmp/drawdiff.db",
				MaxOpenConns: 1,
			},
			Postgres: PostgresConfig{
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Queue: QueueConfig{
			Driver:             "memory",
			Prefix:             "dd:",
			MaxAttempts:        10,
			OCRConcurrency:     4,
			SummaryConcurrency: 4,
			// Image alignment is memory intensive; keep diff fan-out small.
			DiffConcurrency: 2,
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				DB:       0,
				PoolSize: 10,
			},
		},
		Blob: BlobConfig{
			Driver: "memory",
			Minio: MinioConfig{
				Endpoint: "localhost:9000",
				Bucket:   "drawdiff",
			},
		},
		Vision: VisionConfig{
			BaseURL:    "https://openrouter.ai/api/v1/chat/completions",
			Model:      "x-ai/grok-4.1-fast:free",
			Timeout:    90 * time.Second,
			MaxRetries: 3,
		},
		Pipeline: PipelineConfig{
			MaxRetries:             5,
			LowConfidenceThreshold: 0.5,
			RasterDPI:              150,
			InkThreshold:           200,
			MinRegionPixels:        24,
			MergeGap:               3,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "debug",
			LogFormat: "json",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.Driver != "sqlite" && c.Database.Driver != "postgres" {
		return fmt.Errorf("invalid database driver: %s", c.Database.Driver)
	}

	if c.Queue.Driver != "memory" && c.Queue.Driver != "redis" {
		return fmt.Errorf("invalid queue driver: %s", c.Queue.Driver)
	}

	if c.Blob.Driver != "memory" && c.Blob.Driver != "minio" {
		return fmt.Errorf("invalid blob driver: %s", c.Blob.Driver)
	}

	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue max_attempts must be at least 1")
	}

	if c.Pipeline.MaxRetries < 0 {
		return fmt.Errorf("pipeline max_retries must not be negative")
	}

	if c.Pipeline.LowConfidenceThreshold < 0 || c.Pipeline.LowConfidenceThreshold > 1 {
		return fmt.Errorf("low_confidence_threshold must be in [0,1]")
	}

	return nil
}

// DatabaseDSN returns the appropriate database connection string.
func (c *Config) DatabaseDSN() string {
	if c.Database.Driver == "sqlite" {
		return c.Database.SQLite.Path
	}
	return c.Database.Postgres.DSN
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		if strings.HasPrefix(v, "sqlite:") {
			cfg.Database.Driver = "sqlite"
			cfg.Database.SQLite.Path = strings.TrimPrefix(v, "sqlite:")
		} else if strings.HasPrefix(v, "postgres") {
			cfg.Database.Driver = "postgres"
			cfg.Database.Postgres.DSN = v
		}
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Queue.Driver = "redis"
		cfg.Queue.Redis.Addr = strings.TrimPrefix(v, "redis://")
	}

	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.Blob.Driver = "minio"
		cfg.Blob.Minio.Endpoint = v
	}

	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.Blob.Minio.AccessKey = v
	}

	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.Blob.Minio.SecretKey = v
	}

	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.Blob.Minio.Bucket = v
	}

	if v := os.Getenv("OPENROUTER_API_KEY"); v != "" {
		cfg.Vision.APIKey = v
	}

	if v := os.Getenv("VISION_MODEL"); v != "" {
		cfg.Vision.Model = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
}
