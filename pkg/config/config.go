package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Blob      BlobConfig      `yaml:"blob"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Auth      AuthConfig      `yaml:"auth"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig configures the HTTP API listener.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	// PublicBaseURL is injected into containers so SDKs can reach the API.
	PublicBaseURL string `yaml:"public_base_url"`
}

// DatabaseConfig configures the Postgres metadata store.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
	// MaxOpenConns bounds the pool; dispatch workers each hold at most one tx.
	MaxOpenConns int `yaml:"max_open_conns"`
}

// RedisConfig configures the coordination store.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// BlobConfig configures the S3-compatible blob store.
type BlobConfig struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`
	// Endpoint is a custom S3 endpoint URL for S3-compatible providers
	// (e.g. MinIO). Empty uses the default AWS endpoint.
	Endpoint string `yaml:"endpoint"`
	// UsePathStyle forces path-style addressing, required by most
	// S3-compatible providers.
	UsePathStyle bool `yaml:"use_path_style"`
}

// RuntimeConfig configures the container runtime driver.
type RuntimeConfig struct {
	ContainerdSocket string `yaml:"containerd_socket"`
	Namespace        string `yaml:"namespace"`
	StorageRoot      string `yaml:"storage_root"`
}

// SchedulerConfig configures run dispatch.
type SchedulerConfig struct {
	MaxConcurrentRuns  int           `yaml:"max_concurrent_runs"`
	DefaultTimeoutSecs int           `yaml:"default_timeout_secs"`
	DefaultMemoryMB    int           `yaml:"default_memory_mbytes"`
	JanitorInterval    time.Duration `yaml:"janitor_interval"`
}

// AuthConfig carries the static API credential set.
type AuthConfig struct {
	// APIKeys maps long-lived keys (cp_ prefix) to principal IDs.
	APIKeys map[string]string `yaml:"api_keys"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Defaults fills unset fields with sensible defaults.
func (c *Config) Defaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8787"
	}
	if c.Server.PublicBaseURL == "" {
		c.Server.PublicBaseURL = "http://localhost:8787"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 20
	}
	if c.Redis.URL == "" {
		c.Redis.URL = "redis://localhost:6379/0"
	}
	if c.Runtime.Namespace == "" {
		c.Runtime.Namespace = "crawlpoint"
	}
	if c.Runtime.StorageRoot == "" {
		c.Runtime.StorageRoot = "/var/lib/crawlpoint"
	}
	if c.Scheduler.MaxConcurrentRuns == 0 {
		c.Scheduler.MaxConcurrentRuns = 8
	}
	if c.Scheduler.DefaultTimeoutSecs == 0 {
		c.Scheduler.DefaultTimeoutSecs = 3600
	}
	if c.Scheduler.DefaultMemoryMB == 0 {
		c.Scheduler.DefaultMemoryMB = 1024
	}
	if c.Scheduler.JanitorInterval == 0 {
		c.Scheduler.JanitorInterval = 30 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Load reads a YAML config file, expanding ${VAR} and ${VAR:-default}
// references before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.Defaults()
	return &cfg, nil
}
