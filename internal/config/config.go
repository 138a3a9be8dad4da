package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
	StorageSqlite   = "sqlite"
)

// Config is the server configuration.
type Config struct {
	Server struct {
		Addr    string `yaml:"addr"`
		GinMode string `yaml:"gin_mode"`
	} `yaml:"server"`

	Log struct {
		Debug bool   `yaml:"debug"`
		File  string `yaml:"file"`
	} `yaml:"log"`

	Storage struct {
		Type string `yaml:"type"` // memory, postgres or sqlite
		DSN  string `yaml:"dsn"`  // postgres dsn or sqlite file path
	} `yaml:"storage"`

	Redis struct {
		Enabled       bool          `yaml:"enabled"`
		Addr          string        `yaml:"addr"`
		PoolSize      int           `yaml:"pool_size"`
		CheckpointTTL time.Duration `yaml:"checkpoint_ttl"`
	} `yaml:"redis"`

	Admission struct {
		Mode        string        `yaml:"mode"` // fine or coarse
		Distributed bool          `yaml:"distributed"`
		LockTTL     time.Duration `yaml:"lock_ttl"`
	} `yaml:"admission"`

	Executor struct {
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		DefaultMaxRetry   int           `yaml:"default_max_retry"`
		DefaultStages     []string      `yaml:"default_stages"`
	} `yaml:"executor"`

	Worker struct {
		Concurrency    int           `yaml:"concurrency"`
		BusyRetryDelay time.Duration `yaml:"busy_retry_delay"`
	} `yaml:"worker"`
}

// Default returns a configuration that runs entirely in memory.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Addr = ":8080"
	cfg.Server.GinMode = "release"
	cfg.Storage.Type = StorageMemory
	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.PoolSize = 10
	cfg.Admission.Mode = "fine"
	cfg.Admission.LockTTL = 30 * time.Minute
	cfg.Executor.HeartbeatInterval = 10 * time.Second
	cfg.Executor.DefaultMaxRetry = 3
	cfg.Executor.DefaultStages = []string{"precheck", "apply-config", "verify"}
	cfg.Worker.Concurrency = 4
	cfg.Worker.BusyRetryDelay = time.Second
	return cfg
}

// Load reads path over the defaults and validates the result. An empty path
// returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	switch c.Storage.Type {
	case StorageMemory:
	case StoragePostgres, StorageSqlite:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for %s", c.Storage.Type)
		}
	default:
		return fmt.Errorf("invalid storage.type: %q", c.Storage.Type)
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	switch c.Admission.Mode {
	case "", "fine", "coarse":
	default:
		return fmt.Errorf("invalid admission.mode: %q", c.Admission.Mode)
	}
	if c.Admission.Distributed && !c.Redis.Enabled {
		return fmt.Errorf("admission.distributed needs redis.enabled")
	}
	if c.Executor.HeartbeatInterval <= 0 {
		return fmt.Errorf("invalid executor.heartbeat_interval: %s", c.Executor.HeartbeatInterval)
	}
	if c.Executor.DefaultMaxRetry < 0 {
		return fmt.Errorf("invalid executor.default_max_retry: %d", c.Executor.DefaultMaxRetry)
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("invalid worker.concurrency: %d", c.Worker.Concurrency)
	}
	if c.Worker.BusyRetryDelay < 0 {
		return fmt.Errorf("invalid worker.busy_retry_delay: %s", c.Worker.BusyRetryDelay)
	}
	return nil
}
