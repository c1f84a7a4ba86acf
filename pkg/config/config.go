package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for ekaya-features.
// Configuration can come from a YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords) must only come from environment variables.
type Config struct {
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	Version  string `yaml:"-"` // Set at load time, not from config

	// Workflow execution configuration
	Workflow WorkflowConfig `yaml:"workflow"`

	// Database configuration (PostgreSQL artifact store)
	Database DatabaseConfig `yaml:"database"`

	// Artifact store configuration
	Store StoreConfig `yaml:"store"`

	// Redis configuration (optional artifact cache)
	Redis RedisConfig `yaml:"redis"`
}

// WorkflowConfig controls how workflows execute fit and transform passes.
type WorkflowConfig struct {
	// Workers is the number of partitions processed concurrently.
	// 0 means one worker per CPU.
	Workers int `yaml:"workers" env:"WORKFLOW_WORKERS" env-default:"0"`
	// PartitionRows splits single-table inputs into partitions of this many rows.
	PartitionRows int `yaml:"partition_rows" env:"WORKFLOW_PARTITION_ROWS" env-default:"65536"`
}

// EffectiveWorkers resolves Workers to a positive worker count.
func (c WorkflowConfig) EffectiveWorkers() int {
	if c.Workers < 1 {
		return runtime.NumCPU()
	}
	return c.Workers
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"ekaya"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"ekaya_features"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"10"`
	MaxIdleConns   int32  `yaml:"max_idle_conns" env:"PGMAX_IDLE_CONNS" env-default:"2"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// StoreConfig holds settings for the persisted workflow artifact store.
type StoreConfig struct {
	// Enabled turns on the PostgreSQL artifact store.
	Enabled bool `yaml:"enabled" env:"STORE_ENABLED" env-default:"false"`
	// MigrationsPath is the directory holding the SQL migrations.
	MigrationsPath string `yaml:"migrations_path" env:"STORE_MIGRATIONS_PATH" env-default:"./migrations"`
	// ConnectRetries is how many times connecting to the store is retried at startup.
	ConnectRetries int `yaml:"connect_retries" env:"STORE_CONNECT_RETRIES" env-default:"5"`
}

// RedisConfig holds Redis settings for the artifact cache.
// An empty Host disables the cache.
type RedisConfig struct {
	Host     string        `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int           `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string        `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int           `yaml:"db" env:"REDIS_DB" env-default:"0"`
	CacheTTL time.Duration `yaml:"cache_ttl" env:"REDIS_CACHE_TTL" env-default:"1h"`
}

// Load reads configuration from path with environment variable overrides.
// A missing file is not an error; defaults and environment variables apply.
// The version parameter is injected at build time and set on the returned Config.
func Load(path, version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Workflow.Workers < 0 {
		return fmt.Errorf("workflow.workers must be >= 0, got %d", c.Workflow.Workers)
	}
	if c.Workflow.PartitionRows < 1 {
		return fmt.Errorf("workflow.partition_rows must be >= 1, got %d", c.Workflow.PartitionRows)
	}
	if c.Redis.Host != "" && c.Redis.CacheTTL <= 0 {
		return fmt.Errorf("redis.cache_ttl must be positive, got %s", c.Redis.CacheTTL)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	return nil
}

// ConnectionString returns a PostgreSQL keyword/value connection string.
// Values that are empty or contain spaces, quotes or backslashes are quoted.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		dsnValue(resolveHostForDocker(c.Host)), c.Port, dsnValue(c.User), dsnValue(c.Password),
		dsnValue(c.Database), dsnValue(c.SSLMode),
	)
}

func dsnValue(v string) string {
	if v != "" && !strings.ContainsAny(v, " \t\n'\\") {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}

var (
	isDockerOnce   sync.Once
	isDockerResult bool
)

// IsRunningInDocker returns true if the process runs inside a Docker container.
// The result is cached after the first call.
func IsRunningInDocker() bool {
	isDockerOnce.Do(func() {
		_, err := os.Stat("/.dockerenv")
		isDockerResult = err == nil
	})
	return isDockerResult
}

// resolveHostForDocker maps loopback hosts to host.docker.internal when
// running in a container, so a database on the host machine stays reachable.
func resolveHostForDocker(host string) string {
	if !IsRunningInDocker() {
		return host
	}
	if host == "localhost" || host == "127.0.0.1" {
		return "host.docker.internal"
	}
	return host
}
