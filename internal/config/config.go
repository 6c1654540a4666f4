// Package config loads runtime configuration from a YAML file with
// environment-variable overrides, mirroring the pack's convention of
// file-defaults-plus-env-override rather than a flag-only or
// env-only configuration surface. Secrets (keys, DSNs, URLs) always
// come from the environment when set, never only from the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root runtime configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	TAK       TAKConfig       `yaml:"tak"`
	Queue     QueueConfig     `yaml:"queue"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Auth      AuthConfig      `yaml:"auth"`
	Audit     AuditConfig     `yaml:"audit"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	NATS      NATSConfig      `yaml:"nats"`
	Redis     RedisConfig     `yaml:"redis"`
	DataDir   string          `yaml:"data_dir"`
}

type ServerConfig struct {
	Addr              string `yaml:"addr"`
	ShutdownDrainSec  int    `yaml:"shutdown_drain_sec"`
	RequestTimeoutSec int    `yaml:"request_timeout_sec"`
}

type TAKConfig struct {
	EndpointURL      string `yaml:"endpoint_url"`
	ProbeIntervalSec int    `yaml:"probe_interval_sec"`
	// PushConcurrency is the delivery worker's max in-flight pushes
	// (PUSH_CONCURRENCY, default 8 per spec.md §6).
	PushConcurrency int `yaml:"push_concurrency"`
}

// QueueConfig controls the durable delivery queue's on-disk location and
// capacity (QUEUE_PATH, QUEUE_CAPACITY per spec.md §6).
type QueueConfig struct {
	Path     string `yaml:"path"`
	Capacity int    `yaml:"capacity"`
}

type RateLimitConfig struct {
	PrincipalCapacity    float64 `yaml:"principal_capacity"`
	PrincipalRefillPerSec float64 `yaml:"principal_refill_per_sec"`
	IPCapacity           float64 `yaml:"ip_capacity"`
	IPRefillPerSec       float64 `yaml:"ip_refill_per_sec"`
}

type AuthConfig struct {
	BearerPublicKeyPath string `yaml:"bearer_public_key_path"`
	APIKeyStorePath     string `yaml:"api_key_store_path"`
	BearerCacheSize     int    `yaml:"bearer_cache_size"`
}

type AuditConfig struct {
	JournalPath   string `yaml:"journal_path"`
	SpoolDir      string `yaml:"spool_dir"`
	RetentionDays int    `yaml:"retention_days"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

type RedisConfig struct {
	Addr              string `yaml:"addr"`
	RevocationChannel string `yaml:"revocation_channel"`
}

// DefaultConfigPath is used when CONFIG_PATH is unset.
const DefaultConfigPath = "config/default.yaml"

// Load reads the YAML file named by the CONFIG_PATH environment
// variable (or DefaultConfigPath when unset), applies environment
// overrides, fills defaults, and validates the result.
func Load() (*Config, error) {
	path := getEnv("CONFIG_PATH", DefaultConfigPath)
	return LoadFrom(path)
}

// LoadFrom loads and validates a Config from a specific file path. A
// missing file is not an error: defaults and environment variables
// alone can produce a valid configuration, matching the pack's
// tolerance for absent config files in containerized deployments.
func LoadFrom(path string) (*Config, error) {
	var cfg Config
	if f, err := os.Open(path); err == nil {
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides wires the literal environment variable contract from
// spec.md §6 (TAK_SERVER_URL, QUEUE_PATH, AUDIT_PATH, BEARER_PUBLIC_KEY,
// API_KEY_STORE_PATH, LISTEN_ADDR, RATE_LIMIT_AUTHENTICATED,
// RATE_LIMIT_ANONYMOUS, QUEUE_CAPACITY, PUSH_CONCURRENCY), plus ambient
// variables for the optional Postgres mirror, NATS, and Redis
// integrations that spec.md's external-interfaces section doesn't name
// but SPEC_FULL.md's domain-stack expansion wires in. Environment
// variables always take precedence over the YAML file, per spec.md's
// configuration precedence rule.
func (c *Config) applyEnvOverrides() {
	c.Server.Addr = getEnv("LISTEN_ADDR", c.Server.Addr)
	c.TAK.EndpointURL = getEnv("TAK_SERVER_URL", c.TAK.EndpointURL)
	c.Queue.Path = getEnv("QUEUE_PATH", c.Queue.Path)
	c.Audit.JournalPath = getEnv("AUDIT_PATH", c.Audit.JournalPath)
	c.Auth.BearerPublicKeyPath = getEnv("BEARER_PUBLIC_KEY", c.Auth.BearerPublicKeyPath)
	c.Auth.APIKeyStorePath = getEnv("API_KEY_STORE_PATH", c.Auth.APIKeyStorePath)
	c.Postgres.DSN = getEnv("AUDIT_MIRROR_DSN", c.Postgres.DSN)
	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.DataDir = getEnv("DATA_DIR", c.DataDir)

	if v := getEnvInt("TAK_PROBE_INTERVAL_SEC", 0); v > 0 {
		c.TAK.ProbeIntervalSec = v
	}
	if v := getEnvInt("PUSH_CONCURRENCY", 0); v > 0 {
		c.TAK.PushConcurrency = v
	}
	if v := getEnvInt("QUEUE_CAPACITY", 0); v > 0 {
		c.Queue.Capacity = v
	}
	// RATE_LIMIT_AUTHENTICATED/ANONYMOUS is a sustained-requests-per-minute
	// figure: it sets the token bucket's capacity, with the refill rate
	// derived as capacity/60s so the bucket can sustain exactly that rate
	// indefinitely once drained, matching §8's "capacity + 60*refill_per_sec
	// successes per 60s window" invariant.
	if v := getEnvFloat("RATE_LIMIT_AUTHENTICATED", 0); v > 0 {
		c.RateLimit.PrincipalCapacity = v
		c.RateLimit.PrincipalRefillPerSec = v / 60.0
	}
	if v := getEnvFloat("RATE_LIMIT_ANONYMOUS", 0); v > 0 {
		c.RateLimit.IPCapacity = v
		c.RateLimit.IPRefillPerSec = v / 60.0
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = "0.0.0.0:8000"
	}
	if c.Server.ShutdownDrainSec == 0 {
		c.Server.ShutdownDrainSec = 10
	}
	if c.Server.RequestTimeoutSec == 0 {
		c.Server.RequestTimeoutSec = 30
	}
	if c.TAK.ProbeIntervalSec == 0 {
		c.TAK.ProbeIntervalSec = 1
	}
	if c.RateLimit.PrincipalCapacity == 0 {
		c.RateLimit.PrincipalCapacity = 100
	}
	if c.RateLimit.PrincipalRefillPerSec == 0 {
		c.RateLimit.PrincipalRefillPerSec = 100.0 / 60.0
	}
	if c.RateLimit.IPCapacity == 0 {
		c.RateLimit.IPCapacity = 10
	}
	if c.RateLimit.IPRefillPerSec == 0 {
		c.RateLimit.IPRefillPerSec = 10.0 / 60.0
	}
	if c.Auth.BearerCacheSize == 0 {
		c.Auth.BearerCacheSize = 1024
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Audit.JournalPath == "" {
		c.Audit.JournalPath = c.DataDir + "/audit/audit.journal"
	}
	if c.Audit.SpoolDir == "" {
		c.Audit.SpoolDir = c.DataDir + "/audit-spool"
	}
	if c.Audit.RetentionDays == 0 {
		c.Audit.RetentionDays = 90
	}
	if c.NATS.Subject == "" {
		c.NATS.Subject = "cot.delivery.events"
	}
	if c.Redis.RevocationChannel == "" {
		c.Redis.RevocationChannel = "authz:apikey:revoke"
	}
	if c.Queue.Capacity == 0 {
		c.Queue.Capacity = 10000
	}
	if c.Queue.Path == "" {
		c.Queue.Path = c.DataDir + "/queue/queue.store"
	}
	if c.TAK.PushConcurrency == 0 {
		c.TAK.PushConcurrency = 8
	}
}

func (c *Config) validate() error {
	if c.TAK.EndpointURL == "" {
		return fmt.Errorf("config: tak.endpoint_url (or TAK_SERVER_URL) is required")
	}
	if c.Auth.BearerPublicKeyPath == "" {
		return fmt.Errorf("config: auth.bearer_public_key_path (or BEARER_PUBLIC_KEY) is required")
	}
	if c.Audit.RetentionDays < 90 {
		return fmt.Errorf("config: audit.retention_days must be at least 90, got %d", c.Audit.RetentionDays)
	}
	return nil
}

// ShutdownDrain returns the configured graceful-shutdown drain window.
func (c *Config) ShutdownDrain() time.Duration {
	return time.Duration(c.Server.ShutdownDrainSec) * time.Second
}

// RequestTimeout returns the configured per-request total budget.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSec) * time.Second
}

// ProbeInterval returns the configured TAK reachability probe cadence.
func (c *Config) ProbeInterval() time.Duration {
	return time.Duration(c.TAK.ProbeIntervalSec) * time.Second
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
