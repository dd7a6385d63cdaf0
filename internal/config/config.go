// Package config provides configuration loading and validation for the
// Auditrail services. It uses koanf to merge environment variables with
// optional file overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration values for the API server and the
// background worker.
type Config struct {
	// Server settings
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// Primary database (companies, region_data_stores, billing, index,
	// pending writes)
	DatabaseURL string `koanf:"database_url"`

	// Redis (shared rate-limit counters). Optional: when empty the
	// limiter keeps counters in process.
	RedisURL string `koanf:"redis_url"`

	// Stripe (plan resolution). Optional: when empty every tenant gets
	// the free tier.
	StripeAPIKey string `koanf:"stripe_api_key"`

	// Object storage credentials for the per-region cold storage buckets.
	ObjectStorageAccessKeyID     string `koanf:"object_storage_access_key_id"`
	ObjectStorageSecretAccessKey string `koanf:"object_storage_secret_access_key"`
	ObjectStorageEndpoint        string `koanf:"object_storage_endpoint"`

	// Rate limiting
	RateLimitPerKey          int     `koanf:"rate_limit_per_key"`
	RateLimitPerIP           int     `koanf:"rate_limit_per_ip"`
	RateLimitWindowSeconds   int     `koanf:"rate_limit_window_seconds"`
	RateLimitBurstMultiplier float64 `koanf:"rate_limit_burst_multiplier"`

	// Replication worker
	ReplicationIntervalSeconds int `koanf:"replication_interval_seconds"`
	ReplicationWindowHours     int `koanf:"replication_window_hours"`
	ReplicationBatchSize       int `koanf:"replication_batch_size"`

	// Failover coordinator
	FailoverIntervalSeconds int `koanf:"failover_interval_seconds"`
	FailoverReplayBatch     int `koanf:"failover_replay_batch"`

	// Index reconciliation sweep
	IndexSweepIntervalSeconds int `koanf:"index_sweep_interval_seconds"`
	IndexSweepLookbackMinutes int `koanf:"index_sweep_lookback_minutes"`

	// Tracing
	TracingEnabled      bool    `koanf:"tracing_enabled"`
	TracingExporterType string  `koanf:"tracing_exporter_type"`
	OTLPEndpoint        string  `koanf:"otlp_endpoint"`
	TracingSamplingRate float64 `koanf:"tracing_sampling_rate"`
	TracingInsecure     bool    `koanf:"tracing_insecure"`
}

// Configuration validation errors.
var (
	ErrMissingDatabaseURL = errors.New("DATABASE_URL is required")
	ErrInvalidPort        = errors.New("PORT must be a valid integer")
	ErrInvalidRateLimit   = errors.New("rate limits must be positive")
	ErrInvalidSampling    = errors.New("TRACING_SAMPLING_RATE must be between 0 and 1")
)

// Default values for non-secret configuration.
const (
	DefaultPort = 8080
	DefaultEnv  = "development"

	DefaultRateLimitPerKey          = 1200
	DefaultRateLimitPerIP           = 600
	DefaultRateLimitWindowSeconds   = 60
	DefaultRateLimitBurstMultiplier = 2.0

	DefaultReplicationIntervalSeconds = 300
	DefaultReplicationWindowHours     = 24
	DefaultReplicationBatchSize       = 1000

	DefaultFailoverIntervalSeconds = 30
	DefaultFailoverReplayBatch     = 100

	DefaultIndexSweepIntervalSeconds = 900
	DefaultIndexSweepLookbackMinutes = 60

	DefaultTracingSamplingRate = 0.1
)

// Load reads configuration from environment variables and an optional
// config file. Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if
// valid).
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error

	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	intField := func(envKey, koanfKey string, def int) int {
		v, err := getEnvIntOrDefault(envKey, k.Int(koanfKey), def)
		if err != nil {
			loadErrs = append(loadErrs, err)
		}
		return v
	}
	floatField := func(envKey, koanfKey string, def float64) float64 {
		v, err := getEnvFloatOrDefault(envKey, k.Float64(koanfKey), def)
		if err != nil {
			loadErrs = append(loadErrs, err)
		}
		return v
	}

	cfg := &Config{
		Port:        intField("PORT", "port", DefaultPort),
		Env:         getEnvOrDefault("ENV", k.String("env"), DefaultEnv),
		DatabaseURL: getEnvOrKoanf("DATABASE_URL", k, "database_url"),
		RedisURL:    getEnvOrKoanf("REDIS_URL", k, "redis_url"),

		StripeAPIKey: getEnvOrKoanf("STRIPE_API_KEY", k, "stripe_api_key"),

		ObjectStorageAccessKeyID:     getEnvOrKoanf("OBJECT_STORAGE_ACCESS_KEY_ID", k, "object_storage_access_key_id"),
		ObjectStorageSecretAccessKey: getEnvOrKoanf("OBJECT_STORAGE_SECRET_ACCESS_KEY", k, "object_storage_secret_access_key"),
		ObjectStorageEndpoint:        getEnvOrKoanf("OBJECT_STORAGE_ENDPOINT", k, "object_storage_endpoint"),

		RateLimitPerKey:          intField("RATE_LIMIT_PER_KEY", "rate_limit_per_key", DefaultRateLimitPerKey),
		RateLimitPerIP:           intField("RATE_LIMIT_PER_IP", "rate_limit_per_ip", DefaultRateLimitPerIP),
		RateLimitWindowSeconds:   intField("RATE_LIMIT_WINDOW_SECONDS", "rate_limit_window_seconds", DefaultRateLimitWindowSeconds),
		RateLimitBurstMultiplier: floatField("RATE_LIMIT_BURST_MULTIPLIER", "rate_limit_burst_multiplier", DefaultRateLimitBurstMultiplier),

		ReplicationIntervalSeconds: intField("REPLICATION_INTERVAL_SECONDS", "replication_interval_seconds", DefaultReplicationIntervalSeconds),
		ReplicationWindowHours:     intField("REPLICATION_WINDOW_HOURS", "replication_window_hours", DefaultReplicationWindowHours),
		ReplicationBatchSize:       intField("REPLICATION_BATCH_SIZE", "replication_batch_size", DefaultReplicationBatchSize),

		FailoverIntervalSeconds: intField("FAILOVER_INTERVAL_SECONDS", "failover_interval_seconds", DefaultFailoverIntervalSeconds),
		FailoverReplayBatch:     intField("FAILOVER_REPLAY_BATCH", "failover_replay_batch", DefaultFailoverReplayBatch),

		IndexSweepIntervalSeconds: intField("INDEX_SWEEP_INTERVAL_SECONDS", "index_sweep_interval_seconds", DefaultIndexSweepIntervalSeconds),
		IndexSweepLookbackMinutes: intField("INDEX_SWEEP_LOOKBACK_MINUTES", "index_sweep_lookback_minutes", DefaultIndexSweepLookbackMinutes),

		TracingEnabled:      getEnvBoolOrDefault("TRACING_ENABLED", k, "tracing_enabled", false),
		TracingExporterType: getEnvOrDefault("TRACING_EXPORTER_TYPE", k.String("tracing_exporter_type"), "otlp-http"),
		OTLPEndpoint:        getEnvOrKoanf("OTLP_ENDPOINT", k, "otlp_endpoint"),
		TracingSamplingRate: floatField("TRACING_SAMPLING_RATE", "tracing_sampling_rate", DefaultTracingSamplingRate),
		TracingInsecure:     getEnvBoolOrDefault("TRACING_INSECURE", k, "tracing_insecure", false),
	}

	errs := cfg.Validate()
	errs = append(loadErrs, errs...)

	return cfg, errs
}

// RateLimitWindow returns the window as a duration.
func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowSeconds) * time.Second
}

// ReplicationInterval returns the replication cadence as a duration.
func (c *Config) ReplicationInterval() time.Duration {
	return time.Duration(c.ReplicationIntervalSeconds) * time.Second
}

// ReplicationWindow returns the trailing scan window as a duration.
func (c *Config) ReplicationWindow() time.Duration {
	return time.Duration(c.ReplicationWindowHours) * time.Hour
}

// FailoverInterval returns the probe-and-replay cadence as a duration.
func (c *Config) FailoverInterval() time.Duration {
	return time.Duration(c.FailoverIntervalSeconds) * time.Second
}

// IndexSweepInterval returns the sweep cadence as a duration.
func (c *Config) IndexSweepInterval() time.Duration {
	return time.Duration(c.IndexSweepIntervalSeconds) * time.Second
}

// IndexSweepLookback returns the sweep lookback as a duration.
func (c *Config) IndexSweepLookback() time.Duration {
	return time.Duration(c.IndexSweepLookbackMinutes) * time.Minute
}

// Validate checks that all required configuration values are present and
// consistent. Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, ErrMissingDatabaseURL)
	}
	if c.RateLimitPerKey <= 0 || c.RateLimitPerIP <= 0 || c.RateLimitWindowSeconds <= 0 {
		errs = append(errs, ErrInvalidRateLimit)
	}
	if c.TracingSamplingRate < 0 || c.TracingSamplingRate > 1 {
		errs = append(errs, ErrInvalidSampling)
	}

	return errs
}

// IsProduction reports whether the environment is production.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// getEnvOrKoanf returns the environment variable value if set, otherwise
// the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvOrDefault returns the environment variable value if set, otherwise
// the koanf value, or default.
func getEnvOrDefault(envKey string, koanfVal string, defaultVal string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvIntOrDefault returns the environment variable as int if set,
// otherwise the koanf value, or default. Returns an error if the
// environment variable is set but cannot be parsed as an integer.
func getEnvIntOrDefault(envKey string, koanfVal int, defaultVal int) (int, error) {
	if val := os.Getenv(envKey); val != "" {
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", envKey, err)
		}
		return i, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvFloatOrDefault returns the environment variable as float64 if set,
// otherwise the koanf value, or default. Returns an error if the
// environment variable is set but cannot be parsed as a float.
func getEnvFloatOrDefault(envKey string, koanfVal float64, defaultVal float64) (float64, error) {
	if val := os.Getenv(envKey); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid float: %w", envKey, err)
		}
		return f, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvBoolOrDefault returns the environment variable as bool if set,
// otherwise the koanf value, or default.
func getEnvBoolOrDefault(envKey string, k *koanf.Koanf, koanfKey string, defaultVal bool) bool {
	if val := os.Getenv(envKey); val != "" {
		b, err := strconv.ParseBool(val)
		if err == nil {
			return b
		}
	}
	if k.Exists(koanfKey) {
		return k.Bool(koanfKey)
	}
	return defaultVal
}
