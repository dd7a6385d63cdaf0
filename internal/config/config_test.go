package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

var managedEnv = []string{
	"DATABASE_URL", "REDIS_URL", "STRIPE_API_KEY",
	"OBJECT_STORAGE_ACCESS_KEY_ID", "OBJECT_STORAGE_SECRET_ACCESS_KEY", "OBJECT_STORAGE_ENDPOINT",
	"RATE_LIMIT_PER_KEY", "RATE_LIMIT_PER_IP", "RATE_LIMIT_WINDOW_SECONDS", "RATE_LIMIT_BURST_MULTIPLIER",
	"REPLICATION_INTERVAL_SECONDS", "REPLICATION_WINDOW_HOURS", "REPLICATION_BATCH_SIZE",
	"FAILOVER_INTERVAL_SECONDS", "FAILOVER_REPLAY_BATCH",
	"INDEX_SWEEP_INTERVAL_SECONDS", "INDEX_SWEEP_LOOKBACK_MINUTES",
	"TRACING_ENABLED", "TRACING_EXPORTER_TYPE", "OTLP_ENDPOINT", "TRACING_SAMPLING_RATE", "TRACING_INSECURE",
	"PORT", "ENV",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range managedEnv {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/auditrail")

	cfg, errs := Load("")
	if len(errs) != 0 {
		t.Fatalf("Load returned errors: %v", errs)
	}

	if cfg.Port != DefaultPort {
		t.Errorf("port = %d, want %d", cfg.Port, DefaultPort)
	}
	if cfg.Env != DefaultEnv {
		t.Errorf("env = %q, want %q", cfg.Env, DefaultEnv)
	}
	if cfg.RateLimitPerKey != DefaultRateLimitPerKey {
		t.Errorf("rate limit per key = %d, want %d", cfg.RateLimitPerKey, DefaultRateLimitPerKey)
	}
	if cfg.RateLimitPerIP != DefaultRateLimitPerIP {
		t.Errorf("rate limit per ip = %d, want %d", cfg.RateLimitPerIP, DefaultRateLimitPerIP)
	}
	if cfg.RateLimitWindow() != time.Minute {
		t.Errorf("rate limit window = %v, want 1m", cfg.RateLimitWindow())
	}
	if cfg.ReplicationWindow() != 24*time.Hour {
		t.Errorf("replication window = %v, want 24h", cfg.ReplicationWindow())
	}
	if cfg.FailoverReplayBatch != DefaultFailoverReplayBatch {
		t.Errorf("replay batch = %d, want %d", cfg.FailoverReplayBatch, DefaultFailoverReplayBatch)
	}
	if cfg.TracingEnabled {
		t.Error("tracing should default to disabled")
	}
	if cfg.IsProduction() {
		t.Error("default env should not be production")
	}
}

func TestLoad_MissingDatabaseURL(t *testing.T) {
	clearEnv(t)

	_, errs := Load("")
	if len(errs) == 0 {
		t.Fatal("expected validation errors")
	}
	found := false
	for _, err := range errs {
		if errors.Is(err, ErrMissingDatabaseURL) {
			found = true
		}
	}
	if !found {
		t.Errorf("errors %v missing ErrMissingDatabaseURL", errs)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/auditrail")
	t.Setenv("PORT", "9090")
	t.Setenv("ENV", "production")
	t.Setenv("RATE_LIMIT_PER_KEY", "100")
	t.Setenv("REPLICATION_WINDOW_HOURS", "48")
	t.Setenv("TRACING_ENABLED", "true")
	t.Setenv("TRACING_SAMPLING_RATE", "0.5")

	cfg, errs := Load("")
	if len(errs) != 0 {
		t.Fatalf("Load returned errors: %v", errs)
	}

	if cfg.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Port)
	}
	if !cfg.IsProduction() {
		t.Error("env should be production")
	}
	if cfg.RateLimitPerKey != 100 {
		t.Errorf("rate limit per key = %d, want 100", cfg.RateLimitPerKey)
	}
	if cfg.ReplicationWindow() != 48*time.Hour {
		t.Errorf("replication window = %v, want 48h", cfg.ReplicationWindow())
	}
	if !cfg.TracingEnabled || cfg.TracingSamplingRate != 0.5 {
		t.Errorf("tracing = (%v, %f)", cfg.TracingEnabled, cfg.TracingSamplingRate)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/auditrail")

	t.Run("non-integer port", func(t *testing.T) {
		t.Setenv("PORT", "not-a-port")
		_, errs := Load("")
		if len(errs) == 0 {
			t.Error("expected an error for invalid PORT")
		}
	})

	t.Run("out-of-range sampling rate", func(t *testing.T) {
		t.Setenv("PORT", "8080")
		t.Setenv("TRACING_SAMPLING_RATE", "1.5")
		_, errs := Load("")
		found := false
		for _, err := range errs {
			if errors.Is(err, ErrInvalidSampling) {
				found = true
			}
		}
		if !found {
			t.Errorf("errors %v missing ErrInvalidSampling", errs)
		}
	})

	t.Run("negative rate limit", func(t *testing.T) {
		t.Setenv("TRACING_SAMPLING_RATE", "0.1")
		t.Setenv("RATE_LIMIT_PER_KEY", "-5")
		_, errs := Load("")
		found := false
		for _, err := range errs {
			if errors.Is(err, ErrInvalidRateLimit) {
				found = true
			}
		}
		if !found {
			t.Errorf("errors %v missing ErrInvalidRateLimit", errs)
		}
	})
}

func TestLoad_FileWithEnvPrecedence(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
database_url: postgres://file-host/auditrail
port: 7070
rate_limit_per_key: 300
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, errs := Load(path)
	if len(errs) != 0 {
		t.Fatalf("Load returned errors: %v", errs)
	}
	if cfg.DatabaseURL != "postgres://file-host/auditrail" {
		t.Errorf("database url = %q", cfg.DatabaseURL)
	}
	if cfg.Port != 7070 || cfg.RateLimitPerKey != 300 {
		t.Errorf("file values not applied: port=%d perKey=%d", cfg.Port, cfg.RateLimitPerKey)
	}

	// Environment beats the file.
	t.Setenv("PORT", "9191")
	cfg, errs = Load(path)
	if len(errs) != 0 {
		t.Fatalf("Load returned errors: %v", errs)
	}
	if cfg.Port != 9191 {
		t.Errorf("env should override file: port = %d", cfg.Port)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)
	if _, errs := Load("/nonexistent/config.yaml"); len(errs) == 0 {
		t.Error("expected an error for a missing config file")
	}
}
