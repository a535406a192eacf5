package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	// Ensure env vars are clean.
	os.Unsetenv("VIGIL_PORT")
	os.Unsetenv("VIGIL_MAX_CONCURRENT_WORKERS")
	os.Unsetenv("VIGIL_RETRY_BASE_DELAY_MS")
	os.Unsetenv("POSTGRES_HOST")
	os.Unsetenv("REDIS_PORT")
	os.Unsetenv("DATABASE_URL")
	os.Unsetenv("REDIS_URL")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.MaxConcurrentWorkers != 5 {
		t.Errorf("expected default 5 workers, got %d", cfg.MaxConcurrentWorkers)
	}
	if cfg.RetryBaseDelay != time.Second {
		t.Errorf("expected default base delay 1s, got %v", cfg.RetryBaseDelay)
	}
	if cfg.RetryMaxDelay != 60*time.Second {
		t.Errorf("expected default max delay 60s, got %v", cfg.RetryMaxDelay)
	}
	if cfg.RetryExponentialBase != 2.0 {
		t.Errorf("expected default exponential base 2.0, got %v", cfg.RetryExponentialBase)
	}
	if cfg.BreakerFailureThreshold != 5 {
		t.Errorf("expected default breaker threshold 5, got %d", cfg.BreakerFailureThreshold)
	}
	if cfg.BreakerWindow != 300*time.Second {
		t.Errorf("expected default breaker window 300s, got %v", cfg.BreakerWindow)
	}
	if cfg.RunnerInterval != 30*time.Second {
		t.Errorf("expected default runner interval 30s, got %v", cfg.RunnerInterval)
	}
	if cfg.RunnerBatch != 100 {
		t.Errorf("expected default runner batch 100, got %d", cfg.RunnerBatch)
	}
	if !cfg.RunnerEnabled {
		t.Error("expected runner enabled by default")
	}
	if cfg.RedisURL != "localhost:6379" {
		t.Errorf("expected default redis URL localhost:6379, got %s", cfg.RedisURL)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	os.Setenv("VIGIL_PORT", "9090")
	os.Setenv("VIGIL_MAX_CONCURRENT_WORKERS", "10")
	os.Setenv("VIGIL_RETRY_MAX_ATTEMPTS", "7")
	os.Setenv("REDIS_URL", "redis.example.com:6380")
	defer func() {
		os.Unsetenv("VIGIL_PORT")
		os.Unsetenv("VIGIL_MAX_CONCURRENT_WORKERS")
		os.Unsetenv("VIGIL_RETRY_MAX_ATTEMPTS")
		os.Unsetenv("REDIS_URL")
	}()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Port)
	}
	if cfg.MaxConcurrentWorkers != 10 {
		t.Errorf("expected 10 workers, got %d", cfg.MaxConcurrentWorkers)
	}
	if cfg.RetryMaxAttempts != 7 {
		t.Errorf("expected 7 retry attempts, got %d", cfg.RetryMaxAttempts)
	}
	if cfg.RedisURL != "redis.example.com:6380" {
		t.Errorf("expected overridden redis URL, got %s", cfg.RedisURL)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	os.Setenv("VIGIL_RUNNER_BATCH_SIZE", "not_a_number")
	defer os.Unsetenv("VIGIL_RUNNER_BATCH_SIZE")

	if _, err := Load(); err == nil {
		t.Error("expected error for non-numeric batch size")
	}
}

func TestValidate_BadLogLevel(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg.LogLevel = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for unknown log level")
	}
}
