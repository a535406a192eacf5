// Package config handles application configuration loading from environment variables.
//
// Configuration follows the same patterns as other Open Cloud Ops modules,
// using VIGIL_* prefixed environment variables with sensible defaults for
// local development. Database and Redis configuration uses the shared
// POSTGRES_* and REDIS_* prefixes, with a DATABASE_URL override for a full
// connection string and a REDIS_URL override for the host:port address.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for the Vigil control plane.
type Config struct {
	// Port is the HTTP port the API server listens on.
	Port string

	// LogLevel controls the verbosity of log output (debug, info, warn, error).
	LogLevel string

	// DatabaseURL is the PostgreSQL connection string.
	DatabaseURL string

	// RedisURL is the Redis connection address in host:port form.
	RedisURL string

	// RemediatorURL is the endpoint of the external remediator service.
	RemediatorURL string

	// PolicyPath is the YAML document policies are reloaded from.
	PolicyPath string

	// Runner settings for the scheduled policy re-evaluation loop.
	RunnerEnabled  bool
	RunnerInterval time.Duration
	RunnerBatch    int

	// Worker pool settings.
	MaxConcurrentWorkers int
	ExecutionTimeout     time.Duration
	QueuePollTimeout     time.Duration

	// Retry policy for transient remediator failures.
	RetryMaxAttempts     int
	RetryBaseDelay       time.Duration
	RetryMaxDelay        time.Duration
	RetryExponentialBase float64

	// Circuit breaker settings, keyed per remediation target.
	BreakerFailureThreshold int
	BreakerWindow           time.Duration
	BreakerCooldown         time.Duration

	// ShutdownTimeout bounds how long in-flight dispatches may drain on exit.
	ShutdownTimeout time.Duration

	// AllowedOrigins defines the CORS allowed origins for the API.
	AllowedOrigins []string
}

// Load reads configuration from environment variables and returns a Config.
// It follows the .env.example pattern using POSTGRES_*, REDIS_*, and VIGIL_*
// prefixes.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Port = getEnvOrDefault("VIGIL_PORT", "8080")
	cfg.LogLevel = getEnvOrDefault("VIGIL_LOG_LEVEL", "info")
	cfg.RemediatorURL = getEnvOrDefault("VIGIL_REMEDIATOR_URL", "http://localhost:8081/remediate")
	cfg.PolicyPath = getEnvOrDefault("VIGIL_POLICY_PATH", "configs/policies.yaml")

	var err error
	if cfg.RunnerEnabled, err = envBool("VIGIL_RUNNER_ENABLED", true); err != nil {
		return nil, err
	}
	if cfg.RunnerInterval, err = envSeconds("VIGIL_RUNNER_INTERVAL_SECONDS", 30); err != nil {
		return nil, err
	}
	if cfg.RunnerBatch, err = envInt("VIGIL_RUNNER_BATCH_SIZE", 100); err != nil {
		return nil, err
	}

	if cfg.MaxConcurrentWorkers, err = envInt("VIGIL_MAX_CONCURRENT_WORKERS", 5); err != nil {
		return nil, err
	}
	if cfg.ExecutionTimeout, err = envSeconds("VIGIL_EXECUTION_TIMEOUT_SECONDS", 30); err != nil {
		return nil, err
	}
	if cfg.QueuePollTimeout, err = envSeconds("VIGIL_QUEUE_POLL_TIMEOUT_SECONDS", 5); err != nil {
		return nil, err
	}

	if cfg.RetryMaxAttempts, err = envInt("VIGIL_RETRY_MAX_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.RetryBaseDelay, err = envMillis("VIGIL_RETRY_BASE_DELAY_MS", 1000); err != nil {
		return nil, err
	}
	if cfg.RetryMaxDelay, err = envMillis("VIGIL_RETRY_MAX_DELAY_MS", 60000); err != nil {
		return nil, err
	}
	if cfg.RetryExponentialBase, err = envFloat("VIGIL_RETRY_EXPONENTIAL_BASE", 2.0); err != nil {
		return nil, err
	}

	if cfg.BreakerFailureThreshold, err = envInt("VIGIL_BREAKER_FAILURE_THRESHOLD", 5); err != nil {
		return nil, err
	}
	if cfg.BreakerWindow, err = envSeconds("VIGIL_BREAKER_WINDOW_SECONDS", 300); err != nil {
		return nil, err
	}
	if cfg.BreakerCooldown, err = envSeconds("VIGIL_BREAKER_COOLDOWN_SECONDS", 60); err != nil {
		return nil, err
	}

	if cfg.ShutdownTimeout, err = envSeconds("VIGIL_SHUTDOWN_TIMEOUT_SECONDS", 30); err != nil {
		return nil, err
	}

	// Build PostgreSQL connection URL from individual components
	pgHost := getEnvOrDefault("POSTGRES_HOST", "localhost")
	pgPort := getEnvOrDefault("POSTGRES_PORT", "5432")
	pgDB := getEnvOrDefault("POSTGRES_DB", "vigil")
	pgUser := getEnvOrDefault("POSTGRES_USER", "vigil")
	pgPassword := os.Getenv("POSTGRES_PASSWORD")
	pgSSLMode := getEnvOrDefault("POSTGRES_SSLMODE", "disable")

	// Use url.UserPassword to properly percent-encode credentials that may
	// contain reserved URI characters (@, :, /, etc.).
	dsn := &url.URL{
		Scheme:   "postgres",
		Host:     fmt.Sprintf("%s:%s", pgHost, pgPort),
		Path:     pgDB,
		RawQuery: fmt.Sprintf("sslmode=%s", pgSSLMode),
	}
	if pgPassword == "" {
		dsn.User = url.User(pgUser)
	} else {
		dsn.User = url.UserPassword(pgUser, pgPassword)
	}
	cfg.DatabaseURL = dsn.String()

	// Allow overriding with a full DATABASE_URL if provided
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.DatabaseURL = dbURL
	}

	// Build Redis URL
	redisHost := getEnvOrDefault("REDIS_HOST", "localhost")
	redisPort := getEnvOrDefault("REDIS_PORT", "6379")
	cfg.RedisURL = fmt.Sprintf("%s:%s", redisHost, redisPort)

	// Allow overriding with a full REDIS_URL if provided
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		cfg.RedisURL = redisURL
	}

	// CORS allowed origins
	originsStr := getEnvOrDefault("VIGIL_ALLOWED_ORIGINS", "http://localhost:3000")
	cfg.AllowedOrigins = strings.Split(originsStr, ",")
	for i, origin := range cfg.AllowedOrigins {
		cfg.AllowedOrigins[i] = strings.TrimSpace(origin)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set and valid.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("config: VIGIL_PORT is required")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid VIGIL_LOG_LEVEL %q", c.LogLevel)
	}
	if c.RemediatorURL == "" {
		return fmt.Errorf("config: VIGIL_REMEDIATOR_URL is required")
	}
	if c.MaxConcurrentWorkers <= 0 {
		return fmt.Errorf("config: VIGIL_MAX_CONCURRENT_WORKERS must be positive")
	}
	if c.RetryMaxAttempts <= 0 {
		return fmt.Errorf("config: VIGIL_RETRY_MAX_ATTEMPTS must be positive")
	}
	if c.RetryExponentialBase < 1 {
		return fmt.Errorf("config: VIGIL_RETRY_EXPONENTIAL_BASE must be >= 1")
	}
	if c.BreakerFailureThreshold <= 0 {
		return fmt.Errorf("config: VIGIL_BREAKER_FAILURE_THRESHOLD must be positive")
	}
	if c.RunnerInterval <= 0 {
		return fmt.Errorf("config: VIGIL_RUNNER_INTERVAL_SECONDS must be positive")
	}
	if c.RunnerBatch <= 0 {
		return fmt.Errorf("config: VIGIL_RUNNER_BATCH_SIZE must be positive")
	}
	return nil
}

// getEnvOrDefault returns the value of the environment variable named by key,
// or the defaultValue if the variable is not set or empty.
func getEnvOrDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

func envInt(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s value %q: %w", key, raw, err)
	}
	return v, nil
}

func envFloat(key string, def float64) (float64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s value %q: %w", key, raw, err)
	}
	return v, nil
}

func envBool(key string, def bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("config: invalid %s value %q: %w", key, raw, err)
	}
	return v, nil
}

func envSeconds(key string, def int) (time.Duration, error) {
	v, err := envInt(key, def)
	if err != nil {
		return 0, err
	}
	return time.Duration(v) * time.Second, nil
}

func envMillis(key string, def int) (time.Duration, error) {
	v, err := envInt(key, def)
	if err != nil {
		return 0, err
	}
	return time.Duration(v) * time.Millisecond, nil
}
