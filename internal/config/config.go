package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

var (
	ErrMissingConfig     = errors.New("missing required configuration")
	ErrInvalidConfig     = errors.New("invalid configuration value")
	ErrEncryptionKeySize = errors.New("encryption key must be exactly 32 bytes (64 hex characters)")
	ErrAPITokenSize      = errors.New("API token must be at least 32 characters")
)

// Environment represents the deployment environment.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

// Config holds all daemon configuration.
type Config struct {
	Server       ServerConfig
	Security     SecurityConfig
	Database     DatabaseConfig
	Google       GoogleConfig
	RateLimiting RateLimitConfig
	Scheduler    SchedulerConfig
	Alerts       AlertConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port        int
	Environment Environment
}

// SecurityConfig holds security-related configuration.
type SecurityConfig struct {
	EncryptionKey []byte
	APIToken      string
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string
}

// GoogleConfig holds the Google OAuth client used for silent token
// refresh on google connections.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
}

// RateLimitConfig holds rate limiting configuration for the ops API.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// SchedulerConfig holds the cadences of the periodic tasks.
// Defaults match the production cadences; overrides exist for ops use.
type SchedulerConfig struct {
	FullSyncInterval        time.Duration
	RetryDrainInterval      time.Duration
	CredentialCheckInterval time.Duration
	CleanupInterval         time.Duration
}

// AlertConfig holds webhook alert configuration.
type AlertConfig struct {
	WebhookEnabled  bool
	WebhookURL      string
	CooldownMinutes int
}

// Load loads configuration from environment variables.
// It attempts to load from .env file first, but continues if not found.
func Load() (*Config, error) {
	// Attempt to load .env file (ignore error if not found)
	_ = godotenv.Load() //nolint:errcheck // Intentionally ignore - .env file is optional

	cfg := &Config{}

	// Server configuration
	port, err := getEnvInt("PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("%w: PORT: %w", ErrInvalidConfig, err)
	}
	cfg.Server.Port = port
	cfg.Server.Environment = Environment(strings.ToLower(getEnv("ENVIRONMENT", "production")))

	// Security configuration
	encKeyHex := os.Getenv("ENCRYPTION_KEY")
	if encKeyHex != "" {
		encKey, err := hex.DecodeString(encKeyHex)
		if err != nil {
			return nil, fmt.Errorf("%w: ENCRYPTION_KEY: invalid hex: %w", ErrInvalidConfig, err)
		}
		if len(encKey) != 32 {
			return nil, ErrEncryptionKeySize
		}
		cfg.Security.EncryptionKey = encKey
	}

	cfg.Security.APIToken = os.Getenv("API_TOKEN")
	if cfg.Security.APIToken != "" && len(cfg.Security.APIToken) < 32 {
		return nil, ErrAPITokenSize
	}

	// Database configuration
	cfg.Database.Path = getEnv("DATABASE_PATH", "./data/calsync.db")

	// Google OAuth client configuration
	cfg.Google.ClientID = os.Getenv("GOOGLE_CLIENT_ID")
	cfg.Google.ClientSecret = os.Getenv("GOOGLE_CLIENT_SECRET")

	// Rate limiting configuration
	rps, err := getEnvFloat("RATE_LIMIT_RPS", 10.0)
	if err != nil {
		return nil, fmt.Errorf("%w: RATE_LIMIT_RPS: %w", ErrInvalidConfig, err)
	}
	cfg.RateLimiting.RPS = rps

	burst, err := getEnvInt("RATE_LIMIT_BURST", 20)
	if err != nil {
		return nil, fmt.Errorf("%w: RATE_LIMIT_BURST: %w", ErrInvalidConfig, err)
	}
	cfg.RateLimiting.Burst = burst

	// Scheduler cadences
	cfg.Scheduler.FullSyncInterval, err = getEnvDuration("FULL_SYNC_INTERVAL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("%w: FULL_SYNC_INTERVAL: %w", ErrInvalidConfig, err)
	}
	cfg.Scheduler.RetryDrainInterval, err = getEnvDuration("RETRY_DRAIN_INTERVAL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("%w: RETRY_DRAIN_INTERVAL: %w", ErrInvalidConfig, err)
	}
	cfg.Scheduler.CredentialCheckInterval, err = getEnvDuration("CREDENTIAL_CHECK_INTERVAL", 6*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("%w: CREDENTIAL_CHECK_INTERVAL: %w", ErrInvalidConfig, err)
	}
	cfg.Scheduler.CleanupInterval, err = getEnvDuration("CLEANUP_INTERVAL", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("%w: CLEANUP_INTERVAL: %w", ErrInvalidConfig, err)
	}

	// Alert configuration
	cfg.Alerts.WebhookEnabled = getEnvBool("ALERT_WEBHOOK_ENABLED", false)
	cfg.Alerts.WebhookURL = os.Getenv("ALERT_WEBHOOK_URL")
	cooldown, err := getEnvInt("ALERT_COOLDOWN_MINUTES", 60)
	if err != nil {
		return nil, fmt.Errorf("%w: ALERT_COOLDOWN_MINUTES: %w", ErrInvalidConfig, err)
	}
	cfg.Alerts.CooldownMinutes = cooldown

	// Check for missing required configuration
	missing := cfg.getMissingRequired()
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingConfig, strings.Join(missing, ", "))
	}

	return cfg, nil
}

// getMissingRequired returns a list of missing required configuration values.
func (c *Config) getMissingRequired() []string {
	var missing []string

	if len(c.Security.EncryptionKey) == 0 {
		missing = append(missing, "ENCRYPTION_KEY")
	}
	if c.Security.APIToken == "" {
		missing = append(missing, "API_TOKEN")
	}
	if c.Alerts.WebhookEnabled && c.Alerts.WebhookURL == "" {
		missing = append(missing, "ALERT_WEBHOOK_URL")
	}

	return missing
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Environment == EnvDevelopment
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Environment == EnvProduction
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the integer value of an environment variable or a default.
func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid integer: %w", err)
	}
	return parsed, nil
}

// getEnvFloat returns the float value of an environment variable or a default.
func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float: %w", err)
	}
	return parsed, nil
}

// getEnvDuration returns the duration value of an environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration: %w", err)
	}
	return parsed, nil
}

// getEnvBool returns the boolean value of an environment variable or a default.
func getEnvBool(key string, defaultValue bool) bool {
	value := strings.ToLower(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	return value == "1" || value == "true" || value == "yes"
}
