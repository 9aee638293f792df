package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/riteshkumar/credit-ledger/internal/models"
)

type Config struct {
	// Server
	ServerPort string
	LogLevel   string

	// Database
	DBHost         string
	DBPort         string
	DBUser         string
	DBPassword     string
	DBName         string
	DBSSLMode      string
	MigrateOnStart bool

	// Webhooks
	WebhookSigningSecret   string
	WebhookTolerance       time.Duration
	WebhookSignatureHeader string
	WebhookMaxBodyBytes    int64
	WebhookApplyTimeout    time.Duration

	// Starting balance per tier
	TierDefaults map[models.Tier]int64

	// Redis retry queue; disabled when RedisAddr is empty
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RetryQueueKey string

	RetryWorkers       int
	RetryMaxAttempts   int
	RetrySweepInterval time.Duration
	RetryStaleAfter    time.Duration
}

// Load reads the environment and validates it for serving.
func Load() (*Config, error) {
	config := LoadEnv()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadEnv reads the environment without validation. Admin commands that
// never verify webhooks use it directly.
func LoadEnv() *Config {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()

	return &Config{
		ServerPort: getEnv("SERVER_PORT", "8080"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),

		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", "password"),
		DBName:         getEnv("DB_NAME", "credits"),
		DBSSLMode:      getEnv("DB_SSLMODE", "disable"),
		MigrateOnStart: getEnvBool("MIGRATE_ON_START", false),

		WebhookSigningSecret:   getEnv("WEBHOOK_SIGNING_SECRET", ""),
		WebhookTolerance:       time.Duration(getEnvInt("WEBHOOK_TOLERANCE_SECONDS", 300)) * time.Second,
		WebhookSignatureHeader: getEnv("WEBHOOK_SIGNATURE_HEADER", "Stripe-Signature"),
		WebhookMaxBodyBytes:    int64(getEnvInt("WEBHOOK_MAX_BODY_BYTES", 1<<20)),
		WebhookApplyTimeout:    getEnvDuration("WEBHOOK_APPLY_TIMEOUT", 10*time.Second),

		TierDefaults: map[models.Tier]int64{
			models.TierFree:       int64(getEnvInt("TIER_DEFAULT_FREE", 3)),
			models.TierBasic:      int64(getEnvInt("TIER_DEFAULT_BASIC", 50)),
			models.TierPro:        int64(getEnvInt("TIER_DEFAULT_PRO", 200)),
			models.TierEnterprise: int64(getEnvInt("TIER_DEFAULT_ENTERPRISE", 1000)),
		},

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		RetryQueueKey: getEnv("RETRY_QUEUE_KEY", "credit-ledger:webhook-retry"),

		RetryWorkers:       getEnvInt("RETRY_WORKERS", 2),
		RetryMaxAttempts:   getEnvInt("RETRY_MAX_ATTEMPTS", 10),
		RetrySweepInterval: getEnvDuration("RETRY_SWEEP_INTERVAL", time.Minute),
		RetryStaleAfter:    getEnvDuration("RETRY_STALE_AFTER", 2*time.Minute),
	}
}

func (c *Config) Validate() error {
	if c.WebhookSigningSecret == "" {
		return fmt.Errorf("WEBHOOK_SIGNING_SECRET is required")
	}
	if c.WebhookTolerance <= 0 {
		return fmt.Errorf("WEBHOOK_TOLERANCE_SECONDS must be positive")
	}
	for tier, credits := range c.TierDefaults {
		if credits < 0 {
			return fmt.Errorf("default credits for tier %s cannot be negative", tier)
		}
	}
	if c.RetryMaxAttempts <= 0 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be positive")
	}
	return nil
}

// DSN returns a lib/pq keyword/value connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
