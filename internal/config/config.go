package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Account delete policies.
const (
	DeletePolicyBlock   = "block"
	DeletePolicyCascade = "cascade"
)

// Config holds all application configuration.
// Values are loaded from environment variables with sensible defaults.
type Config struct {
	// Server
	Port            int
	LogLevel        string
	ShutdownTimeout time.Duration

	// Storage
	DBDriver       string
	DatabaseURL    string
	MigrateOnStart bool

	// Ledger resilience
	MaxRetries     int
	InitialBackoff time.Duration
	MaxConcurrency int

	// Ledger behaviour
	AccountDeletePolicy string
	AccrualConcurrency  int
	IdempotencyTTL      time.Duration

	// Auth. Empty disables owner scoping.
	JWTSecret string

	// Observability
	OTLPEndpoint string

	// Events. Empty URL disables publishing.
	AMQPURL      string
	AMQPExchange string
}

// LoadDotEnv loads a .env file into the process environment without
// overriding variables that are already set.
func LoadDotEnv(path string) error {
	return godotenv.Load(path)
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Port:            getEnvInt("PORT", 8080),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),

		DBDriver:       getEnv("DB_DRIVER", DriverMemory),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		MigrateOnStart: getEnvBool("MIGRATE_ON_START", true),

		MaxRetries:     getEnvInt("LEDGER_MAX_RETRIES", 5),
		InitialBackoff: getEnvDuration("LEDGER_INITIAL_BACKOFF", 20*time.Millisecond),
		MaxConcurrency: getEnvInt("LEDGER_MAX_CONCURRENCY", 64),

		AccountDeletePolicy: getEnv("ACCOUNT_DELETE_POLICY", DeletePolicyBlock),
		AccrualConcurrency:  getEnvInt("ACCRUAL_CONCURRENCY", 4),
		IdempotencyTTL:      getEnvDuration("IDEMPOTENCY_TTL", 24*time.Hour),

		JWTSecret: getEnv("JWT_SECRET", ""),

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "ledger.events"),
	}
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for driver %q", c.DBDriver)
		}
	default:
		return fmt.Errorf("unknown DB_DRIVER %q", c.DBDriver)
	}

	switch c.AccountDeletePolicy {
	case DeletePolicyBlock, DeletePolicyCascade:
	default:
		return fmt.Errorf("unknown ACCOUNT_DELETE_POLICY %q", c.AccountDeletePolicy)
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Port)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("LEDGER_MAX_RETRIES must not be negative")
	}
	if c.MaxConcurrency <= 0 {
		return fmt.Errorf("LEDGER_MAX_CONCURRENCY must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
