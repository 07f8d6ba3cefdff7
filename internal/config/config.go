package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	ServerPort string
	ServerHost string

	// Collaboration tuning
	LockTimeout          time.Duration
	CursorThrottle       time.Duration
	HeartbeatInterval    time.Duration
	MaxHistoryEntries    int
	AutoResolveConflicts bool

	// Persistence worker pool
	PersistWorkers   int
	PersistQueueSize int

	// Observability
	JaegerEndpoint string
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "qub_collab"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		ServerPort: getEnv("SERVER_PORT", "8080"),
		ServerHost: getEnv("SERVER_HOST", "localhost"),

		LockTimeout:          getEnvDuration("LOCK_TIMEOUT", 30*time.Second),
		CursorThrottle:       getEnvDuration("CURSOR_THROTTLE", 200*time.Millisecond),
		HeartbeatInterval:    getEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		MaxHistoryEntries:    getEnvInt("MAX_HISTORY_ENTRIES", 500),
		AutoResolveConflicts: getEnvBool("AUTO_RESOLVE_CONFLICTS", true),

		PersistWorkers:   getEnvInt("PERSIST_WORKERS", 4),
		PersistQueueSize: getEnvInt("PERSIST_QUEUE_SIZE", 256),

		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
	}

	if cfg.LockTimeout <= 0 {
		return nil, fmt.Errorf("LOCK_TIMEOUT must be positive")
	}
	if cfg.CursorThrottle <= 0 {
		return nil, fmt.Errorf("CURSOR_THROTTLE must be positive")
	}
	if cfg.MaxHistoryEntries <= 0 {
		return nil, fmt.Errorf("MAX_HISTORY_ENTRIES must be positive")
	}

	return cfg, nil
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
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
