package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Supported values for DB_BACKEND.
const (
	BackendMemory   = "memory"
	BackendMongoDB  = "mongodb"
	BackendPostgres = "postgres"
)

// Config holds all application configuration.
type Config struct {
	// Backend selection
	Backend string

	// MongoDB
	MongoURI      string
	MongoDatabase string

	// PostgreSQL
	PostgresURL string

	// Cache
	CacheTTL      time.Duration
	CacheMaxSize  int
	SweepInterval time.Duration

	// Library rules
	MaxPlaylists int
	InboxLimit   int
	HistoryLimit int

	// Logging
	LogLevel  string
	LogFormat string
	LogFile   string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Try to load .env file (ignore error if not exists)
	_ = godotenv.Load()

	cfg := &Config{
		Backend: getEnvOrDefault("DB_BACKEND", BackendMongoDB),

		MongoURI:      os.Getenv("MONGODB_URL"),
		MongoDatabase: getEnvOrDefault("MONGODB_NAME", "vocard"),

		CacheTTL:      time.Duration(getEnvInt("CACHE_TTL_SECONDS", 300)) * time.Second,
		CacheMaxSize:  getEnvInt("CACHE_MAX_ENTRIES", 10000),
		SweepInterval: time.Duration(getEnvInt("CACHE_SWEEP_INTERVAL_SECONDS", 60)) * time.Second,

		MaxPlaylists: getEnvInt("MAX_PLAYLISTS", 5),
		InboxLimit:   getEnvInt("INBOX_LIMIT", 10),
		HistoryLimit: getEnvInt("HISTORY_LIMIT", 25),

		LogLevel:  getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "text"),
		LogFile:   os.Getenv("LOG_FILE"),
	}

	switch cfg.Backend {
	case BackendMemory:
	case BackendMongoDB:
		if cfg.MongoURI == "" {
			return nil, fmt.Errorf("MONGODB_URL environment variable is required for the mongodb backend")
		}
	case BackendPostgres:
		cfg.PostgresURL = postgresURL()
		if cfg.PostgresURL == "" {
			return nil, fmt.Errorf("POSTGRES_USER, POSTGRES_PASSWORD, POSTGRES_HOST, POSTGRES_PORT and POSTGRES_DB are required for the postgres backend")
		}
	default:
		return nil, fmt.Errorf("unknown DB_BACKEND %q (expected memory, mongodb or postgres)", cfg.Backend)
	}

	if cfg.CacheTTL <= 0 {
		return nil, fmt.Errorf("CACHE_TTL_SECONDS must be positive")
	}
	if cfg.CacheMaxSize <= 0 {
		return nil, fmt.Errorf("CACHE_MAX_ENTRIES must be positive")
	}

	return cfg, nil
}

func postgresURL() string {
	user := os.Getenv("POSTGRES_USER")
	password := os.Getenv("POSTGRES_PASSWORD")
	host := os.Getenv("POSTGRES_HOST")
	port := os.Getenv("POSTGRES_PORT")
	name := os.Getenv("POSTGRES_DB")
	if user == "" || password == "" || host == "" || port == "" || name == "" {
		return ""
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		user, password, host, port, name)
}

// Helper functions

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
