package config

import "os"

// Config holds service configuration.
type Config struct {
	StoreBackend string // "memory" | "sqlite" | "postgres"
	SQLitePath   string
	DatabaseURL  string
	RedisAddr    string
	LogLevel     string
	ServiceKeyID string
}

// Load loads configuration from environment variables.
func Load() *Config {
	backend := os.Getenv("VAR_STORE_BACKEND")
	if backend == "" {
		backend = "sqlite"
	}

	sqlitePath := os.Getenv("VAR_SQLITE_PATH")
	if sqlitePath == "" {
		sqlitePath = "varledger.db"
	}

	dbURL := os.Getenv("VAR_DATABASE_URL")
	if dbURL == "" {
		dbURL = "postgres://varledger@localhost:5432/varledger?sslmode=disable"
	}

	logLevel := os.Getenv("VAR_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	serviceKeyID := os.Getenv("VAR_SERVICE_KEY_ID")
	if serviceKeyID == "" {
		serviceKeyID = "service-key"
	}

	return &Config{
		StoreBackend: backend,
		SQLitePath:   sqlitePath,
		DatabaseURL:  dbURL,
		RedisAddr:    os.Getenv("VAR_REDIS_ADDR"),
		LogLevel:     logLevel,
		ServiceKeyID: serviceKeyID,
	}
}
