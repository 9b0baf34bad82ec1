package kv

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds KV store connection settings.
type Config struct {
	// URL is either a plain "host:port" address or a full redis:// URL.
	URL      string
	Password string
	DB       int
	PoolSize int
}

// LoadConfigFromEnv loads KV store configuration from environment variables
func LoadConfigFromEnv() (Config, error) {
	db := 0
	if raw := os.Getenv("REDIS_DB"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		db = parsed
	}

	poolSize, _ := strconv.Atoi(getEnvOrDefault("REDIS_POOL_SIZE", "10"))

	return Config{
		URL:      getEnvOrDefault("REDIS_URL", "localhost:6379"),
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
		PoolSize: poolSize,
	}, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
