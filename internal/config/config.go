package config

import (
	"os"
	"strconv"
	"time"
)

type CacheConfig struct {
	Duration             time.Duration
	CleanupInterval      time.Duration
	DBPath               string
	FallbackDir          string
	FallbackMaxBytes     int64
	FallbackEntryCeiling int64
}

type FetchConfig struct {
	Timeout       time.Duration
	RatePerSecond int
}

type StorageConfig struct {
	Backend         string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	KeyPrefix       string
	UseSSL          bool
}

type ServerConfig struct {
	ListenAddr string
}

// GetCacheConfig reads the cache tuning knobs once at startup. A missing or
// non-numeric CACHE_DURATION_HOURS falls back to 168 (7 days).
func GetCacheConfig() *CacheConfig {
	return &CacheConfig{
		Duration:             time.Duration(getEnvInt("CACHE_DURATION_HOURS", 168)) * time.Hour,
		CleanupInterval:      time.Duration(getEnvInt("CLEANUP_INTERVAL_MINUTES", 60)) * time.Minute,
		DBPath:               getEnv("CACHE_DB_PATH", "data/media_cache.db"),
		FallbackDir:          getEnv("FALLBACK_DIR", "data/fallback"),
		FallbackMaxBytes:     getEnvInt64("FALLBACK_MAX_BYTES", 5*1024*1024),
		FallbackEntryCeiling: getEnvInt64("FALLBACK_ENTRY_CEILING", 1024*1024),
	}
}

func GetFetchConfig() *FetchConfig {
	return &FetchConfig{
		Timeout:       time.Duration(getEnvInt("FETCH_TIMEOUT_SECONDS", 30)) * time.Second,
		RatePerSecond: getEnvInt("FETCH_RATE_PER_SECOND", 0),
	}
}

func GetStorageConfig() *StorageConfig {
	return &StorageConfig{
		Backend:         getEnv("DURABLE_STORE", "bolt"),
		Endpoint:        getEnv("S3_ENDPOINT", "localhost:9000"),
		AccessKeyID:     getEnv("S3_ACCESS_KEY", "minioadmin"),
		SecretAccessKey: getEnv("S3_SECRET_KEY", "minioadmin"),
		Bucket:          getEnv("S3_BUCKET", "media-cache"),
		KeyPrefix:       getEnv("S3_KEY_PREFIX", "media/"),
		UseSSL:          getEnv("S3_USE_SSL", "false") == "true",
	}
}

func GetServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr: getEnv("LISTEN_ADDR", ":8080"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvInt64(key string, defaultValue int64) int64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return defaultValue
	}
	return n
}
