package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port               int
	DataDir            string
	LogLevel           string
	LogEncoding        string
	MemoryLimitBytes   uint64
	DecompWorkers      int
	EvictRetries       int
	EvictRetryInterval time.Duration
	WarmupLevels       int
	SourceCacheDir     string
	IOLimitBytesPerSec int64
	HTTPTimeout        time.Duration
	S3Endpoint         string
	S3AccessKey        string
	S3SecretKey        string
	S3UseSSL           bool
	AllowedOrigin      string
	MetricsEnabled     bool
}

func Load() *Config {
	dataDir := getEnv("DATA_DIR", "/data")

	cfg := &Config{
		Port:               getEnvInt("PORT", 8080),
		DataDir:            dataDir,
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogEncoding:        getEnv("LOG_ENCODING", "json"),
		MemoryLimitBytes:   uint64(max(getEnvInt64("MEMORY_LIMIT_BYTES", 10_000_000), 0)),
		DecompWorkers:      getEnvInt("DECOMP_WORKERS", -1), // -1 = CPU count - 1
		EvictRetries:       getEnvInt("EVICT_RETRIES", 3),
		EvictRetryInterval: time.Duration(getEnvInt("EVICT_RETRY_INTERVAL_MS", 10)) * time.Millisecond,
		WarmupLevels:       getEnvInt("WARMUP_LEVELS", 1),
		SourceCacheDir:     getEnv("SOURCE_CACHE_DIR", filepath.Join(dataDir, "cache")),
		IOLimitBytesPerSec: getEnvInt64("IO_LIMIT_BYTES_PER_SEC", 0),
		HTTPTimeout:        time.Duration(getEnvInt("HTTP_TIMEOUT_SEC", 30)) * time.Second,
		S3Endpoint:         getEnv("S3_ENDPOINT", ""),
		S3AccessKey:        getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:        getEnv("S3_SECRET_KEY", ""),
		S3UseSSL:           getEnvBool("S3_USE_SSL", true),
		AllowedOrigin:      getEnv("ALLOWED_ORIGIN", ""),
		MetricsEnabled:     getEnvBool("METRICS_ENABLED", true),
	}

	return cfg
}

func getEnv(key, defaultValue string) string {
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

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// ObjectStorageEnabled reports whether s3:// sources can be read.
func (c *Config) ObjectStorageEnabled() bool {
	return strings.TrimSpace(c.S3Endpoint) != ""
}
