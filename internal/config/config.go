// Package config loads the subsystem's configuration: process settings from
// environment variables, and per-endpoint rate policies from a YAML file.
// Invalid configuration fails here, at startup, never per request.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/stratacore/rategate/internal/limiter"
)

// Config holds process configuration
type Config struct {
	ServerPort     string
	PolicyFile     string
	RedisURL       string
	RedisToken     string
	StoreTimeout   time.Duration
	FailurePolicy  limiter.FailurePolicy
	SweepInterval  time.Duration
	ReloadInterval time.Duration
	AllowedOrigins []string
	DebugMode      bool
}

// DistributedStoreEnabled reports whether a shared backend is configured.
// When false the subsystem runs local-store-only from the start, not merely
// as a fallback.
func (c *Config) DistributedStoreEnabled() bool {
	return c.RedisURL != ""
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	failPolicy, err := limiter.ParseFailurePolicy(getEnv("RATEGATE_FAIL_POLICY", "open"))
	if err != nil {
		return nil, fmt.Errorf("RATEGATE_FAIL_POLICY: %w", err)
	}

	storeTimeoutMs := getEnvInt("RATEGATE_STORE_TIMEOUT_MS", 250)
	if storeTimeoutMs <= 0 {
		return nil, fmt.Errorf("RATEGATE_STORE_TIMEOUT_MS must be positive, got %d", storeTimeoutMs)
	}

	cfg := &Config{
		ServerPort:     getEnv("SERVER_PORT", "8080"),
		PolicyFile:     getEnv("RATEGATE_POLICY_FILE", "policies.yaml"),
		RedisURL:       getEnv("RATEGATE_REDIS_URL", ""),
		RedisToken:     getEnv("RATEGATE_REDIS_TOKEN", ""),
		StoreTimeout:   time.Duration(storeTimeoutMs) * time.Millisecond,
		FailurePolicy:  failPolicy,
		SweepInterval:  time.Duration(getEnvInt("RATEGATE_SWEEP_INTERVAL_MS", 60000)) * time.Millisecond,
		ReloadInterval: time.Duration(getEnvInt("RATEGATE_RELOAD_INTERVAL_MS", 0)) * time.Millisecond,
		AllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", nil),
		DebugMode:      getEnvBool("SERVER_DEBUG_MODE", false),
	}

	if cfg.RedisToken != "" && cfg.RedisURL == "" {
		return nil, fmt.Errorf("RATEGATE_REDIS_TOKEN is set but RATEGATE_REDIS_URL is empty")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
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

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
