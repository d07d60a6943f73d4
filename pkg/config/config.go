// Package config loads server configuration from the environment and kernel
// policy from YAML documents.
package config

import (
	"os"
	"strconv"
)

// Config holds server configuration.
type Config struct {
	Port        string
	LogLevel    string
	LogFormat   string
	Identity    string
	DatabaseURL string
	LedgerFile  string
	PolicyFile  string

	RateRPS   float64
	RateBurst int
	RedisAddr string

	JWTSecret  string
	PriceMinor int64

	OTelEnabled  bool
	OTelEndpoint string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:        getenv("PORT", "8080"),
		LogLevel:    getenv("LOG_LEVEL", "INFO"),
		LogFormat:   getenv("NEXUS_LOG_FORMAT", "text"),
		Identity:    getenv("NEXUS_IDENTITY", "did:nexus:local"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		LedgerFile:  os.Getenv("NEXUS_LEDGER_FILE"),
		PolicyFile:  os.Getenv("NEXUS_POLICY_FILE"),

		RateRPS:   getFloat("NEXUS_RATE_RPS", 10),
		RateBurst: getInt("NEXUS_RATE_BURST", 20),
		RedisAddr: os.Getenv("REDIS_ADDR"),

		JWTSecret:  os.Getenv("NEXUS_JWT_SECRET"),
		PriceMinor: int64(getInt("NEXUS_PRICE_MINOR", 0)),

		OTelEnabled:  os.Getenv("OTEL_ENABLED") == "true",
		OTelEndpoint: getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Malformed numbers fall back to the default.
func getInt(key string, def int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	return n
}

func getFloat(key string, def float64) float64 {
	f, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return def
	}
	return f
}
