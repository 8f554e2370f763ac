// Package config loads service configuration from environment variables
// with an optional YAML profile for decision thresholds and rule packs.
package config

import "os"

// Config holds server configuration.
type Config struct {
	Port               string
	LogLevel           string
	DatabaseURL        string
	AnalysisServiceURL string
	RedisAddr          string
	RedisPassword      string
	EventStream        string
	OTLPEndpoint       string
	ProfilePath        string
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:               getenv("PORT", "8080"),
		LogLevel:           getenv("LOG_LEVEL", "INFO"),
		DatabaseURL:        getenv("DATABASE_URL", "sqlite://authcore.db"),
		AnalysisServiceURL: getenv("ANALYSIS_SERVICE_URL", "http://localhost:9411"),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		EventStream:        getenv("EVENT_STREAM", "authcore:events"),
		OTLPEndpoint:       os.Getenv("OTLP_ENDPOINT"),
		ProfilePath:        os.Getenv("AUTHCORE_PROFILE"),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
