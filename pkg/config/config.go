// Package config loads server configuration from environment variables with
// safe development defaults.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port             string
	LogLevel         string
	DatabaseURL      string
	EvidenceRoot     string
	LLMServiceURL    string
	LLMAPIKey        string
	LLMModel         string
	WebhookTimeout   time.Duration
	ScenarioMode     bool
	FetchConcurrency int
	RedisAddr        string
	S3Bucket         string
	S3Region         string
	S3Endpoint       string
	OTLPEndpoint     string
	APITokenSecret   string
}

// Load reads the environment. Required values get development defaults so
// the binary boots on a laptop; production deployments set them explicitly.
func Load() *Config {
	cfg := &Config{
		Port:           getenv("PORT", "8080"),
		LogLevel:       getenv("LOG_LEVEL", "INFO"),
		DatabaseURL:    getenv("DATABASE_URL", "postgres://aerogate@localhost:5432/aerogate?sslmode=disable"),
		EvidenceRoot:   getenv("EVIDENCE_ROOT", "./data/evidence"),
		LLMServiceURL:  os.Getenv("LLM_SERVICE_URL"),
		LLMAPIKey:      os.Getenv("LLM_API_KEY"),
		LLMModel:       getenv("LLM_MODEL", "gpt-4o-mini"),
		ScenarioMode:   os.Getenv("SCENARIO_MODE") == "true",
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		S3Bucket:       os.Getenv("S3_BUCKET"),
		S3Region:       getenv("S3_REGION", "us-east-1"),
		S3Endpoint:     os.Getenv("S3_ENDPOINT"),
		OTLPEndpoint:   os.Getenv("OTLP_ENDPOINT"),
		APITokenSecret: os.Getenv("API_TOKEN_SECRET"),
	}

	cfg.WebhookTimeout = 5 * time.Second
	if v := os.Getenv("WEBHOOK_TIMEOUT_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.WebhookTimeout = time.Duration(secs) * time.Second
		}
	}

	cfg.FetchConcurrency = 6
	if v := os.Getenv("FETCH_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 && n <= 16 {
			cfg.FetchConcurrency = n
		}
	}
	return cfg
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
