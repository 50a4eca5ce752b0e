package config

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration, loaded from the environment.
type Config struct {
	Port        string
	Environment string // development | production

	// Upstream model provider
	GroqAPIKey      string
	GroqAPIURL      string
	GroqModel       string
	GroqVisionModel string
	UpstreamTimeout int // seconds
	MaxRetries      int

	// Conversation store
	SessionTTLSeconds    int
	MaxTurnsPerSession   int
	SweepIntervalSeconds int // 0 disables the periodic sweep

	// Per-session admission
	RateLimitRequests      int
	RateLimitWindowSeconds int

	// Optional shared limiter backend
	RedisURL string

	// Emergency keyword policy
	EmergencyKeywordsFile string

	// PubMed references
	NCBIAPIKey string
}

// Load reads configuration from the environment, falling back to defaults.
// A missing .env file is not an error.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("ℹ️  [CONFIG] No .env file found, using environment variables")
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8000"),
		Environment: getEnv("ENVIRONMENT", "development"),

		GroqAPIKey:      getEnv("GROQ_API_KEY", ""),
		GroqAPIURL:      getEnv("GROQ_API_URL", "https://api.groq.com/openai/v1/chat/completions"),
		GroqModel:       getEnv("GROQ_MODEL", "llama-3.3-70b-versatile"),
		GroqVisionModel: getEnv("GROQ_VISION_MODEL", "meta-llama/llama-4-scout-17b-16e-instruct"),
		UpstreamTimeout: getIntEnv("UPSTREAM_TIMEOUT_SECONDS", 30),
		MaxRetries:      getIntEnv("UPSTREAM_MAX_RETRIES", 2),

		SessionTTLSeconds:    getIntEnv("SESSION_TTL_SECONDS", 86400),
		MaxTurnsPerSession:   getIntEnv("MAX_TURNS_PER_SESSION", 120),
		SweepIntervalSeconds: getIntEnv("SWEEP_INTERVAL_SECONDS", 0),

		RateLimitRequests:      getIntEnv("RATE_LIMIT_REQUESTS", 10),
		RateLimitWindowSeconds: getIntEnv("RATE_LIMIT_WINDOW_SECONDS", 60),

		RedisURL: getEnv("REDIS_URL", ""),

		EmergencyKeywordsFile: getEnv("EMERGENCY_KEYWORDS_FILE", ""),

		NCBIAPIKey: getEnv("NCBI_API_KEY", ""),
	}

	if cfg.GroqAPIKey == "" {
		return nil, fmt.Errorf("GROQ_API_KEY is required")
	}

	return cfg, nil
}

// IsProduction returns true when running in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
		log.Printf("⚠️ [CONFIG] Invalid value for %s, using default %d", key, defaultValue)
	}
	return defaultValue
}
