package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv             string
	Port               string
	CORSAllowedOrigins []string
	DefaultLocale      string

	HTTPReadTimeout time.Duration
	HTTPIdleTimeout time.Duration
	RateLimitPerMin int

	StreamPollInterval time.Duration
	JobTTL             time.Duration
	JobSweepInterval   time.Duration

	RAGProvider         string
	RAGTopK             int
	RAGSimilarityThresh float64

	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAIBaseURL string
	OpenAIOrg     string
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:             getEnv("APP_ENV", "development"),
		Port:               getEnv("PORT", "8080"),
		CORSAllowedOrigins: splitCSV(getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000")),
		DefaultLocale:      getEnv("DEFAULT_LOCALE", "en"),

		HTTPReadTimeout: time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPIdleTimeout: time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin: getEnvInt("RATE_LIMIT_PER_MINUTE", 30),

		StreamPollInterval: time.Millisecond * time.Duration(getEnvInt("STREAM_POLL_INTERVAL_MS", 150)),
		JobTTL:             time.Second * time.Duration(getEnvInt("JOB_TTL_SECONDS", 3600)),
		JobSweepInterval:   time.Second * time.Duration(getEnvInt("JOB_SWEEP_INTERVAL_SECONDS", 600)),

		RAGProvider:         getEnv("RAG_PROVIDER", "static"),
		RAGTopK:             getEnvInt("RAG_TOP_K", 5),
		RAGSimilarityThresh: getEnvFloat("RAG_SIMILARITY_THRESHOLD", 0.0),

		OpenAIAPIKey:  os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:   getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIOrg:     os.Getenv("OPENAI_ORG"),
	}

	if cfg.RAGProvider == "openai" && cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required when RAG_PROVIDER=openai")
	}
	if cfg.StreamPollInterval <= 0 {
		return nil, fmt.Errorf("STREAM_POLL_INTERVAL_MS must be positive")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
