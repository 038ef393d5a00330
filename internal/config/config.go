package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds application configuration
type Config struct {
	DatabaseURL      string
	ServerPort       string
	FrontendURL      string
	OpenAIKey        string
	AIModel          string
	AIBaseURL        string
	EmbeddingModel   string
	EnableHSTS       bool
	OIDCProvider     string
	RedisURL         string
	RabbitMQURL      string
	RabbitMQPrefetch int
	StorageBackend   string
	PricingFile      string
	WorkerDebugMode  bool
	ServerDebugMode  bool
	OTELEnabled      bool
	OTELEndpoint     string
	OTELInsecure     bool
	OTELSampleRatio  float64

	// Moderation gateway defaults, overridden by the gateway_limits table when present
	PerUserMinuteLimit int
	PerUserDailyLimit  int
	ViolationCooldown  time.Duration
	EdgeRate           string

	// Optimizer
	CacheTTL          time.Duration
	UpstreamSlots     int
	UpstreamRPS       float64
	PriorityMaxWait   time.Duration
	PromptTokenBudget int

	// Content fetching allowlist (comma-separated hosts)
	ContentAllowedHosts string

	// Retention and schedules used by the worker
	ContextRetentionDays int
	PruneSchedule        string
	DLQSweepSchedule     string
	DLQRetention         time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		ServerPort:       getEnv("SERVER_PORT", "8080"),
		FrontendURL:      getEnv("FRONTEND_URL", "http://localhost:3000"),
		OpenAIKey:        getEnv("OPENAI_API_KEY", ""),
		AIModel:          getEnv("AI_MODEL", ""),
		AIBaseURL:        getEnv("AI_BASE_URL", ""),
		EmbeddingModel:   getEnv("EMBEDDING_MODEL", ""),
		EnableHSTS:       getEnvBool("ENABLE_HSTS", false),
		OIDCProvider:     getEnv("OIDC_PROVIDER", "supabase"),
		RedisURL:         getEnv("REDIS_URL", "redis://localhost:6379/0"),
		RabbitMQURL:      getEnv("RABBITMQ_URL", ""),
		RabbitMQPrefetch: getEnvInt("RABBITMQ_PREFETCH", 1),
		StorageBackend:   getEnv("STORAGE_BACKEND", "redis"),
		PricingFile:      getEnv("PRICING_FILE", ""),
		WorkerDebugMode:  getEnvBool("WORKER_DEBUG_MODE", false),
		ServerDebugMode:  getEnvBool("SERVER_DEBUG_MODE", false),
		OTELEnabled:      getEnvBool("OTEL_ENABLED", false),
		OTELEndpoint:     getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:     getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		OTELSampleRatio:  getEnvFloat("OTEL_SAMPLE_RATIO", 1),

		PerUserMinuteLimit: getEnvInt("GATEWAY_PER_MINUTE", 20),
		PerUserDailyLimit:  getEnvInt("GATEWAY_PER_DAY", 300),
		ViolationCooldown:  getEnvDuration("GATEWAY_COOLDOWN", 60*time.Second),
		EdgeRate:           getEnv("EDGE_RATE", "5-S"),

		CacheTTL:          getEnvDuration("CACHE_TTL", 30*time.Minute),
		UpstreamSlots:     getEnvInt("UPSTREAM_SLOTS", 4),
		UpstreamRPS:       getEnvFloat("UPSTREAM_RPS", 10),
		PriorityMaxWait:   getEnvDuration("PRIORITY_MAX_WAIT", 2*time.Second),
		PromptTokenBudget: getEnvInt("PROMPT_TOKEN_BUDGET", 1500),

		ContentAllowedHosts: getEnv("CONTENT_ALLOWED_HOSTS", ""),

		ContextRetentionDays: getEnvInt("CONTEXT_RETENTION_DAYS", 90),
		PruneSchedule:        getEnv("PRUNE_SCHEDULE", "0 3 * * *"),
		DLQSweepSchedule:     getEnv("DLQ_SWEEP_SCHEDULE", "30 * * * *"),
		DLQRetention:         getEnvDuration("DLQ_RETENTION", 24*time.Hour),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	switch cfg.StorageBackend {
	case "redis", "postgres", "memory":
	default:
		return nil, fmt.Errorf("STORAGE_BACKEND must be one of redis, postgres, memory (got %q)", cfg.StorageBackend)
	}

	if cfg.PerUserMinuteLimit <= 0 || cfg.PerUserDailyLimit <= 0 {
		return nil, fmt.Errorf("gateway limits must be positive")
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("90s", "5m") or a bare number of seconds
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
