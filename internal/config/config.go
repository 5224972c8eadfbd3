package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	LogLevel string

	Adapter   string
	ModelName string
	BaseURL   string
	APIKeyEnv string

	// Cache backends. CachePath selects the sqlite file store; RedisURL
	// selects the shared store. At most one should be set.
	CachePath string
	RedisURL  string

	DatabaseURL string

	HardCapDollars float64
	WarnFraction   float64

	// RequestsPerMinute enables client-side pacing when positive.
	RequestsPerMinute int

	Offline        bool
	CachingInputs  bool
	Conversational bool

	OTLPEndpoint string
	AWSRegion    string
	SNSTopicARN  string
	SQSQueueURL  string
	SecretName   string

	RequestTimeout time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		Adapter:        getEnv("LLM_ADAPTER", "anthropic"),
		ModelName:      getEnv("LLM_MODEL", ""),
		BaseURL:        getEnv("LLM_BASE_URL", ""),
		APIKeyEnv:      getEnv("LLM_API_KEY_ENV", "ANTHROPIC_API_KEY"),
		CachePath:      getEnv("LLM_CACHE_PATH", ""),
		RedisURL:       getEnv("REDIS_URL", ""),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		HardCapDollars: getFloatEnv("LLM_HARD_CAP_DOLLARS", 0),
		WarnFraction:   getFloatEnv("LLM_WARN_FRACTION", 0.25),

		RequestsPerMinute: getIntEnv("LLM_REQUESTS_PER_MINUTE", 0),
		Offline:           getEnv("LLM_OFFLINE", "false") == "true",
		CachingInputs:     getEnv("LLM_CACHE_INPUTS", "false") == "true",
		Conversational:    getEnv("LLM_CONVERSATIONAL", "false") == "true",
		OTLPEndpoint:      getEnv("OTLP_ENDPOINT", ""),
		AWSRegion:         getEnv("AWS_REGION", ""),
		SNSTopicARN:       getEnv("SNS_TOPIC_ARN", ""),
		SQSQueueURL:       getEnv("SQS_QUEUE_URL", ""),
		SecretName:        getEnv("SECRET_NAME", ""),
		RequestTimeout:    getDurationEnv("REQUEST_TIMEOUT", 120*time.Second),
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}
