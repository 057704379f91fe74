package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

type Config struct {
	ListenAddr                string
	DatabaseURL               string
	RedisAddr                 string
	AnalysisEngineURL         string
	AnalysisEngineTimeout     time.Duration
	IngestAPIKey              string
	CORSAllowedOrigins        []string
	BufferBatchSize           int
	BufferFlushInterval       time.Duration
	IntervalOffsets           []time.Duration
	PollTimeout               time.Duration
	RecentCacheLimit          int
	RecentCacheTTL            time.Duration
	DurableCountMaxRetries    int
	DurableCountRetryDelay    time.Duration
	ShareTTL                  time.Duration
	ShareSweepSpec            string
	SubscriberChannelCapacity int
	RateLimitRequestsPerSec   float64
	RateLimitBurst            int
	S3Region                  string
	S3Endpoint                string
	S3AccessKey               string
	S3SecretKey               string
	S3Bucket                  string
}

func Load() Config {
	port := envOrDefault("TELEMETRY_PORT", "8080")

	return Config{
		ListenAddr:                ":" + port,
		DatabaseURL:               databaseURL(),
		RedisAddr:                 redisAddr(),
		AnalysisEngineURL:         os.Getenv("ANALYSIS_ENGINE_URL"),
		AnalysisEngineTimeout:     envOrDefaultDuration("ANALYSIS_ENGINE_TIMEOUT", 120*time.Second),
		IngestAPIKey:              os.Getenv("INGEST_API_KEY"),
		CORSAllowedOrigins:        parseCSV(envOrDefault("CORS_ALLOWED_ORIGINS", "*")),
		BufferBatchSize:           envOrDefaultInt("BUFFER_BATCH_SIZE", 10),
		BufferFlushInterval:       envOrDefaultDuration("BUFFER_FLUSH_INTERVAL", 5*time.Second),
		IntervalOffsets:           parseOffsets(envOrDefault("ANALYSIS_INTERVAL_OFFSETS", "15s,60s,120s,180s")),
		PollTimeout:               envOrDefaultDuration("POLL_TIMEOUT", 30*time.Second),
		RecentCacheLimit:          envOrDefaultInt("RECENT_CACHE_LIMIT", 500),
		RecentCacheTTL:            envOrDefaultDuration("RECENT_CACHE_TTL", 24*time.Hour),
		DurableCountMaxRetries:    envOrDefaultInt("DURABLE_COUNT_MAX_RETRIES", 5),
		DurableCountRetryDelay:    envOrDefaultDuration("DURABLE_COUNT_RETRY_DELAY", 200*time.Millisecond),
		ShareTTL:                  envOrDefaultDuration("SHARE_TTL", 24*time.Hour),
		ShareSweepSpec:            envOrDefault("SHARE_SWEEP_SPEC", "@every 10m"),
		SubscriberChannelCapacity: envOrDefaultInt("SUBSCRIBER_CHANNEL_CAPACITY", 64),
		RateLimitRequestsPerSec:   envOrDefaultFloat("RATE_LIMIT_REQUESTS_PER_SEC", 100),
		RateLimitBurst:            envOrDefaultInt("RATE_LIMIT_BURST", 200),
		S3Region:                  envOrDefault("S3_REGION", "us-east-1"),
		S3Endpoint:                os.Getenv("S3_ENDPOINT"),
		S3AccessKey:               envOrDefault("S3_ACCESS_KEY", ""),
		S3SecretKey:               envOrDefault("S3_SECRET_KEY", ""),
		S3Bucket:                  envOrDefault("S3_BUCKET", ""),
	}
}

func databaseURL() string {
	if value := os.Getenv("DATABASE_URL"); value != "" {
		return value
	}

	host := envOrDefault("POSTGRES_HOST", "localhost")
	port := envOrDefault("POSTGRES_PORT", "5432")
	user := envOrDefault("POSTGRES_USER", "telemetry")
	password := envOrDefault("POSTGRES_PASSWORD", "telemetry")
	database := envOrDefault("POSTGRES_DB", "telemetry")

	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, database)
}

func redisAddr() string {
	host := envOrDefault("REDIS_HOST", "localhost")
	port := envOrDefault("REDIS_PORT", "6379")
	return fmt.Sprintf("%s:%s", host, port)
}

func parseCSV(value string) []string {
	values := strings.Split(value, ",")
	result := make([]string, 0, len(values))
	for _, item := range values {
		trimmed := strings.TrimSpace(item)
		if trimmed == "" {
			continue
		}
		result = append(result, trimmed)
	}

	if len(result) == 0 {
		return []string{"*"}
	}
	return result
}

// parseOffsets parses a CSV of Go durations, dropping entries that do not
// parse or are not positive. Falls back to the stock schedule when nothing
// usable remains.
func parseOffsets(value string) []time.Duration {
	offsets := make([]time.Duration, 0, 4)
	for _, item := range strings.Split(value, ",") {
		trimmed := strings.TrimSpace(item)
		if trimmed == "" {
			continue
		}
		parsed, err := time.ParseDuration(trimmed)
		if err != nil || parsed <= 0 {
			continue
		}
		offsets = append(offsets, parsed)
	}

	if len(offsets) == 0 {
		return []time.Duration{15 * time.Second, 60 * time.Second, 120 * time.Second, 180 * time.Second}
	}
	return offsets
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}

	var parsed int
	if _, err := fmt.Sscanf(value, "%d", &parsed); err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}

	var parsed float64
	if _, err := fmt.Sscanf(value, "%f", &parsed); err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}

	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
