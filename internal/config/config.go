package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds application configuration
type Config struct {
	Port           string
	Env            string
	LogLevel       string
	UseMemoryQueue bool
	WorkerCount    int

	// Meta Graph API
	GraphAPIBase       string
	WebhookVerifyToken string
	AppSecret          string
	PageAccessToken    string

	// Gemini generator
	GeminiAPIKey  string
	GeminiModelID string

	// AWS / durable jobs
	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string
	DeliveryQueueURL    string
	ConversationsTable  string

	// Redis delayed-job store
	RedisAddr     string
	RedisPassword string

	// Postgres (settings + archive)
	DatabaseURL string

	// Reply pacing
	ReplyDelayMin      time.Duration
	ReplyDelayMax      time.Duration
	ReplyStalenessCut  time.Duration
	ChunkGapMin        time.Duration
	ChunkGapMax        time.Duration
	MaxChunksPerReply  int
	HistoryWindowLimit int
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:           getEnv("PORT", "8080"),
		Env:            getEnv("ENV", "development"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		UseMemoryQueue: getEnvAsBool("USE_MEMORY_QUEUE", false),
		WorkerCount:    getEnvAsInt("WORKER_COUNT", 5),

		GraphAPIBase:       getEnv("GRAPH_API_BASE", ""),
		WebhookVerifyToken: getEnv("WEBHOOK_VERIFY_TOKEN", ""),
		AppSecret:          getEnv("APP_SECRET", ""),
		PageAccessToken:    getEnv("PAGE_ACCESS_TOKEN", ""),

		GeminiAPIKey:  getEnv("GEMINI_API_KEY", ""),
		GeminiModelID: getEnv("GEMINI_MODEL_ID", "gemini-2.5-flash"),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),
		DeliveryQueueURL:    getEnv("DELIVERY_QUEUE_URL", ""),
		ConversationsTable:  getEnv("CONVERSATIONS_TABLE", "conversations"),

		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		ReplyDelayMin:      getEnvAsDuration("REPLY_DELAY_MIN", 30*time.Second),
		ReplyDelayMax:      getEnvAsDuration("REPLY_DELAY_MAX", 90*time.Second),
		ReplyStalenessCut:  getEnvAsDuration("REPLY_STALENESS_CUT", 10*time.Minute),
		ChunkGapMin:        getEnvAsDuration("CHUNK_GAP_MIN", 4*time.Second),
		ChunkGapMax:        getEnvAsDuration("CHUNK_GAP_MAX", 12*time.Second),
		MaxChunksPerReply:  getEnvAsInt("MAX_CHUNKS_PER_REPLY", 3),
		HistoryWindowLimit: getEnvAsInt("HISTORY_WINDOW_LIMIT", 40),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
