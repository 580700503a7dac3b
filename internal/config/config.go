package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port string

	// Storage
	DBPath string

	// Auth
	APIKey string

	// Summarization (Anthropic)
	AnthropicAPIKey string
	AnthropicModel  string

	// Embedding providers
	OpenAIAPIKey   string
	OpenAIModel    string
	RemoteEmbedURL string
	EmbedDim       int // canonical schema dimension
	EmbedRateRPS   float64
	EmbedRateBurst int
	ProvidersFile  string // optional YAML overriding the provider chain

	// Reranker
	RerankerURL string

	// Worker pool
	WorkerCount        int
	MaxQueueSize       int
	MaxConcurrentEmbed int

	// Upload limits
	MaxUploadBytes int64

	// Chunking defaults
	MinChunkChars int
	MaxChunkChars int

	// Retrieval defaults
	DefaultTopK int

	// Job state
	JobTTL time.Duration
}

func Load() Config {
	cfg := Config{
		Port: envOr("PORT", "8070"),

		DBPath: envOr("DB_PATH", "finsight.db"),

		APIKey: os.Getenv("FINSIGHT_API_KEY"),

		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		AnthropicModel:  envOr("ANTHROPIC_MODEL", "claude-sonnet-4-5-20250929"),

		OpenAIAPIKey:   os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:    envOr("OPENAI_EMBED_MODEL", "text-embedding-3-large"),
		RemoteEmbedURL: os.Getenv("REMOTE_EMBED_URL"),
		EmbedDim:       envInt("EMBED_DIM", 3072),
		EmbedRateRPS:   envFloat("EMBED_RATE_RPS", 10),
		EmbedRateBurst: envInt("EMBED_RATE_BURST", 20),
		ProvidersFile:  os.Getenv("PROVIDERS_FILE"),

		RerankerURL: os.Getenv("RERANKER_URL"),

		WorkerCount:        envInt("WORKER_COUNT", 4),
		MaxQueueSize:       envInt("MAX_QUEUE_SIZE", 100),
		MaxConcurrentEmbed: envInt("MAX_CONCURRENT_EMBED", 5),

		MaxUploadBytes: envInt64("MAX_UPLOAD_BYTES", 52428800), // 50MB

		MinChunkChars: envInt("MIN_CHUNK_CHARS", 2000),
		MaxChunkChars: envInt("MAX_CHUNK_CHARS", 6000),

		DefaultTopK: envInt("DEFAULT_TOP_K", 8),

		JobTTL: envDuration("JOB_TTL", 1*time.Hour),
	}

	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 100
	}
	if cfg.MaxConcurrentEmbed <= 0 {
		cfg.MaxConcurrentEmbed = 5
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 52428800
	}
	if cfg.EmbedDim <= 0 {
		cfg.EmbedDim = 3072
	}
	if cfg.MinChunkChars <= 0 || cfg.MinChunkChars >= cfg.MaxChunkChars {
		cfg.MinChunkChars = 2000
		cfg.MaxChunkChars = 6000
	}
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = 8
	}
	if cfg.JobTTL <= 0 {
		cfg.JobTTL = 1 * time.Hour
	}

	return cfg
}

func (c Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("FINSIGHT_API_KEY is required")
	}
	if c.AnthropicAPIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required")
	}
	if c.OpenAIAPIKey == "" && c.RemoteEmbedURL == "" {
		return fmt.Errorf("at least one of OPENAI_API_KEY or REMOTE_EMBED_URL is required")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
