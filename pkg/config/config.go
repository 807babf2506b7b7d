// Package config loads and validates service configuration from the
// environment. Every knob has a default so a development instance can start
// with nothing but WEAVIATE_URL and an embedding endpoint set.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the full configuration for the support-chatbot service.
type Config struct {
	// Service
	ListenAddr       string
	LogLevel         string
	ServiceVersion   string
	GracefulShutdown time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration

	// TLS
	TLSEnabled  bool
	TLSCertPath string
	TLSKeyPath  string

	// Auth
	AuthEnabled bool
	JWTSecret   string

	// Weaviate
	WeaviateURL    string
	WeaviateAPIKey string
	WeaviateClass  string

	// Redis (optional; caches are disabled when empty)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// MySQL conversation store (optional; in-memory store when empty)
	MySQLDSN string

	// Embeddings
	EmbeddingURL       string
	EmbeddingAPIKey    string
	EmbeddingModel     string
	EmbeddingDims      int
	EmbeddingBatchSize int
	EmbeddingRateRPM   int
	EmbeddingTimeout   time.Duration

	// LLM
	LLMBackendType string // "openai" or "ollama"
	LLMURL         string
	LLMAPIKey      string
	LLMModelName   string
	LLMMaxTokens   int
	LLMTemperature float64
	LLMTimeout     time.Duration
	LLMMaxRetries  int

	// RAG pipeline
	TopK            int
	MinScore        float64
	HybridAlpha     float64
	MaxContextChars int
	HistoryWindow   int
	AnswerCacheTTL  time.Duration
}

// Defaults returns a Config populated with development defaults.
func Defaults() *Config {
	return &Config{
		ListenAddr:       ":8080",
		LogLevel:         "info",
		ServiceVersion:   "dev",
		GracefulShutdown: 30 * time.Second,
		ReadTimeout:      15 * time.Second,
		WriteTimeout:     60 * time.Second,

		WeaviateURL:   "http://localhost:8081",
		WeaviateClass: "SupportKnowledge",

		RedisDB: 0,

		EmbeddingURL:       "https://api.openai.com/v1",
		EmbeddingModel:     "text-embedding-3-small",
		EmbeddingDims:      1536,
		EmbeddingBatchSize: 64,
		EmbeddingRateRPM:   300,
		EmbeddingTimeout:   30 * time.Second,

		LLMBackendType: "openai",
		LLMURL:         "https://api.openai.com/v1",
		LLMModelName:   "gpt-4o-mini",
		LLMMaxTokens:   1024,
		LLMTemperature: 0.2,
		LLMTimeout:     60 * time.Second,
		LLMMaxRetries:  2,

		TopK:            5,
		MinScore:        0.25,
		HybridAlpha:     0.7,
		MaxContextChars: 12000,
		HistoryWindow:   6,
		AnswerCacheTTL:  10 * time.Minute,
	}
}

// Load builds a Config from the environment, applying defaults and
// validating the result. All validation failures are reported together.
func Load() (*Config, error) {
	cfg := Defaults()
	var errs []string

	cfg.ListenAddr = getEnv("LISTEN_ADDR", cfg.ListenAddr)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.ServiceVersion = getEnv("SERVICE_VERSION", cfg.ServiceVersion)
	cfg.GracefulShutdown = getDuration("GRACEFUL_SHUTDOWN", cfg.GracefulShutdown, &errs)
	cfg.ReadTimeout = getDuration("READ_TIMEOUT", cfg.ReadTimeout, &errs)
	cfg.WriteTimeout = getDuration("WRITE_TIMEOUT", cfg.WriteTimeout, &errs)

	cfg.TLSEnabled = getBool("TLS_ENABLED", cfg.TLSEnabled, &errs)
	cfg.TLSCertPath = getEnv("TLS_CERT_PATH", cfg.TLSCertPath)
	cfg.TLSKeyPath = getEnv("TLS_KEY_PATH", cfg.TLSKeyPath)

	cfg.AuthEnabled = getBool("AUTH_ENABLED", cfg.AuthEnabled, &errs)
	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)

	cfg.WeaviateURL = getEnv("WEAVIATE_URL", cfg.WeaviateURL)
	cfg.WeaviateAPIKey = getEnv("WEAVIATE_API_KEY", cfg.WeaviateAPIKey)
	cfg.WeaviateClass = getEnv("WEAVIATE_CLASS", cfg.WeaviateClass)

	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = getInt("REDIS_DB", cfg.RedisDB, &errs)

	cfg.MySQLDSN = getEnv("MYSQL_DSN", cfg.MySQLDSN)

	cfg.EmbeddingURL = getEnv("EMBEDDING_URL", cfg.EmbeddingURL)
	cfg.EmbeddingAPIKey = getEnv("EMBEDDING_API_KEY", cfg.EmbeddingAPIKey)
	cfg.EmbeddingModel = getEnv("EMBEDDING_MODEL", cfg.EmbeddingModel)
	cfg.EmbeddingDims = getInt("EMBEDDING_DIMENSIONS", cfg.EmbeddingDims, &errs)
	cfg.EmbeddingBatchSize = getInt("EMBEDDING_BATCH_SIZE", cfg.EmbeddingBatchSize, &errs)
	cfg.EmbeddingRateRPM = getInt("EMBEDDING_RATE_RPM", cfg.EmbeddingRateRPM, &errs)
	cfg.EmbeddingTimeout = getDuration("EMBEDDING_TIMEOUT", cfg.EmbeddingTimeout, &errs)

	cfg.LLMBackendType = getEnv("LLM_BACKEND_TYPE", cfg.LLMBackendType)
	cfg.LLMURL = getEnv("LLM_URL", cfg.LLMURL)
	cfg.LLMAPIKey = getEnv("LLM_API_KEY", cfg.LLMAPIKey)
	cfg.LLMModelName = getEnv("LLM_MODEL_NAME", cfg.LLMModelName)
	cfg.LLMMaxTokens = getInt("LLM_MAX_TOKENS", cfg.LLMMaxTokens, &errs)
	cfg.LLMTemperature = getFloat("LLM_TEMPERATURE", cfg.LLMTemperature, &errs)
	cfg.LLMTimeout = getDuration("LLM_TIMEOUT", cfg.LLMTimeout, &errs)
	cfg.LLMMaxRetries = getInt("LLM_MAX_RETRIES", cfg.LLMMaxRetries, &errs)

	cfg.TopK = getInt("RAG_TOP_K", cfg.TopK, &errs)
	cfg.MinScore = getFloat("RAG_MIN_SCORE", cfg.MinScore, &errs)
	cfg.HybridAlpha = getFloat("RAG_HYBRID_ALPHA", cfg.HybridAlpha, &errs)
	cfg.MaxContextChars = getInt("RAG_MAX_CONTEXT_CHARS", cfg.MaxContextChars, &errs)
	cfg.HistoryWindow = getInt("RAG_HISTORY_WINDOW", cfg.HistoryWindow, &errs)
	cfg.AnswerCacheTTL = getDuration("RAG_ANSWER_CACHE_TTL", cfg.AnswerCacheTTL, &errs)

	if err := cfg.Validate(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration invalid: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

// Validate checks cross-field constraints that getters cannot catch.
func (c *Config) Validate() error {
	var errs []string

	for name, raw := range map[string]string{
		"WEAVIATE_URL":  c.WeaviateURL,
		"EMBEDDING_URL": c.EmbeddingURL,
		"LLM_URL":       c.LLMURL,
	} {
		if _, err := url.ParseRequestURI(raw); err != nil {
			errs = append(errs, fmt.Sprintf("%s is not a valid URL: %q", name, raw))
		}
	}

	switch c.LLMBackendType {
	case "openai", "ollama":
	default:
		errs = append(errs, fmt.Sprintf("LLM_BACKEND_TYPE must be openai or ollama, got %q", c.LLMBackendType))
	}

	if c.AuthEnabled && len(c.JWTSecret) < 32 {
		errs = append(errs, "JWT_SECRET must be at least 32 bytes when AUTH_ENABLED=true")
	}
	if c.TLSEnabled && (c.TLSCertPath == "" || c.TLSKeyPath == "") {
		errs = append(errs, "TLS_CERT_PATH and TLS_KEY_PATH are required when TLS_ENABLED=true")
	}

	if c.TopK <= 0 {
		errs = append(errs, "RAG_TOP_K must be positive")
	}
	if c.MinScore < 0 || c.MinScore > 1 {
		errs = append(errs, "RAG_MIN_SCORE must be in [0,1]")
	}
	if c.HybridAlpha < 0 || c.HybridAlpha > 1 {
		errs = append(errs, "RAG_HYBRID_ALPHA must be in [0,1]")
	}
	if c.EmbeddingBatchSize <= 0 {
		errs = append(errs, "EMBEDDING_BATCH_SIZE must be positive")
	}
	if c.EmbeddingDims <= 0 {
		errs = append(errs, "EMBEDDING_DIMENSIONS must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getBool(key string, def bool, errs *[]string) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid boolean %q", key, v))
		return def
	}
	return b
}

func getInt(key string, def int, errs *[]string) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return def
	}
	return n
}

func getFloat(key string, def float64, errs *[]string) float64 {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid float %q", key, v))
		return def
	}
	return f
}

func getDuration(key string, def time.Duration, errs *[]string) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return def
	}
	return d
}
