// Command support-chatbot serves the customer-support RAG API: hybrid
// retrieval over the indexed knowledge base, grounded answer generation
// with source citations, conversation history, and feedback collection.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/clintonhlau/RAG-Powered-Customer-Support-Chatbot/pkg/config"
	"github.com/clintonhlau/RAG-Powered-Customer-Support-Chatbot/pkg/embeddings"
	"github.com/clintonhlau/RAG-Powered-Customer-Support-Chatbot/pkg/handlers"
	"github.com/clintonhlau/RAG-Powered-Customer-Support-Chatbot/pkg/history"
	"github.com/clintonhlau/RAG-Powered-Customer-Support-Chatbot/pkg/kb"
	"github.com/clintonhlau/RAG-Powered-Customer-Support-Chatbot/pkg/llm"
	"github.com/clintonhlau/RAG-Powered-Customer-Support-Chatbot/pkg/metrics"
	"github.com/clintonhlau/RAG-Powered-Customer-Support-Chatbot/pkg/middleware"
	"github.com/clintonhlau/RAG-Powered-Customer-Support-Chatbot/pkg/rag"
)

func main() {
	logger := newLogger("info")
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("Failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger = newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("Starting support-chatbot service",
		slog.String("version", cfg.ServiceVersion),
		slog.String("listen_addr", cfg.ListenAddr),
		slog.String("llm_backend", cfg.LLMBackendType),
		slog.String("llm_model", cfg.LLMModelName),
		slog.String("embedding_model", cfg.EmbeddingModel),
		slog.Bool("auth_enabled", cfg.AuthEnabled),
		slog.Bool("tls_enabled", cfg.TLSEnabled),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := buildVectorStore(cfg)
	if err != nil {
		logger.Error("Failed to connect to Weaviate", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		logger.Error("Failed to ensure knowledge base schema", slog.String("error", err.Error()))
		os.Exit(1)
	}

	embedder, err := buildEmbedder(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize embedding service", slog.String("error", err.Error()))
		os.Exit(1)
	}

	generator, err := llm.NewClient(&llm.Config{
		BackendType: cfg.LLMBackendType,
		URL:         cfg.LLMURL,
		APIKey:      cfg.LLMAPIKey,
		Model:       cfg.LLMModelName,
		MaxTokens:   cfg.LLMMaxTokens,
		Temperature: cfg.LLMTemperature,
		Timeout:     cfg.LLMTimeout,
		MaxRetries:  cfg.LLMMaxRetries,
	})
	if err != nil {
		logger.Error("Failed to initialize LLM client", slog.String("error", err.Error()))
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	answerCache := buildAnswerCache(ctx, cfg, logger)

	pipeline, err := rag.NewPipeline(&rag.PipelineConfig{
		TopK:            cfg.TopK,
		OverFetchFactor: 3,
		MinScore:        cfg.MinScore,
		HybridAlpha:     cfg.HybridAlpha,
		MaxContextChars: cfg.MaxContextChars,
		HistoryWindow:   cfg.HistoryWindow,
	}, store, embedder, generator, answerCache, m)
	if err != nil {
		logger.Error("Failed to build query pipeline", slog.String("error", err.Error()))
		os.Exit(1)
	}

	conversations, err := buildConversationStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize conversation store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer conversations.Close()

	var auth *middleware.Authenticator
	if cfg.AuthEnabled {
		auth, err = middleware.NewAuthenticator(cfg.JWTSecret, logger)
		if err != nil {
			logger.Error("Failed to initialize authentication", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	limiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig(), logger)
	defer limiter.Stop()

	apiConfig := handlers.DefaultConfig()
	apiConfig.HistoryWindow = cfg.HistoryWindow
	api, err := handlers.NewAPI(apiConfig, pipeline, conversations, store, m, registry, auth, limiter)
	if err != nil {
		logger.Error("Failed to build API", slog.String("error", err.Error()))
		os.Exit(1)
	}

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      api.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", slog.String("addr", cfg.ListenAddr))
		if cfg.TLSEnabled {
			errCh <- server.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			errCh <- server.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received, draining connections")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulShutdown)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Server stopped")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func buildVectorStore(cfg *config.Config) (*kb.VectorStore, error) {
	return kb.NewVectorStore(&kb.VectorStoreConfig{
		URL:       cfg.WeaviateURL,
		APIKey:    cfg.WeaviateAPIKey,
		ClassName: cfg.WeaviateClass,
	})
}

// buildEmbedder wires the embedding service with a tiered cache when
// Redis is configured, or an in-process LRU otherwise.
func buildEmbedder(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*embeddings.Service, error) {
	memory := embeddings.NewMemoryCache(10000)

	var cache embeddings.Cache = memory
	if cfg.RedisAddr != "" {
		redisCache, err := embeddings.NewRedisCache(ctx, &embeddings.RedisCacheConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			logger.Warn("Redis unavailable, embedding cache is memory-only",
				slog.String("error", err.Error()))
		} else {
			cache = embeddings.NewTieredCache(memory, redisCache)
		}
	}

	return embeddings.NewService(&embeddings.Config{
		APIEndpoint: cfg.EmbeddingURL,
		APIKey:      cfg.EmbeddingAPIKey,
		Model:       cfg.EmbeddingModel,
		Dimensions:  cfg.EmbeddingDims,
		BatchSize:   cfg.EmbeddingBatchSize,
		RateRPM:     cfg.EmbeddingRateRPM,
		Timeout:     cfg.EmbeddingTimeout,
	}, cache)
}

func buildAnswerCache(ctx context.Context, cfg *config.Config, logger *slog.Logger) rag.AnswerCache {
	if cfg.RedisAddr == "" {
		return nil
	}
	cache, err := rag.NewRedisAnswerCache(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.AnswerCacheTTL)
	if err != nil {
		logger.Warn("Redis unavailable, answer caching disabled", slog.String("error", err.Error()))
		return nil
	}
	return cache
}

func buildConversationStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (history.Store, error) {
	if cfg.MySQLDSN == "" {
		logger.Warn("MYSQL_DSN not set, conversations will not survive restarts")
		return history.NewMemoryStore(), nil
	}
	return history.NewMySQLStore(ctx, cfg.MySQLDSN)
}
