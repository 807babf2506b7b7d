// Package embeddings generates vector embeddings through an
// OpenAI-compatible API, with batching, rate limiting, retries, and a
// two-tier (memory + Redis) cache keyed on model and text.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Config holds settings for the embedding service.
type Config struct {
	APIEndpoint string        `json:"api_endpoint"` // base URL, e.g. https://api.openai.com/v1
	APIKey      string        `json:"api_key"`
	Model       string        `json:"model"`
	Dimensions  int           `json:"dimensions"`
	BatchSize   int           `json:"batch_size"`
	RateRPM     int           `json:"rate_rpm"` // requests per minute; 0 disables limiting
	Timeout     time.Duration `json:"timeout"`
	MaxRetries  int           `json:"max_retries"`
	RetryDelay  time.Duration `json:"retry_delay"`
}

// DefaultConfig returns settings suitable for text-embedding-3-small.
func DefaultConfig() *Config {
	return &Config{
		APIEndpoint: "https://api.openai.com/v1",
		Model:       "text-embedding-3-small",
		Dimensions:  1536,
		BatchSize:   64,
		RateRPM:     300,
		Timeout:     30 * time.Second,
		MaxRetries:  3,
		RetryDelay:  500 * time.Millisecond,
	}
}

// Usage tracks token consumption reported by the embedding API.
type Usage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Result is the outcome of one EmbedTexts call.
type Result struct {
	Vectors     [][]float32   `json:"-"`
	Usage       Usage         `json:"usage"`
	CacheHits   int           `json:"cache_hits"`
	CacheMisses int           `json:"cache_misses"`
	Took        time.Duration `json:"took"`
}

// Service generates embeddings. It is safe for concurrent use.
type Service struct {
	config     *Config
	httpClient *http.Client
	cache      Cache
	limiter    *rateLimiter
	logger     *slog.Logger

	mu    sync.Mutex
	stats Stats
}

// Stats aggregates lifetime service counters.
type Stats struct {
	Requests    int64 `json:"requests"`
	Texts       int64 `json:"texts"`
	Failures    int64 `json:"failures"`
	TotalTokens int64 `json:"total_tokens"`
	CacheHits   int64 `json:"cache_hits"`
	CacheMisses int64 `json:"cache_misses"`
}

// NewService creates an embedding service. cache may be nil to disable
// caching entirely.
func NewService(config *Config, cache Cache) (*Service, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Model == "" {
		return nil, fmt.Errorf("embedding model cannot be empty")
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 64
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 500 * time.Millisecond
	}

	return &Service{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		cache:      cache,
		limiter:    newRateLimiter(config.RateRPM),
		logger:     slog.Default().With("component", "embedding-service"),
	}, nil
}

// EmbedQuery embeds a single query string.
func (s *Service) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	res, err := s.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return res.Vectors[0], nil
}

// EmbedTexts embeds a batch of texts. The returned vectors align 1:1 with
// the input order regardless of cache hits and API batching.
func (s *Service) EmbedTexts(ctx context.Context, texts []string) (*Result, error) {
	start := time.Now()
	if len(texts) == 0 {
		return nil, fmt.Errorf("no texts to embed")
	}
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, fmt.Errorf("text at index %d is empty", i)
		}
	}

	result := &Result{Vectors: make([][]float32, len(texts))}

	// Resolve cache hits first, collecting the misses for the API.
	var missIdx []int
	for i, text := range texts {
		if s.cache != nil {
			if vec, ok := s.cache.Get(ctx, s.config.Model, text); ok {
				result.Vectors[i] = vec
				result.CacheHits++
				continue
			}
		}
		missIdx = append(missIdx, i)
	}
	result.CacheMisses = len(missIdx)

	for batchStart := 0; batchStart < len(missIdx); batchStart += s.config.BatchSize {
		batchEnd := batchStart + s.config.BatchSize
		if batchEnd > len(missIdx) {
			batchEnd = len(missIdx)
		}
		batch := missIdx[batchStart:batchEnd]

		input := make([]string, len(batch))
		for j, idx := range batch {
			input[j] = texts[idx]
		}

		vectors, usage, err := s.embedBatch(ctx, input)
		if err != nil {
			s.mu.Lock()
			s.stats.Failures++
			s.mu.Unlock()
			return nil, err
		}
		result.Usage.PromptTokens += usage.PromptTokens
		result.Usage.TotalTokens += usage.TotalTokens

		for j, idx := range batch {
			result.Vectors[idx] = vectors[j]
			if s.cache != nil {
				s.cache.Set(ctx, s.config.Model, texts[idx], vectors[j])
			}
		}
	}

	result.Took = time.Since(start)

	s.mu.Lock()
	s.stats.Requests++
	s.stats.Texts += int64(len(texts))
	s.stats.TotalTokens += int64(result.Usage.TotalTokens)
	s.stats.CacheHits += int64(result.CacheHits)
	s.stats.CacheMisses += int64(result.CacheMisses)
	s.mu.Unlock()

	return result, nil
}

// GetStats returns a snapshot of lifetime counters.
func (s *Service) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

type embeddingRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Usage Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (s *Service) embedBatch(ctx context.Context, input []string) ([][]float32, Usage, error) {
	body, err := json.Marshal(embeddingRequest{Input: input, Model: s.config.Model})
	if err != nil {
		return nil, Usage{}, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := s.config.RetryDelay * time.Duration(1<<(attempt-1))
			s.logger.Warn("retrying embedding request", "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, Usage{}, ctx.Err()
			}
		}
		if err := s.limiter.wait(ctx); err != nil {
			return nil, Usage{}, err
		}

		vectors, usage, retryable, err := s.doRequest(ctx, body, len(input))
		if err == nil {
			return vectors, usage, nil
		}
		lastErr = err
		if !retryable {
			break
		}
	}
	return nil, Usage{}, fmt.Errorf("embedding request failed after %d attempts: %w", s.config.MaxRetries+1, lastErr)
}

func (s *Service) doRequest(ctx context.Context, body []byte, expected int) ([][]float32, Usage, bool, error) {
	endpoint := strings.TrimSuffix(s.config.APIEndpoint, "/") + "/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, Usage{}, false, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.APIKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, Usage{}, true, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Usage{}, true, fmt.Errorf("failed to read embedding response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, Usage{}, retryable, fmt.Errorf("embedding API returned %s: %s", resp.Status, truncate(string(data), 200))
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, Usage{}, false, fmt.Errorf("failed to decode embedding response: %w", err)
	}
	if parsed.Error != nil {
		return nil, Usage{}, false, fmt.Errorf("embedding API error: %s", parsed.Error.Message)
	}
	if len(parsed.Data) != expected {
		return nil, Usage{}, false, fmt.Errorf("embedding API returned %d vectors for %d inputs", len(parsed.Data), expected)
	}

	// The API documents index-ordered results; order defensively anyway.
	vectors := make([][]float32, expected)
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= expected {
			return nil, Usage{}, false, fmt.Errorf("embedding API returned out-of-range index %d", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, parsed.Usage, false, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// rateLimiter is a minute-window token bucket.
type rateLimiter struct {
	mu       sync.Mutex
	rpm      int
	window   time.Time
	consumed int
}

func newRateLimiter(rpm int) *rateLimiter {
	return &rateLimiter{rpm: rpm}
}

func (rl *rateLimiter) wait(ctx context.Context) error {
	if rl.rpm <= 0 {
		return nil
	}
	for {
		rl.mu.Lock()
		now := time.Now()
		if now.Sub(rl.window) >= time.Minute {
			rl.window = now
			rl.consumed = 0
		}
		if rl.consumed < rl.rpm {
			rl.consumed++
			rl.mu.Unlock()
			return nil
		}
		sleep := time.Minute - now.Sub(rl.window)
		rl.mu.Unlock()

		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// CosineSimilarity computes the cosine similarity of two vectors, returning
// 0 for mismatched or zero-length vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
