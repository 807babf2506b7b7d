// Package llm provides chat-completion clients for answer generation. Two
// backends are supported: any OpenAI-compatible API and a local Ollama
// instance. Both implement ChatClient and are selected by configuration.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// Completion is the result of one generation request.
type Completion struct {
	Content    string        `json:"content"`
	Model      string        `json:"model"`
	TokensUsed int           `json:"tokens_used"`
	Took       time.Duration `json:"took"`
}

// ChatClient generates a completion for a conversation.
type ChatClient interface {
	Complete(ctx context.Context, messages []Message) (*Completion, error)
	Name() string
}

// Config holds settings shared by all chat backends.
type Config struct {
	BackendType string        `json:"backend_type"` // "openai" or "ollama"
	URL         string        `json:"url"`
	APIKey      string        `json:"api_key"`
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	Timeout     time.Duration `json:"timeout"`
	MaxRetries  int           `json:"max_retries"`
	RetryDelay  time.Duration `json:"retry_delay"`
}

// NewClient builds the chat client for the configured backend.
func NewClient(cfg *Config) (ChatClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("llm config cannot be nil")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("llm model cannot be empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	switch cfg.BackendType {
	case "openai", "":
		return &openAIClient{
			config:     cfg,
			httpClient: &http.Client{Timeout: cfg.Timeout},
			logger:     slog.Default().With("component", "llm-client", "backend", "openai"),
		}, nil
	case "ollama":
		return &ollamaClient{
			config:     cfg,
			httpClient: &http.Client{Timeout: cfg.Timeout},
			logger:     slog.Default().With("component", "llm-client", "backend", "ollama"),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported LLM backend %q", cfg.BackendType)
	}
}

// withRetries runs fn with exponential backoff on retryable failures.
func withRetries(ctx context.Context, cfg *Config, logger *slog.Logger, fn func() (*Completion, bool, error)) (*Completion, error) {
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := cfg.RetryDelay * time.Duration(1<<(attempt-1))
			logger.Warn("retrying completion request", "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		completion, retryable, err := fn()
		if err == nil {
			return completion, nil
		}
		lastErr = err
		if !retryable {
			break
		}
	}
	return nil, fmt.Errorf("completion failed after %d attempts: %w", cfg.MaxRetries+1, lastErr)
}

// --- OpenAI-compatible backend ---

type openAIClient struct {
	config     *Config
	httpClient *http.Client
	logger     *slog.Logger
}

type openAIChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *openAIClient) Name() string { return "openai" }

func (c *openAIClient) Complete(ctx context.Context, messages []Message) (*Completion, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("no messages to complete")
	}
	start := time.Now()

	body, err := json.Marshal(openAIChatRequest{
		Model:       c.config.Model,
		Messages:    messages,
		MaxTokens:   c.config.MaxTokens,
		Temperature: c.config.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	endpoint := strings.TrimSuffix(c.config.URL, "/") + "/chat/completions"
	return withRetries(ctx, c.config, c.logger, func() (*Completion, bool, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, false, fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.config.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, true, fmt.Errorf("chat request failed: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, true, fmt.Errorf("failed to read chat response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
			return nil, retryable, fmt.Errorf("chat API returned %s", resp.Status)
		}

		var parsed openAIChatResponse
		if err := json.Unmarshal(data, &parsed); err != nil {
			return nil, false, fmt.Errorf("failed to decode chat response: %w", err)
		}
		if parsed.Error != nil {
			return nil, false, fmt.Errorf("chat API error: %s", parsed.Error.Message)
		}
		if len(parsed.Choices) == 0 {
			return nil, false, fmt.Errorf("chat API returned no choices")
		}

		return &Completion{
			Content:    strings.TrimSpace(parsed.Choices[0].Message.Content),
			Model:      c.config.Model,
			TokensUsed: parsed.Usage.TotalTokens,
			Took:       time.Since(start),
		}, false, nil
	})
}

// --- Ollama backend ---

type ollamaClient struct {
	config     *Config
	httpClient *http.Client
	logger     *slog.Logger
}

type ollamaChatRequest struct {
	Model    string        `json:"model"`
	Messages []Message     `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaChatResponse struct {
	Message         Message `json:"message"`
	Done            bool    `json:"done"`
	EvalCount       int     `json:"eval_count"`
	PromptEvalCount int     `json:"prompt_eval_count"`
	Error           string  `json:"error"`
}

func (c *ollamaClient) Name() string { return "ollama" }

func (c *ollamaClient) Complete(ctx context.Context, messages []Message) (*Completion, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("no messages to complete")
	}
	start := time.Now()

	body, err := json.Marshal(ollamaChatRequest{
		Model:    c.config.Model,
		Messages: messages,
		Stream:   false,
		Options: ollamaOptions{
			Temperature: c.config.Temperature,
			NumPredict:  c.config.MaxTokens,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	endpoint := strings.TrimSuffix(c.config.URL, "/") + "/api/chat"
	return withRetries(ctx, c.config, c.logger, func() (*Completion, bool, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, false, fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, true, fmt.Errorf("ollama request failed: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, true, fmt.Errorf("failed to read ollama response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, resp.StatusCode >= 500, fmt.Errorf("ollama returned %s", resp.Status)
		}

		var parsed ollamaChatResponse
		if err := json.Unmarshal(data, &parsed); err != nil {
			return nil, false, fmt.Errorf("failed to decode ollama response: %w", err)
		}
		if parsed.Error != "" {
			return nil, false, fmt.Errorf("ollama error: %s", parsed.Error)
		}

		return &Completion{
			Content:    strings.TrimSpace(parsed.Message.Content),
			Model:      c.config.Model,
			TokensUsed: parsed.PromptEvalCount + parsed.EvalCount,
			Took:       time.Since(start),
		}, false, nil
	})
}
