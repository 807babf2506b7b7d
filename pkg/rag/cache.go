package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// AnswerCache stores complete answers for repeated questions. Set is
// best-effort; failures are logged and never fail a query.
type AnswerCache interface {
	Get(ctx context.Context, key string) (*Answer, bool)
	Set(ctx context.Context, key string, answer *Answer)
}

// answerCacheKey normalizes the query and filters into a stable key so
// trivially different phrasings of the same request ("Where is my order?"
// vs "where is my order") share an entry.
func answerCacheKey(req *QueryRequest) string {
	parts := []string{strings.ToLower(strings.TrimSpace(req.Query))}
	if req.Filters != nil {
		parts = append(parts, "src="+req.Filters.Source, "cat="+req.Filters.Category)
		tags := append([]string(nil), req.Filters.Tags...)
		sort.Strings(tags)
		parts = append(parts, "tags="+strings.Join(tags, ","))
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return "answer:v1:" + hex.EncodeToString(sum[:])
}

// RedisAnswerCache is the Redis-backed AnswerCache.
type RedisAnswerCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisAnswerCache connects to Redis and verifies the connection.
func NewRedisAnswerCache(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisAnswerCache, error) {
	if addr == "" {
		return nil, fmt.Errorf("answer cache requires a redis address")
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return &RedisAnswerCache{
		client: client,
		ttl:    ttl,
		logger: slog.Default().With("component", "answer-cache"),
	}, nil
}

// Get returns a cached answer, if any.
func (c *RedisAnswerCache) Get(ctx context.Context, key string) (*Answer, bool) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("answer cache get failed", "error", err)
		}
		return nil, false
	}
	var answer Answer
	if err := json.Unmarshal(data, &answer); err != nil {
		c.logger.Warn("failed to decode cached answer", "error", err)
		return nil, false
	}
	return &answer, true
}

// Set stores an answer with the configured TTL.
func (c *RedisAnswerCache) Set(ctx context.Context, key string, answer *Answer) {
	data, err := json.Marshal(answer)
	if err != nil {
		c.logger.Warn("failed to encode answer for cache", "error", err)
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.Warn("answer cache set failed", "error", err)
	}
}

// Close releases the Redis connection.
func (c *RedisAnswerCache) Close() error {
	return c.client.Close()
}
