package embeddings

import (
	"bytes"
	"compress/gzip"
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Cache stores vectors keyed by model and text. Implementations must be
// safe for concurrent use. Set is best-effort: cache failures are logged,
// never surfaced to callers.
type Cache interface {
	Get(ctx context.Context, model, text string) ([]float32, bool)
	Set(ctx context.Context, model, text string, vector []float32)
}

func cacheKey(model, text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("emb:v1:%s:%s", model, hex.EncodeToString(sum[:]))
}

// MemoryCache is a fixed-capacity LRU cache of embeddings.
type MemoryCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	entries  map[string]*list.Element
}

type memoryEntry struct {
	key    string
	vector []float32
}

// NewMemoryCache creates an LRU cache holding up to capacity vectors.
func NewMemoryCache(capacity int) *MemoryCache {
	if capacity <= 0 {
		capacity = 4096
	}
	return &MemoryCache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

// Get returns the cached vector for (model, text), if present.
func (c *MemoryCache) Get(_ context.Context, model, text string) ([]float32, bool) {
	key := cacheKey(model, text)
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*memoryEntry).vector, true
}

// Set stores a vector, evicting the least recently used entry when full.
func (c *MemoryCache) Set(_ context.Context, model, text string, vector []float32) {
	key := cacheKey(model, text)
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		el.Value.(*memoryEntry).vector = vector
		c.order.MoveToFront(el)
		return
	}
	c.entries[key] = c.order.PushFront(&memoryEntry{key: key, vector: vector})
	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*memoryEntry).key)
	}
}

// Len returns the number of cached vectors.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// RedisCacheConfig holds connection settings for the Redis cache tier.
type RedisCacheConfig struct {
	Addr     string        `json:"addr"`
	Password string        `json:"password"`
	DB       int           `json:"db"`
	TTL      time.Duration `json:"ttl"`
}

// RedisCache persists embeddings in Redis with gzip compression, so warm
// caches survive restarts and are shared between replicas.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(ctx context.Context, cfg *RedisCacheConfig) (*RedisCache, error) {
	if cfg == nil || cfg.Addr == "" {
		return nil, fmt.Errorf("redis cache requires an address")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return &RedisCache{
		client: client,
		ttl:    ttl,
		logger: slog.Default().With("component", "embedding-redis-cache"),
	}, nil
}

// Get fetches and decompresses a cached vector.
func (c *RedisCache) Get(ctx context.Context, model, text string) ([]float32, bool) {
	data, err := c.client.Get(ctx, cacheKey(model, text)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("redis get failed", "error", err)
		}
		return nil, false
	}
	vector, err := decompressVector(data)
	if err != nil {
		c.logger.Warn("failed to decode cached vector", "error", err)
		return nil, false
	}
	return vector, true
}

// Set compresses and stores a vector with the configured TTL.
func (c *RedisCache) Set(ctx context.Context, model, text string, vector []float32) {
	data, err := compressVector(vector)
	if err != nil {
		c.logger.Warn("failed to encode vector for cache", "error", err)
		return
	}
	if err := c.client.Set(ctx, cacheKey(model, text), data, c.ttl).Err(); err != nil {
		c.logger.Warn("redis set failed", "error", err)
	}
}

// Close releases the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// TieredCache checks a memory tier before Redis and backfills the memory
// tier on Redis hits.
type TieredCache struct {
	l1 *MemoryCache
	l2 *RedisCache
}

// NewTieredCache combines a memory LRU with a Redis tier. l2 may be nil.
func NewTieredCache(l1 *MemoryCache, l2 *RedisCache) *TieredCache {
	return &TieredCache{l1: l1, l2: l2}
}

// Get checks L1 then L2.
func (c *TieredCache) Get(ctx context.Context, model, text string) ([]float32, bool) {
	if vec, ok := c.l1.Get(ctx, model, text); ok {
		return vec, true
	}
	if c.l2 == nil {
		return nil, false
	}
	vec, ok := c.l2.Get(ctx, model, text)
	if ok {
		c.l1.Set(ctx, model, text, vec)
	}
	return vec, ok
}

// Set writes through both tiers.
func (c *TieredCache) Set(ctx context.Context, model, text string, vector []float32) {
	c.l1.Set(ctx, model, text, vector)
	if c.l2 != nil {
		c.l2.Set(ctx, model, text, vector)
	}
}

func compressVector(vector []float32) ([]byte, error) {
	raw, err := json.Marshal(vector)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressVector(data []byte) ([]float32, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gz.Close()
	raw, err := io.ReadAll(gz)
	if err != nil {
		return nil, err
	}
	var vector []float32
	if err := json.Unmarshal(raw, &vector); err != nil {
		return nil, err
	}
	return vector, nil
}
