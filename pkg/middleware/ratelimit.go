package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig tunes the per-IP token bucket.
type RateLimiterConfig struct {
	// QPS is the sustained queries per second allowed per client IP.
	QPS int
	// Burst is the bucket capacity per client IP.
	Burst int
	// CleanupInterval is how often idle IP entries are swept.
	CleanupInterval time.Duration
	// IPTimeout is how long an idle IP entry is kept.
	IPTimeout time.Duration
}

// DefaultRateLimiterConfig returns production defaults.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		QPS:             10,
		Burst:           20,
		CleanupInterval: 10 * time.Minute,
		IPTimeout:       time.Hour,
	}
}

type ipLimiter struct {
	limiter *rate.Limiter
	// lastAccess is unix nanos; written by every request for the IP while
	// the cleanup goroutine reads it concurrently.
	lastAccess atomic.Int64
}

// RateLimiter rejects clients that exceed a per-IP token bucket. Idle
// entries are swept in the background to bound memory.
type RateLimiter struct {
	config   RateLimiterConfig
	limiters sync.Map // ip -> *ipLimiter
	logger   *slog.Logger
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewRateLimiter starts a rate limiter and its cleanup loop. Call Stop
// on shutdown.
func NewRateLimiter(config RateLimiterConfig, logger *slog.Logger) *RateLimiter {
	if config.QPS <= 0 {
		config.QPS = 10
	}
	if config.Burst <= 0 {
		config.Burst = config.QPS * 2
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 10 * time.Minute
	}
	if config.IPTimeout <= 0 {
		config.IPTimeout = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}

	rl := &RateLimiter{
		config: config,
		logger: logger.With(slog.String("component", "rate-limiter")),
		stopCh: make(chan struct{}),
	}
	rl.wg.Add(1)
	go rl.cleanupLoop()
	return rl
}

func (rl *RateLimiter) limiterFor(ip string) *rate.Limiter {
	now := time.Now().UnixNano()
	if existing, ok := rl.limiters.Load(ip); ok {
		entry := existing.(*ipLimiter)
		entry.lastAccess.Store(now)
		return entry.limiter
	}
	entry := &ipLimiter{
		limiter: rate.NewLimiter(rate.Limit(rl.config.QPS), rl.config.Burst),
	}
	entry.lastAccess.Store(now)
	if actual, loaded := rl.limiters.LoadOrStore(ip, entry); loaded {
		winner := actual.(*ipLimiter)
		winner.lastAccess.Store(now)
		return winner.limiter
	}
	return entry.limiter
}

// Middleware enforces the limit per client IP. Requests whose IP cannot
// be determined pass through.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if ip == "" {
			next.ServeHTTP(w, r)
			return
		}
		if !rl.limiterFor(ip).Allow() {
			rl.logger.Warn("rate limit exceeded",
				slog.String("client_ip", ip),
				slog.String("path", r.URL.Path),
			)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.config.QPS))
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) cleanupLoop() {
	defer rl.wg.Done()
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *RateLimiter) cleanup() {
	cutoff := time.Now().Add(-rl.config.IPTimeout).UnixNano()
	removed := 0
	rl.limiters.Range(func(key, value interface{}) bool {
		if value.(*ipLimiter).lastAccess.Load() < cutoff {
			rl.limiters.Delete(key)
			removed++
		}
		return true
	})
	if removed > 0 {
		rl.logger.Debug("swept idle rate limiter entries", slog.Int("removed", removed))
	}
}

// Stop terminates the cleanup loop.
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
	rl.wg.Wait()
}
