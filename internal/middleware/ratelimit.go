package middleware

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RateLimitStore decides whether key may make another request.
type RateLimitStore interface {
	// Take returns (remaining, resetTime, allowed).
	Take(ctx context.Context, key string, rate float64, burst int) (int, time.Time, bool, error)
}

type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
	SkipOnError       bool
}

// RateLimiter limits requests per owner, or per client IP when the request
// is not authenticated.
type RateLimiter struct {
	cfg   RateLimitConfig
	store RateLimitStore
}

// NewRateLimiter uses store, or an in-memory token bucket when store is nil.
func NewRateLimiter(cfg RateLimitConfig, store RateLimitStore) *RateLimiter {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if store == nil {
		store = NewInMemoryRateStore()
	}
	return &RateLimiter{cfg: cfg, store: store}
}

func (r *RateLimiter) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if r.cfg.RequestsPerSecond <= 0 {
			c.Next()
			return
		}

		remaining, resetTime, allowed, err := r.store.Take(c.Request.Context(), r.key(c), r.cfg.RequestsPerSecond, r.cfg.Burst)
		if err != nil {
			log.Warn().Err(err).Msg("rate limit store failed")
			if r.cfg.SkipOnError {
				c.Next()
				return
			}
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":   "rate_limit_unavailable",
				"message": "rate limiter unavailable",
			})
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(r.cfg.Burst))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", resetTime.Format(time.RFC3339))

		if !allowed {
			retryAfter := time.Until(resetTime)
			c.Header("Retry-After", strconv.Itoa(int(retryAfter.Seconds()+0.999)))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "too many requests, please retry later",
				"code":        "RATE_LIMIT_EXCEEDED",
				"retry_after": retryAfter.Seconds(),
			})
			return
		}

		c.Next()
	}
}

func (r *RateLimiter) key(c *gin.Context) string {
	if owner, ok := GetOwner(c); ok && owner != "" {
		return "owner:" + owner
	}
	return "ip:" + c.ClientIP()
}

// InMemoryRateStore is a per-process token bucket store.
type InMemoryRateStore struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
}

func NewInMemoryRateStore() *InMemoryRateStore {
	return &InMemoryRateStore{buckets: make(map[string]*tokenBucket)}
}

func (s *InMemoryRateStore) Take(_ context.Context, key string, rate float64, burst int) (int, time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	b, ok := s.buckets[key]
	if !ok {
		b = &tokenBucket{tokens: float64(burst), lastRefill: now}
		s.buckets[key] = b
	}

	b.tokens += now.Sub(b.lastRefill).Seconds() * rate
	if b.tokens > float64(burst) {
		b.tokens = float64(burst)
	}
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return int(b.tokens), now.Add(time.Second), true, nil
	}
	wait := time.Duration((1 - b.tokens) / rate * float64(time.Second))
	return 0, now.Add(wait), false, nil
}

// RedisRateStore shares a fixed one-second window across instances. A key
// may make burst requests per window.
type RedisRateStore struct {
	client *redis.Client
	prefix string
}

func NewRedisRateStore(client *redis.Client) *RedisRateStore {
	return &RedisRateStore{client: client, prefix: "ratelimit:"}
}

func (s *RedisRateStore) Take(ctx context.Context, key string, _ float64, burst int) (int, time.Time, bool, error) {
	now := time.Now()
	window := now.Truncate(time.Second)
	redisKey := s.prefix + key + ":" + strconv.FormatInt(window.Unix(), 10)

	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, 2*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, time.Time{}, false, err
	}

	count := int(incr.Val())
	reset := window.Add(time.Second)
	if count > burst {
		return 0, reset, false, nil
	}
	return burst - count, reset, true, nil
}
