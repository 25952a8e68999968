package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitConfig configures the Redis-backed fixed-window limiter.
type RateLimitConfig struct {
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	IncludeHeaders    bool `yaml:"include_headers"`
}

// RateLimiter throttles API clients with a per-minute fixed window kept in
// Redis. Redis failures fail open: an unreachable limiter never takes the
// API down with it.
type RateLimiter struct {
	rdb    *redis.Client
	cfg    RateLimitConfig
	logger *zap.Logger
	script *redis.Script
}

// NewRateLimiter creates a rate limiter on the given Redis client.
func NewRateLimiter(rdb *redis.Client, cfg RateLimitConfig, logger *zap.Logger) *RateLimiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 300
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		rdb:    rdb,
		cfg:    cfg,
		logger: logger,
		script: redis.NewScript(`
			local current = redis.call('INCR', KEYS[1])
			if current == 1 then
				redis.call('PEXPIRE', KEYS[1], ARGV[1])
			end
			return current
		`),
	}
}

// Middleware returns an HTTP middleware enforcing the limit per client IP.
func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := fmt.Sprintf("intelforge:ratelimit:%s:minute", clientIP(r))

			count, err := rl.script.Run(r.Context(), rl.rdb, []string{key}, 60000).Int()
			if err != nil {
				rl.logger.Warn("rate limit check failed, allowing request", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			remaining := rl.cfg.RequestsPerMinute - count
			if remaining < 0 {
				remaining = 0
			}
			if rl.cfg.IncludeHeaders {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.cfg.RequestsPerMinute))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			}

			if count > rl.cfg.RequestsPerMinute {
				ttl, _ := rl.rdb.TTL(r.Context(), key).Result()
				if ttl <= 0 {
					ttl = time.Minute
				}
				w.Header().Set("Retry-After", strconv.Itoa(int(ttl.Seconds())))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprintf(w, `{"error":"rate_limit_exceeded","retry_after":%d}`, int(ttl.Seconds()))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
