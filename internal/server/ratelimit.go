package server

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig bounds request throughput. GlobalRPS applies to every
// route; JoinLimit caps viewer joins per client address within JoinWindow.
// When Redis.Addr is set the join counters are shared through Redis.
type RateLimitConfig struct {
	GlobalRPS   float64
	GlobalBurst int
	JoinLimit   int
	JoinWindow  time.Duration
	Redis       RedisConfig
}

// RedisConfig locates the shared rate limit store.
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	Timeout  time.Duration
	TLS      RedisTLSConfig
}

type rateLimiter struct {
	global      *tokenBucket
	joinLimit   int
	joinWindow  time.Duration
	joinMu      sync.Mutex
	joinBuckets map[string]*ipLimiter
	store       tokenStore
}

type ipLimiter struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

type tokenStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

func newRateLimiter(cfg RateLimitConfig) (*rateLimiter, error) {
	rl := &rateLimiter{
		joinLimit:   cfg.JoinLimit,
		joinWindow:  cfg.JoinWindow,
		joinBuckets: make(map[string]*ipLimiter),
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = newTokenBucket(cfg.GlobalRPS, burst)
	}
	if rl.joinLimit < 0 {
		rl.joinLimit = 0
	}
	if rl.joinWindow <= 0 {
		rl.joinWindow = time.Minute
	}
	if strings.TrimSpace(cfg.Redis.Addr) != "" && rl.joinLimit > 0 {
		store, err := newRedisStore(redisStoreConfig{
			Addr:     cfg.Redis.Addr,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			Timeout:  cfg.Redis.Timeout,
			TLS:      cfg.Redis.TLS,
		})
		if err != nil {
			return nil, err
		}
		rl.store = store
	}
	return rl, nil
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

// AllowJoin reports whether the client at key may join another stream.
func (r *rateLimiter) AllowJoin(ctx context.Context, key string) (bool, time.Duration, error) {
	if r == nil || r.joinLimit <= 0 {
		return true, 0, nil
	}
	if key == "" {
		key = "unknown"
	}
	if r.store != nil {
		return r.store.Allow(ctx, fmt.Sprintf("bbb-controller:join:%s", key), r.joinLimit, r.joinWindow)
	}
	r.joinMu.Lock()
	bucket, exists := r.joinBuckets[key]
	if !exists {
		rate := float64(r.joinLimit) / r.joinWindow.Seconds()
		bucket = &ipLimiter{bucket: newTokenBucket(rate, r.joinLimit)}
		r.joinBuckets[key] = bucket
	}
	bucket.lastSeen = time.Now()
	r.cleanupLocked()
	r.joinMu.Unlock()

	if bucket.bucket.Allow() {
		return true, 0, nil
	}
	return false, time.Second, nil
}

func (r *rateLimiter) Close(ctx context.Context) error {
	if r == nil || r.store == nil {
		return nil
	}
	return r.store.Close(ctx)
}

func (r *rateLimiter) cleanupLocked() {
	if len(r.joinBuckets) == 0 {
		return
	}
	cutoff := time.Now().Add(-2 * r.joinWindow)
	for key, bucket := range r.joinBuckets {
		if bucket.lastSeen.Before(cutoff) {
			delete(r.joinBuckets, key)
		}
	}
}

type tokenBucket struct {
	mu        sync.Mutex
	rate      float64
	capacity  float64
	tokens    float64
	lastCheck time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	now := time.Now()
	return &tokenBucket{
		rate:      rate,
		capacity:  float64(burst),
		tokens:    float64(burst),
		lastCheck: now,
	}
}

func (tb *tokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(tb.lastCheck).Seconds()
	tb.lastCheck = now
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	if tb.tokens < 1 {
		return false
	}
	tb.tokens -= 1
	return true
}
