package tenant

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// RateLimit configures a tenant's token bucket.
type RateLimit struct {
	RequestsPerSecond float64
	BurstSize         int
}

// rateLimiters holds one x/time/rate bucket per configured tenant.
type rateLimiters struct {
	mu      sync.Mutex
	configs map[string]RateLimit
	buckets map[string]*rate.Limiter
}

func newRateLimiters() *rateLimiters {
	return &rateLimiters{
		configs: map[string]RateLimit{},
		buckets: map[string]*rate.Limiter{},
	}
}

func (r *rateLimiters) set(tenantID string, limit RateLimit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[tenantID] = limit
	r.buckets[tenantID] = rate.NewLimiter(rate.Limit(limit.RequestsPerSecond), limit.BurstSize)
}

func (r *rateLimiters) get(tenantID string) (RateLimit, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	limit, ok := r.configs[tenantID]
	return limit, ok
}

func (r *rateLimiters) allow(tenantID string) bool {
	r.mu.Lock()
	b, ok := r.buckets[tenantID]
	r.mu.Unlock()
	if !ok {
		return true
	}
	return b.Allow()
}

// RedisLimiter coordinates admission across runtime replicas with a
// fixed-window counter per tenant and second. Each replica's admission
// increments the shared counter; the window expires on its own so a
// crashed replica leaves no debris.
type RedisLimiter struct {
	rdb *redis.Client
	now func() time.Time
}

// NewRedisLimiter wraps an existing Redis client.
func NewRedisLimiter(rdb *redis.Client) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, now: time.Now}
}

// Allow implements SharedLimiter.
func (l *RedisLimiter) Allow(ctx context.Context, tenantID string, limit RateLimit) (bool, error) {
	window := l.now().Unix()
	key := fmt.Sprintf("cb:ratelimit:%s:%d", tenantID, window)
	pipe := l.rdb.TxPipeline()
	count := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 2*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	max := int64(limit.RequestsPerSecond) + int64(limit.BurstSize)
	return count.Val() <= max, nil
}
