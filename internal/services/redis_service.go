package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisService wraps the shared Redis connection used by the distributed
// rate limiter. It is optional: when REDIS_URL is unset the service is nil
// and callers fall back to in-memory behavior.
type RedisService struct {
	client *redis.Client
}

// NewRedisService connects to Redis using a redis:// URL.
func NewRedisService(redisURL string) (*RedisService, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	log.Println("✅ [REDIS] Connected")
	return &RedisService{client: client}, nil
}

// Client exposes the underlying redis client.
func (s *RedisService) Client() *redis.Client {
	return s.client
}

// Close releases the connection pool.
func (s *RedisService) Close() error {
	return s.client.Close()
}

// RedisSlidingWindowLimiter is a sliding-window limiter backed by a Redis
// sorted set per key, so admission is shared across replicas. Scores and
// members are request timestamps in unix milliseconds.
type RedisSlidingWindowLimiter struct {
	client      *redis.Client
	maxRequests int
	window      time.Duration
	now         func() time.Time
}

// NewRedisSlidingWindowLimiter creates a Redis-backed limiter with the same
// admission semantics as SlidingWindowLimiter.
func NewRedisSlidingWindowLimiter(client *redis.Client, maxRequests int, window time.Duration) *RedisSlidingWindowLimiter {
	return &RedisSlidingWindowLimiter{
		client:      client,
		maxRequests: maxRequests,
		window:      window,
		now:         time.Now,
	}
}

// Check trims expired entries, counts the live window, and admits the
// request if there is capacity. If Redis is unreachable the request is
// allowed: rate limiting must not take the chat service down with it.
func (l *RedisSlidingWindowLimiter) Check(key string) (bool, int) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	now := l.now()
	redisKey := fmt.Sprintf("chat:ratelimit:%s", key)
	cutoff := now.Add(-l.window).UnixMilli()

	if err := l.client.ZRemRangeByScore(ctx, redisKey, "0", fmt.Sprintf("%d", cutoff)).Err(); err != nil {
		log.Printf("⚠️ [RATE-LIMIT] Redis trim failed, allowing request: %v", err)
		return true, 0
	}

	count, err := l.client.ZCard(ctx, redisKey).Result()
	if err != nil {
		log.Printf("⚠️ [RATE-LIMIT] Redis count failed, allowing request: %v", err)
		return true, 0
	}

	if int(count) >= l.maxRequests {
		oldest, err := l.client.ZRangeWithScores(ctx, redisKey, 0, 0).Result()
		if err != nil || len(oldest) == 0 {
			return false, 1
		}
		elapsed := time.Duration(now.UnixMilli()-int64(oldest[0].Score)) * time.Millisecond
		remaining := l.window - elapsed
		retryAfter := int(remaining.Seconds())
		if remaining > time.Duration(retryAfter)*time.Second {
			retryAfter++
		}
		retryAfter++
		if retryAfter < 1 {
			retryAfter = 1
		}
		return false, retryAfter
	}

	pipe := l.client.Pipeline()
	// Nanosecond member keeps same-millisecond requests distinct in the set.
	pipe.ZAdd(ctx, redisKey, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: now.UnixNano(),
	})
	pipe.Expire(ctx, redisKey, l.window+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("⚠️ [RATE-LIMIT] Redis record failed, allowing request: %v", err)
	}

	return true, 0
}
