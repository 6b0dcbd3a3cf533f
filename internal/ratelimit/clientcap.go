// Package ratelimit provides the two rate-limiting surfaces named in
// spec.md §6: a windowed per-client request-cap store (separate from the
// queue's in-flight users[ip] counter) and an HTTP-layer per-IP
// token-bucket limiter in front of the whole surface.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ClientCapStore tracks how many requests a client has submitted within
// the current window, mirroring the teacher's IncrementRPM shape
// (internal/store/redis.go) but windowed per spec.md's fixed-count limiter
// rather than per-minute RPM.
type ClientCapStore interface {
	Increment(ctx context.Context, ip string, window time.Duration) (int64, error)
}

// RedisClientCapStore is the production ClientCapStore.
type RedisClientCapStore struct {
	client *redis.Client
}

func NewRedisClientCapStore(addr, password string) *RedisClientCapStore {
	return &RedisClientCapStore{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password}),
	}
}

func (s *RedisClientCapStore) Increment(ctx context.Context, ip string, window time.Duration) (int64, error) {
	bucket := time.Now().Unix() / int64(window.Seconds())
	key := fmt.Sprintf("ratelimit:http:%s:%d", ip, bucket)
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		s.client.Expire(ctx, key, window+30*time.Second)
	}
	return count, nil
}

// InMemoryClientCapStore is the fallback used when no Redis address is
// configured, mirroring store.MockRateLimitStore's shape.
type InMemoryClientCapStore struct {
	mu      sync.Mutex
	buckets map[string]int64
}

func NewInMemoryClientCapStore() *InMemoryClientCapStore {
	return &InMemoryClientCapStore{buckets: make(map[string]int64)}
}

func (s *InMemoryClientCapStore) Increment(ctx context.Context, ip string, window time.Duration) (int64, error) {
	bucket := time.Now().Unix() / int64(window.Seconds())
	key := fmt.Sprintf("%s:%d", ip, bucket)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets[key]++
	return s.buckets[key], nil
}
