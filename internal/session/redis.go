package session

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists session keys in Redis so the agent and CLI can share
// the login produced by the app. Keys are namespaced under a fixed prefix.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to redis with short timeouts.
func NewRedisStore(addr string) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
	})
	return &RedisStore{client: client, prefix: "schoolsync:session:"}
}

// Client exposes the underlying connection for reuse (receipt queue, health).
func (r *RedisStore) Client() *redis.Client { return r.client }

// Healthy verifies redis connectivity.
func (r *RedisStore) Healthy(ctx context.Context) bool {
	if r == nil || r.client == nil {
		return false
	}
	return r.client.Ping(ctx).Err() == nil
}

// Get returns the stored value or ErrNotFound.
func (r *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, r.prefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", err
	}
	return val, nil
}

// Set stores a value without expiry; the token's own exp claim governs
// session lifetime.
func (r *RedisStore) Set(ctx context.Context, key, value string) error {
	return r.client.Set(ctx, r.prefix+key, value, 0).Err()
}

// Remove deletes a key.
func (r *RedisStore) Remove(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.prefix+key).Err()
}
