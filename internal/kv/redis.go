package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Store backed by a shared Redis instance, for deployments
// running more than one verifier/registry process against the same
// nonce and JWKS caches.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis dials url (a redis:// or rediss:// connection string) and
// verifies connectivity before returning.
func NewRedis(url, keyPrefix string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("kv: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("kv: connect to redis: %w", err)
	}

	if keyPrefix == "" {
		keyPrefix = "openbotauth"
	}
	return &Redis{client: client, prefix: keyPrefix}, nil
}

func (r *Redis) key(k string) string {
	return r.prefix + ":" + k
}

// SetNX uses Redis's native SETNX-with-expiry (SET key value NX EX ttl),
// which is atomic server-side — no Lua script needed for this primitive.
func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key(key), value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("kv: setnx: %w", err)
	}
	return ok, nil
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, r.key(key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv: get: %w", err)
	}
	return v, true, nil
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("kv: set: %w", err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("kv: delete: %w", err)
	}
	return nil
}

// Clear scans for and deletes every key under prefix, in batches, using
// SCAN rather than KEYS so it doesn't block the server on a large
// keyspace.
func (r *Redis) Clear(ctx context.Context, prefix string) error {
	pattern := r.key(prefix) + "*"
	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 100 {
			if err := r.client.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("kv: clear batch: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("kv: scan: %w", err)
	}
	if len(batch) > 0 {
		if err := r.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("kv: clear batch: %w", err)
		}
	}
	return nil
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}
