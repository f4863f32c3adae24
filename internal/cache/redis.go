package cache

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// ConnectRedis initializes and returns a Redis client instance.
func ConnectRedis(addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := rdb.Ping(ctx).Result(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Printf("Connected to Redis at %s", addr)
	return rdb, nil
}

// DisconnectRedis closes the Redis client connection.
func DisconnectRedis(client *redis.Client) error {
	if client == nil {
		return nil
	}
	if err := client.Close(); err != nil {
		return fmt.Errorf("failed to close Redis connection: %w", err)
	}
	log.Println("Redis connection closed.")
	return nil
}

// IDeduper claims keys so that only the first caller processes a given event.
type IDeduper interface {
	// Claim returns true when the key was not claimed before. The claim expires after ttl.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release drops a claim so the event can be processed again, e.g. after a failure.
	Release(ctx context.Context, key string) error
}

// RedisDeduper implements IDeduper with SETNX.
type RedisDeduper struct {
	client redis.Cmdable
	prefix string
}

// NewRedisDeduper creates a deduper whose keys live under prefix.
func NewRedisDeduper(client redis.Cmdable, prefix string) *RedisDeduper {
	return &RedisDeduper{client: client, prefix: prefix}
}

func (d *RedisDeduper) key(k string) string {
	return d.prefix + ":" + k
}

// Claim implements IDeduper.
func (d *RedisDeduper) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.key(key), time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim dedupe key %s: %w", key, err)
	}
	return ok, nil
}

// Release implements IDeduper.
func (d *RedisDeduper) Release(ctx context.Context, key string) error {
	if err := d.client.Del(ctx, d.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to release dedupe key %s: %w", key, err)
	}
	return nil
}
