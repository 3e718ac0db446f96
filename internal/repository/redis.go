package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"ledgercal/internal/config"
)

// NewRedisClient builds a redis client from configuration.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	options := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}
	return redis.NewClient(options)
}

// Ping verifies the redis connection.
func Ping(ctx context.Context, client *redis.Client) error {
	if _, err := client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close closes the redis connection.
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}

// Deduper tracks already-seen webhook message ids so notification
// redeliveries do not multiply queue jobs.
type Deduper struct {
	client *redis.Client
	ttl    time.Duration
}

func NewDeduper(client *redis.Client, ttl time.Duration) *Deduper {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Deduper{client: client, ttl: ttl}
}

// Seen marks the key and reports whether it was already present. Without
// redis every notification counts as new, which is safe: job processing is
// idempotent.
func (d *Deduper) Seen(ctx context.Context, key string) (bool, error) {
	if d == nil || d.client == nil {
		return false, nil
	}
	set, err := d.client.SetNX(ctx, "webhook_seen:"+key, 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check webhook dedupe key: %w", err)
	}
	return !set, nil
}
