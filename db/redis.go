package db

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// NewRedis constructs a redis client and verifies connectivity with a ping.
// The same client backs the source cache, the job queues, the provider token
// cache, and the processed-webhook set.
func NewRedis(ctx context.Context, addr, password string, dbNum int) (*redis.Client, error) {
	if addr == "" {
		return nil, fmt.Errorf("db: empty redis address")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       dbNum,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("db: redis ping: %w", err)
	}

	return client, nil
}
