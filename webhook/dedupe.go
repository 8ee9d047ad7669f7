package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// dedupeTTL bounds how long processed event IDs are remembered. Providers
// redeliver within hours, not days.
const dedupeTTL = 24 * time.Hour

// Deduper answers whether an event ID is being seen for the first time.
// Release drops a claim so the provider's retry of a failed delivery is not
// mistaken for a replay.
type Deduper interface {
	FirstSeen(ctx context.Context, eventID string) (bool, error)
	Release(ctx context.Context, eventID string) error
}

// RedisDeduper claims event IDs with SET NX so replays and concurrent
// redeliveries across processes collapse to a single handling.
type RedisDeduper struct {
	client *redis.Client
}

func NewRedisDeduper(client *redis.Client) *RedisDeduper {
	return &RedisDeduper{client: client}
}

func (d *RedisDeduper) FirstSeen(ctx context.Context, eventID string) (bool, error) {
	ok, err := d.client.SetNX(ctx, "webhook:event:"+eventID, 1, dedupeTTL).Result()
	if err != nil {
		return false, fmt.Errorf("webhook: dedupe: %w", err)
	}
	return ok, nil
}

func (d *RedisDeduper) Release(ctx context.Context, eventID string) error {
	if err := d.client.Del(ctx, "webhook:event:"+eventID).Err(); err != nil {
		return fmt.Errorf("webhook: dedupe release: %w", err)
	}
	return nil
}
