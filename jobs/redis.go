package jobs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores each queue as a waiting list, a delayed sorted set
// scored by due time, and a failed list.
type RedisBackend struct {
	client *redis.Client
}

func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func waitingKey(queue string) string { return "queue:" + queue + ":waiting" }
func activeKey(queue string) string  { return "queue:" + queue + ":active" }
func delayedKey(queue string) string { return "queue:" + queue + ":delayed" }
func failedKey(queue string) string  { return "queue:" + queue + ":failed" }

func (b *RedisBackend) PushWaiting(ctx context.Context, queue string, data []byte) error {
	if err := b.client.LPush(ctx, waitingKey(queue), data).Err(); err != nil {
		return fmt.Errorf("jobs: push waiting: %w", err)
	}
	return nil
}

func (b *RedisBackend) PopWaiting(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	res, err := b.client.BRPopLPush(ctx, waitingKey(queue), activeKey(queue), timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("jobs: pop waiting: %w", err)
	}
	return []byte(res), nil
}

func (b *RedisBackend) Ack(ctx context.Context, queue string, data []byte) error {
	if err := b.client.LRem(ctx, activeKey(queue), 1, data).Err(); err != nil {
		return fmt.Errorf("jobs: ack: %w", err)
	}
	return nil
}

func (b *RedisBackend) RequeueActive(ctx context.Context, queue string) (int, error) {
	moved := 0
	for {
		err := b.client.RPopLPush(ctx, activeKey(queue), waitingKey(queue)).Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("jobs: requeue active: %w", err)
		}
		moved++
	}
}

func (b *RedisBackend) PushDelayed(ctx context.Context, queue string, data []byte, due time.Time) error {
	member := redis.Z{Score: float64(due.UnixMilli()), Member: data}
	if err := b.client.ZAdd(ctx, delayedKey(queue), member).Err(); err != nil {
		return fmt.Errorf("jobs: push delayed: %w", err)
	}
	return nil
}

func (b *RedisBackend) PromoteDue(ctx context.Context, queue string, now time.Time) (int, error) {
	max := strconv.FormatInt(now.UnixMilli(), 10)
	due, err := b.client.ZRangeByScore(ctx, delayedKey(queue), &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil {
		return 0, fmt.Errorf("jobs: read due jobs: %w", err)
	}

	promoted := 0
	for _, member := range due {
		// ZREM guards against a concurrent promoter: only the remover
		// re-enqueues.
		removed, err := b.client.ZRem(ctx, delayedKey(queue), member).Result()
		if err != nil {
			return promoted, fmt.Errorf("jobs: remove due job: %w", err)
		}
		if removed == 0 {
			continue
		}
		if err := b.client.LPush(ctx, waitingKey(queue), member).Err(); err != nil {
			return promoted, fmt.Errorf("jobs: promote job: %w", err)
		}
		promoted++
	}
	return promoted, nil
}

func (b *RedisBackend) PushFailed(ctx context.Context, queue string, data []byte) error {
	if err := b.client.LPush(ctx, failedKey(queue), data).Err(); err != nil {
		return fmt.Errorf("jobs: push failed: %w", err)
	}
	return nil
}

func (b *RedisBackend) Counts(ctx context.Context, queue string) (Counts, error) {
	pipe := b.client.Pipeline()
	waiting := pipe.LLen(ctx, waitingKey(queue))
	active := pipe.LLen(ctx, activeKey(queue))
	delayed := pipe.ZCard(ctx, delayedKey(queue))
	failed := pipe.LLen(ctx, failedKey(queue))
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, fmt.Errorf("jobs: counts: %w", err)
	}
	return Counts{
		Waiting: waiting.Val(),
		Active:  active.Val(),
		Delayed: delayed.Val(),
		Failed:  failed.Val(),
	}, nil
}

func (b *RedisBackend) FailedJobs(ctx context.Context, queue string, limit int64) ([][]byte, error) {
	if limit <= 0 {
		limit = 50
	}
	raw, err := b.client.LRange(ctx, failedKey(queue), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("jobs: failed jobs: %w", err)
	}
	out := make([][]byte, len(raw))
	for i, item := range raw {
		out[i] = []byte(item)
	}
	return out, nil
}
