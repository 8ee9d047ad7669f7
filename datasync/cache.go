// Package datasync is the read-through cache over the external data feeds
// that drive dynamic agreement fields.
package datasync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"docuflow/template"
)

var (
	// ErrSourceUnavailable signals a failed fetch with no usable fallback.
	ErrSourceUnavailable = errors.New("datasync: source unavailable")
	// ErrCacheMiss is returned by KV implementations for absent keys.
	ErrCacheMiss = errors.New("datasync: cache miss")
)

// KV abstracts the redis string commands the cache needs. A ttl of zero
// stores the value without expiry.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
}

// RedisKV implements KV on a go-redis client.
type RedisKV struct {
	client *redis.Client
}

func NewRedisKV(client *redis.Client) *RedisKV {
	return &RedisKV{client: client}
}

func (r *RedisKV) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrCacheMiss
	}
	if err != nil {
		return "", fmt.Errorf("datasync: redis get: %w", err)
	}
	return val, nil
}

func (r *RedisKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("datasync: redis set: %w", err)
	}
	return nil
}

// Fetcher pulls one payload from an external feed.
type Fetcher interface {
	Fetch(ctx context.Context, sourceID string) (map[string]any, error)
}

// Sync serves feed payloads cache-first. Freshness windows and failure
// policy diverge by kind: device telemetry degrades to the last known
// payload even past its window, while price and weather data must never be
// silently substituted with stale values.
type Sync struct {
	kv       KV
	fetchers map[template.SourceKind]Fetcher
	ttls     map[template.SourceKind]time.Duration
	group    singleflight.Group
	logger   *slog.Logger
}

// TTLs bundles the per-kind freshness windows.
type TTLs struct {
	Price   time.Duration
	IoT     time.Duration
	Weather time.Duration
}

// DefaultTTLs mirrors the feed characteristics: quotes hold for five
// minutes, device state for one, weather for thirty.
func DefaultTTLs() TTLs {
	return TTLs{Price: 5 * time.Minute, IoT: time.Minute, Weather: 30 * time.Minute}
}

func New(kv KV, fetchers map[template.SourceKind]Fetcher, ttls TTLs, logger *slog.Logger) *Sync {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sync{
		kv:       kv,
		fetchers: fetchers,
		ttls: map[template.SourceKind]time.Duration{
			template.KindPrice:   ttls.Price,
			template.KindIoT:     ttls.IoT,
			template.KindWeather: ttls.Weather,
		},
		logger: logger,
	}
}

// Get returns the payload for (kind, sourceID), fetching on a miss.
// Concurrent misses for the same key collapse into a single outbound fetch.
func (s *Sync) Get(ctx context.Context, kind template.SourceKind, sourceID string) (map[string]any, error) {
	key := cacheKey(kind, sourceID)

	cached, err := s.kv.Get(ctx, key)
	if err == nil {
		return decodePayload(cached)
	}
	if !errors.Is(err, ErrCacheMiss) {
		return nil, err
	}

	result, err, _ := s.group.Do(key, func() (any, error) {
		// Re-check: another flight may have filled the key while this
		// caller waited.
		if cached, err := s.kv.Get(ctx, key); err == nil {
			return decodePayload(cached)
		}
		return s.fetch(ctx, kind, sourceID, key)
	})
	if err != nil {
		return nil, err
	}
	return result.(map[string]any), nil
}

func (s *Sync) fetch(ctx context.Context, kind template.SourceKind, sourceID, key string) (map[string]any, error) {
	fetcher, ok := s.fetchers[kind]
	if !ok {
		return nil, fmt.Errorf("datasync: no fetcher for kind %q", kind)
	}

	data, err := fetcher.Fetch(ctx, sourceID)
	if err != nil {
		if kind == template.KindIoT {
			if stale, serr := s.kv.Get(ctx, staleKey(key)); serr == nil {
				s.logger.Warn("device fetch failed, serving last known state", "source", sourceID, "error", err)
				return decodePayload(stale)
			}
		}
		return nil, fmt.Errorf("%w: %s %s: %v", ErrSourceUnavailable, kind, sourceID, err)
	}

	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("datasync: encode payload: %w", err)
	}
	if err := s.kv.Set(ctx, key, string(encoded), s.ttls[kind]); err != nil {
		s.logger.Warn("cache write failed", "key", key, "error", err)
	}
	if kind == template.KindIoT {
		// Unexpiring shadow copy backs the stale-fallback path.
		if err := s.kv.Set(ctx, staleKey(key), string(encoded), 0); err != nil {
			s.logger.Warn("stale copy write failed", "key", key, "error", err)
		}
	}

	return data, nil
}

func cacheKey(kind template.SourceKind, sourceID string) string {
	return string(kind) + ":" + sourceID
}

func staleKey(key string) string {
	return "stale:" + key
}

func decodePayload(raw string) (map[string]any, error) {
	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("datasync: decode cached payload: %w", err)
	}
	return data, nil
}
