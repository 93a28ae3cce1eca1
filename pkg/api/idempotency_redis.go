package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisIdempotencyStore shares replayable responses between service
// instances. Entries expire through the Redis TTL.
type RedisIdempotencyStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisIdempotencyStore stores entries at <prefix>idem:<key>.
func NewRedisIdempotencyStore(client *redis.Client, prefix string, ttl time.Duration) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: slog.Default().With("component", "idempotency"),
	}
}

func (s *RedisIdempotencyStore) key(k string) string {
	return s.prefix + "idem:" + k
}

// Check treats Redis failures as a miss so the request is served normally.
func (s *RedisIdempotencyStore) Check(ctx context.Context, key string) (*CachedResponse, bool) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.WarnContext(ctx, "idempotency lookup failed", "error", err)
		}
		return nil, false
	}
	var resp CachedResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		s.logger.WarnContext(ctx, "discarding corrupt idempotency entry", "error", err)
		return nil, false
	}
	return &resp, true
}

func (s *RedisIdempotencyStore) Set(ctx context.Context, key string, resp *CachedResponse) {
	cp := *resp
	cp.CachedAt = time.Now().UTC()
	data, err := json.Marshal(&cp)
	if err != nil {
		s.logger.WarnContext(ctx, "encode idempotency entry", "error", err)
		return
	}
	// SetNX keeps the first response if two instances race.
	if err := s.client.SetNX(ctx, s.key(key), data, s.ttl).Err(); err != nil {
		s.logger.WarnContext(ctx, "store idempotency entry", "error", err)
	}
}
