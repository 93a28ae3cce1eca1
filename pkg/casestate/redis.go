package casestate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces the keys written by RedisStore.
const DefaultRedisPrefix = "chronicle:"

const scanBatch = 256

// RedisStore keeps each state as a JSON string at <prefix>case:<case_id>.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a store backed by Redis.
func NewRedisStore(addr, password string, db int, prefix string) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisStoreWithClient(rdb, prefix)
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Client exposes the underlying connection for other Redis users in the
// same process.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) key(caseID string) string {
	return s.prefix + "case:" + caseID
}

func (s *RedisStore) Get(ctx context.Context, caseID string) (*State, error) {
	data, err := s.client.Get(ctx, s.key(caseID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, caseID)
	}
	if err != nil {
		return nil, fmt.Errorf("casestate: redis get: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("casestate: decode state: %w", err)
	}
	return &st, nil
}

func (s *RedisStore) Put(ctx context.Context, st *State) error {
	if st == nil || st.CaseID == "" {
		return fmt.Errorf("casestate: case id is required")
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("casestate: encode state: %w", err)
	}
	if err := s.client.Set(ctx, s.key(st.CaseID), data, 0).Err(); err != nil {
		return fmt.Errorf("casestate: redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) KeysByPrefix(ctx context.Context, prefix string) ([]string, error) {
	base := s.key("")
	match := base + escapeGlob(prefix) + "*"

	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, match, scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("casestate: redis scan: %w", err)
		}
		for _, k := range batch {
			keys = append(keys, strings.TrimPrefix(k, base))
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return sortedKeys(dedupe(keys)), nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// escapeGlob quotes the pattern characters understood by SCAN MATCH.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// dedupe drops repeats; SCAN may return a key more than once.
func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
