package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on a shared Redis instance. All orchestrator and
// scheduler replicas point at the same keyspace, which is what makes the cache
// and rate-limit state global rather than per-process.
type RedisStore struct {
	client *redis.Client
	prefix string
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

func NewRedisStore(opts RedisOptions) (*RedisStore, error) {
	if opts.Addr == "" {
		opts.Addr = "localhost:6379"
	}
	if opts.Prefix == "" {
		opts.Prefix = "tradevane"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{client: client, prefix: opts.Prefix}, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) wrap(key string) string {
	return s.prefix + ":" + key
}

func (s *RedisStore) Get(ctx context.Context, key string, dest any) error {
	data, err := s.client.Get(ctx, s.wrap(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrCacheMiss
		}
		return err
	}
	if strPtr, ok := dest.(*string); ok {
		*strPtr = string(data)
		return nil
	}
	return json.Unmarshal(data, dest)
}

func (s *RedisStore) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := encode(value)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.wrap(key), data, ttl).Err()
}

func (s *RedisStore) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	data, err := encode(value)
	if err != nil {
		return false, err
	}
	return s.client.SetNX(ctx, s.wrap(key), data, ttl).Result()
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	wrapped := make([]string, len(keys))
	for i, k := range keys {
		wrapped[i] = s.wrap(k)
	}
	return s.client.Unlink(ctx, wrapped...).Err()
}

func (s *RedisStore) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	return s.client.IncrBy(ctx, s.wrap(key), n).Result()
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, s.wrap(key), ttl).Err()
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	return s.client.TTL(ctx, s.wrap(key)).Result()
}

func encode(value any) ([]byte, error) {
	switch v := value.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	default:
		return json.Marshal(value)
	}
}
