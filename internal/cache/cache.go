package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrCacheMiss is returned by Get when the key is absent or expired.
var ErrCacheMiss = errors.New("cache: miss")

// Store is the shared key-value cache used to memoize analysis stages and
// hold OAuth state nonces. Implementations must be safe for concurrent use
// and provide atomic Incr/SetNX semantics (the rate limiter and the OAuth
// state store depend on them).
type Store interface {
	Get(ctx context.Context, key string, dest any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	IncrBy(ctx context.Context, key string, n int64) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// Fingerprint returns a short content hash of v, used as the stable part of
// stage cache keys. Identical normalized params always map to the same key.
func Fingerprint(v any) string {
	data, _ := json.Marshal(v)
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum[:16])
}

// StageKey builds the cache key for one analysis stage invocation.
func StageKey(stage, instrument, date, paramHash string) string {
	return fmt.Sprintf("analysis:%s:%s:%s:%s", stage, instrument, date, paramHash)
}
