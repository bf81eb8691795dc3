package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used in tests and single-node dev runs.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]memoryItem
	nowFn func() time.Time
}

type memoryItem struct {
	data      []byte
	counter   int64
	isCounter bool
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]memoryItem), nowFn: time.Now}
}

// SetNow overrides the clock, for window-boundary tests.
func (s *MemoryStore) SetNow(fn func() time.Time) {
	s.mu.Lock()
	s.nowFn = fn
	s.mu.Unlock()
}

func (s *MemoryStore) get(key string) (memoryItem, bool) {
	item, ok := s.items[key]
	if !ok {
		return memoryItem{}, false
	}
	if !item.expiresAt.IsZero() && !s.nowFn().Before(item.expiresAt) {
		delete(s.items, key)
		return memoryItem{}, false
	}
	return item, true
}

func (s *MemoryStore) Get(_ context.Context, key string, dest any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.get(key)
	if !ok {
		return ErrCacheMiss
	}
	if strPtr, ok := dest.(*string); ok {
		*strPtr = string(item.data)
		return nil
	}
	return json.Unmarshal(item.data, dest)
}

func (s *MemoryStore) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	data, err := encode(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.items[key] = memoryItem{data: data, expiresAt: s.expiry(ttl)}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) SetNX(_ context.Context, key string, value any, ttl time.Duration) (bool, error) {
	data, err := encode(value)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.get(key); ok {
		return false, nil
	}
	s.items[key] = memoryItem{data: data, expiresAt: s.expiry(ttl)}
	return true, nil
}

func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	for _, k := range keys {
		delete(s.items, k)
	}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) IncrBy(_ context.Context, key string, n int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, _ := s.get(key)
	item.counter += n
	item.isCounter = true
	item.data = []byte{}
	s.items[key] = item
	return item.counter, nil
}

func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.get(key)
	if !ok {
		return nil
	}
	item.expiresAt = s.expiry(ttl)
	s.items[key] = item
	return nil
}

func (s *MemoryStore) TTL(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.get(key)
	if !ok || item.expiresAt.IsZero() {
		return -1, nil
	}
	return item.expiresAt.Sub(s.nowFn()), nil
}

func (s *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.nowFn().Add(ttl)
}
