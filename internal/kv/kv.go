// Package kv provides the small get/put counter store backing the rate
// limiter, trial limiter and sticky provider tracker. Operations are
// independent writes with TTLs, so concurrent access needs no coordination
// beyond what the backend gives us.
package kv

import (
	"context"
	"sync"
	"time"
)

// Store is the KV surface the gateway needs: single get, batched multi-get,
// and put with expiry.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	GetMulti(ctx context.Context, keys ...string) (map[string]string, error)
	Put(ctx context.Context, key, value string, ttl time.Duration) error
}

// InMemoryStore implements Store for single-instance deployments and tests.
type InMemoryStore struct {
	mu    sync.Mutex
	items map[string]memItem
}

type memItem struct {
	value     string
	expiresAt time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{items: make(map[string]memItem)}
}

func (s *InMemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[key]
	if !ok || time.Now().After(item.expiresAt) {
		return "", false, nil
	}
	return item.value, true, nil
}

func (s *InMemoryStore) GetMulti(ctx context.Context, keys ...string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	result := make(map[string]string, len(keys))
	for _, key := range keys {
		if item, ok := s.items[key]; ok && now.Before(item.expiresAt) {
			result[key] = item.value
		}
	}
	return result, nil
}

func (s *InMemoryStore) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items[key] = memItem{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}
