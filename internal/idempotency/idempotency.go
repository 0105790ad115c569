// Package idempotency stores checkout idempotency keys.
//
// A key is claimed with Lock before a checkout runs, mapped to the
// resulting checkout id with Remember once it commits and released with
// Unlock when it fails. Keys expire after the configured TTL.
package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xenking/kart-checkout/internal/domain/checkout"
)

func lockKey(scope, key string) string { return "idemp:" + scope + ":" + key }
func mapKey(scope, key string) string  { return "idemp:map:" + scope + ":" + key }

// RedisStore keeps keys in Redis so that they are shared by every API
// instance.
type RedisStore struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

var _ checkout.KeyStore = (*RedisStore)(nil)

// NewRedisStore creates a RedisStore.
func NewRedisStore(rdb redis.UniversalClient, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

// Lock implements checkout.KeyStore.
func (s *RedisStore) Lock(ctx context.Context, scope, key string) (bool, error) {
	return s.rdb.SetNX(ctx, lockKey(scope, key), "1", s.ttl).Result()
}

// Remember implements checkout.KeyStore.
func (s *RedisStore) Remember(ctx context.Context, scope, key, checkoutID string) error {
	return s.rdb.Set(ctx, mapKey(scope, key), checkoutID, s.ttl).Err()
}

// Recall implements checkout.KeyStore.
func (s *RedisStore) Recall(ctx context.Context, scope, key string) (string, bool, error) {
	val, err := s.rdb.Get(ctx, mapKey(scope, key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Unlock implements checkout.KeyStore.
func (s *RedisStore) Unlock(ctx context.Context, scope, key string) error {
	return s.rdb.Del(ctx, lockKey(scope, key)).Err()
}

type entry struct {
	value     string
	expiresAt time.Time
}

// MemoryStore is a process-local KeyStore for single instance deployments
// and tests.
type MemoryStore struct {
	mu     sync.Mutex
	ttl    time.Duration
	locks  map[string]time.Time
	values map[string]entry
	now    func() time.Time
}

var _ checkout.KeyStore = (*MemoryStore)(nil)

// NewMemoryStore creates a MemoryStore.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:    ttl,
		locks:  make(map[string]time.Time),
		values: make(map[string]entry),
		now:    time.Now,
	}
}

// Lock implements checkout.KeyStore.
func (s *MemoryStore) Lock(_ context.Context, scope, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, now := lockKey(scope, key), s.now()
	if exp, ok := s.locks[k]; ok && now.Before(exp) {
		return false, nil
	}
	s.locks[k] = now.Add(s.ttl)
	return true, nil
}

// Remember implements checkout.KeyStore.
func (s *MemoryStore) Remember(_ context.Context, scope, key, checkoutID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[mapKey(scope, key)] = entry{value: checkoutID, expiresAt: s.now().Add(s.ttl)}
	return nil
}

// Recall implements checkout.KeyStore.
func (s *MemoryStore) Recall(_ context.Context, scope, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := mapKey(scope, key)
	e, ok := s.values[k]
	if !ok {
		return "", false, nil
	}
	if !s.now().Before(e.expiresAt) {
		delete(s.values, k)
		return "", false, nil
	}
	return e.value, true, nil
}

// Unlock implements checkout.KeyStore.
func (s *MemoryStore) Unlock(_ context.Context, scope, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, lockKey(scope, key))
	return nil
}

// Sweep drops expired entries.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now, n := s.now(), 0
	for k, exp := range s.locks {
		if !now.Before(exp) {
			delete(s.locks, k)
			n++
		}
	}
	for k, e := range s.values {
		if !now.Before(e.expiresAt) {
			delete(s.values, k)
			n++
		}
	}
	return n
}
