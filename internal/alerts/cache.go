package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DedupStore tracks recently seen alert ids for the dedup TTL window.
type DedupStore interface {
	// Seen reports whether id was recorded within the TTL.
	Seen(ctx context.Context, id string) (bool, error)
	// Record inserts id at the current time and purges expired entries.
	Record(ctx context.Context, id string) error
	// Size returns the current number of live entries.
	Size(ctx context.Context) (int, error)
}

// memoryStore is the in-process dedup cache: alert id -> receipt time,
// purged lazily on each insertion.
type memoryStore struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]time.Time
}

// NewMemoryStore creates an in-process dedup store.
func NewMemoryStore(ttl time.Duration) DedupStore {
	return &memoryStore{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]time.Time),
	}
}

func (s *memoryStore) Seen(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen, ok := s.entries[id]
	if !ok {
		return false, nil
	}
	if s.now().Sub(seen) >= s.ttl {
		delete(s.entries, id)
		return false, nil
	}
	return true, nil
}

func (s *memoryStore) Record(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.entries[id] = now

	for key, seen := range s.entries {
		if now.Sub(seen) >= s.ttl {
			delete(s.entries, key)
		}
	}
	return nil
}

func (s *memoryStore) Size(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries), nil
}

// redisStore shares the dedup window across instances. Expiry is
// delegated to the server-side key TTL.
type redisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

const redisKeyPrefix = "entraflow:alert:"

// NewRedisStore creates a Redis-backed dedup store.
func NewRedisStore(rdb *redis.Client, ttl time.Duration) DedupStore {
	return &redisStore{rdb: rdb, ttl: ttl}
}

func (s *redisStore) Seen(ctx context.Context, id string) (bool, error) {
	n, err := s.rdb.Exists(ctx, redisKeyPrefix+id).Result()
	if err != nil {
		return false, fmt.Errorf("dedup lookup: %w", err)
	}
	return n > 0, nil
}

func (s *redisStore) Record(ctx context.Context, id string) error {
	if err := s.rdb.Set(ctx, redisKeyPrefix+id, time.Now().Unix(), s.ttl).Err(); err != nil {
		return fmt.Errorf("dedup record: %w", err)
	}
	return nil
}

func (s *redisStore) Size(ctx context.Context) (int, error) {
	keys, err := s.rdb.Keys(ctx, redisKeyPrefix+"*").Result()
	if err != nil {
		return 0, fmt.Errorf("dedup size: %w", err)
	}
	return len(keys), nil
}
