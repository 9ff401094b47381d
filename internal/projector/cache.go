package projector

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/park285/relaychess/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Cache holds projected states between reads. A miss is (zero, false, nil).
type Cache interface {
	Get(ctx context.Context, id string) (domain.GameState, bool, error)
	Put(ctx context.Context, st domain.GameState) error
	Invalidate(ctx context.Context, id string) error
}

type memoryEntry struct {
	st      domain.GameState
	expires time.Time
}

// MemoryCache is an in-process Cache with a fixed TTL.
type MemoryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{ttl: ttl, entries: make(map[string]memoryEntry), now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, id string) (domain.GameState, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return domain.GameState{}, false, nil
	}
	if c.ttl > 0 && c.now().After(e.expires) {
		delete(c.entries, id)
		return domain.GameState{}, false, nil
	}
	return e.st.Clone(), true, nil
}

func (c *MemoryCache) Put(_ context.Context, st domain.GameState) error {
	c.mu.Lock()
	c.entries[st.ID] = memoryEntry{st: st.Clone(), expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Invalidate(_ context.Context, id string) error {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
	return nil
}

// RedisCache stores states as JSON under relaychess:projection:<id>.
type RedisCache struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func NewRedisCache(rdb redis.UniversalClient, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func (c *RedisCache) key(id string) string { return "relaychess:projection:" + strings.TrimSpace(id) }

func (c *RedisCache) Get(ctx context.Context, id string) (domain.GameState, bool, error) {
	raw, err := c.rdb.Get(ctx, c.key(id)).Bytes()
	if err == redis.Nil {
		return domain.GameState{}, false, nil
	}
	if err != nil {
		return domain.GameState{}, false, err
	}
	var st domain.GameState
	if err := json.Unmarshal(raw, &st); err != nil {
		// A corrupt entry is a miss; drop it.
		_ = c.rdb.Del(ctx, c.key(id)).Err()
		return domain.GameState{}, false, nil
	}
	return st, true, nil
}

func (c *RedisCache) Put(ctx context.Context, st domain.GameState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, c.key(st.ID), raw, c.ttl).Err()
}

func (c *RedisCache) Invalidate(ctx context.Context, id string) error {
	return c.rdb.Del(ctx, c.key(id)).Err()
}
