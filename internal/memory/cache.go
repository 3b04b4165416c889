package memory

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"btbot/internal/models"
	"btbot/internal/redis"
)

const defaultCacheTTL = 30 * time.Minute

// Cache is the key/value surface CachedStore needs. *redis.Client satisfies it.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
}

// CachedStore puts a read-through cache in front of another Store.
//
// Writes reach the inner store first and then overwrite the cached value
// with the committed one. Readers only fill empty keys (SetNX), so a reader
// holding a pre-write value cannot replace a newer one. When the cache
// cannot be updated after a write, the key is bypassed until a later write
// succeeds in refreshing it. Cache failures are logged and never returned.
type CachedStore struct {
	next   Store
	cache  Cache
	ttl    time.Duration
	logger *log.Logger

	mu       sync.Mutex
	unsynced map[string]struct{}
}

func NewCachedStore(next Store, cache Cache, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &CachedStore{
		next:     next,
		cache:    cache,
		ttl:      ttl,
		logger:   log.Default().With("component", "memory-cache"),
		unsynced: make(map[string]struct{}),
	}
}

func historyKey(userID string) string { return redis.Key("history", userID) }
func timeoutKey(userID string) string { return redis.Key("timeout", userID) }

func (c *CachedStore) GetHistory(ctx context.Context, userID string) ([]models.Turn, error) {
	key := historyKey(userID)
	if raw, ok := c.lookup(ctx, key); ok {
		var turns []models.Turn
		if err := json.Unmarshal([]byte(raw), &turns); err == nil {
			return turns, nil
		}
		c.logger.Warn("decode cached history failed", "user", userID)
	}
	turns, err := c.next.GetHistory(ctx, userID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(turns); err == nil {
		c.fill(ctx, key, data)
	}
	return turns, nil
}

func (c *CachedStore) AppendTurn(ctx context.Context, userID, prompt, response string) error {
	if err := c.next.AppendTurn(ctx, userID, prompt, response); err != nil {
		return err
	}
	key := historyKey(userID)
	turns, err := c.next.GetHistory(ctx, userID)
	if err != nil {
		c.drop(ctx, key, err)
		return nil
	}
	data, err := json.Marshal(turns)
	if err != nil {
		c.drop(ctx, key, err)
		return nil
	}
	c.refresh(ctx, key, data)
	return nil
}

func (c *CachedStore) GetTimeout(ctx context.Context, userID string) (int, error) {
	key := timeoutKey(userID)
	if raw, ok := c.lookup(ctx, key); ok {
		if minutes, err := strconv.Atoi(raw); err == nil {
			return minutes, nil
		}
	}
	minutes, err := c.next.GetTimeout(ctx, userID)
	if err != nil {
		return 0, err
	}
	c.fill(ctx, key, strconv.Itoa(minutes))
	return minutes, nil
}

func (c *CachedStore) SetTimeout(ctx context.Context, userID string, minutes int) error {
	if err := c.next.SetTimeout(ctx, userID, minutes); err != nil {
		return err
	}
	c.refresh(ctx, timeoutKey(userID), strconv.Itoa(minutes))
	return nil
}

func (c *CachedStore) isUnsynced(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.unsynced[key]
	return ok
}

func (c *CachedStore) setUnsynced(key string, unsynced bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if unsynced {
		c.unsynced[key] = struct{}{}
	} else {
		delete(c.unsynced, key)
	}
}

func (c *CachedStore) lookup(ctx context.Context, key string) (string, bool) {
	if c.isUnsynced(key) {
		return "", false
	}
	raw, err := c.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			c.logger.Warn("cache read failed", "key", key, "err", err)
		}
		return "", false
	}
	return raw, true
}

// fill caches a value read from the inner store unless the key already
// holds one.
func (c *CachedStore) fill(ctx context.Context, key string, value interface{}) {
	if c.isUnsynced(key) {
		return
	}
	if _, err := c.cache.SetNX(ctx, key, value, c.ttl); err != nil {
		c.logger.Warn("cache fill failed", "key", key, "err", err)
	}
}

// refresh stores the value committed by a write.
func (c *CachedStore) refresh(ctx context.Context, key string, value interface{}) {
	if err := c.cache.Set(ctx, key, value, c.ttl); err != nil {
		c.drop(ctx, key, err)
		return
	}
	c.setUnsynced(key, false)
}

// drop stops serving key from the cache after a failed refresh.
func (c *CachedStore) drop(ctx context.Context, key string, cause error) {
	c.setUnsynced(key, true)
	c.logger.Warn("cache refresh failed, bypassing key", "key", key, "err", cause)
	if err := c.cache.Del(ctx, key); err != nil {
		c.logger.Warn("cache invalidate failed", "key", key, "err", err)
	}
}
