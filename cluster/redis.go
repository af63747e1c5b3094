package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tcriess/lightspeed-muc/cache"
	"github.com/tcriess/lightspeed-muc/globals"
	"github.com/tcriess/lightspeed-muc/types"
)

const redisOpTimeout = 3 * time.Second

// RedisBackend creates clustered caches on a shared redis instance. It is
// handed to the cache factory on cluster join.
type RedisBackend struct {
	client *redis.Client
	bus    Bus
	node   NodeID
}

// NewRedisBackend connects to redis and verifies the connection. The bus
// may be nil, in which case no entry events are published.
func NewRedisBackend(addr string, db int, node NodeID, bus Bus) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  redisOpTimeout,
		WriteTimeout: redisOpTimeout,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("redis connection test failed: %w", err)
	}
	return &RedisBackend{client: client, bus: bus, node: node}, nil
}

func (b *RedisBackend) NewCache(name string, maxSize int64, maxLifetime time.Duration) cache.Cache {
	return &RedisCache{
		backend:     b,
		name:        name,
		maxSize:     maxSize,
		maxLifetime: maxLifetime,
		prefix:      "lsmuc:" + name + ":",
	}
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}

// RedisCache is one clustered cache. Values must be JSON-serializable;
// reads return the JSON-decoded form. Lifetime expiry is delegated to
// redis TTLs, the byte budget is advisory only (redis enforces its own
// memory policy).
type RedisCache struct {
	backend     *RedisBackend
	name        string
	maxLifetime time.Duration
	prefix      string

	mu      sync.Mutex
	maxSize int64

	hits   int64
	misses int64

	locks cache.KeyLocks
}

func (c *RedisCache) Name() string { return c.name }

func (c *RedisCache) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), redisOpTimeout)
}

func (c *RedisCache) Put(key string, value interface{}) (interface{}, error) {
	if key == "" || value == nil {
		return nil, fmt.Errorf("%w: cache %s requires non-empty key and non-nil value", types.ErrInvalidArgument, c.name)
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: value for key %s is not serializable", types.ErrInvalidArgument, key)
	}
	ctx, cancel := c.ctx()
	defer cancel()
	var ttl time.Duration
	if c.maxLifetime > 0 {
		ttl = c.maxLifetime
	}
	previous, err := c.backend.client.GetSet(ctx, c.prefix+key, data).Result()
	if err != nil && err != redis.Nil {
		globals.AppLogger.Error("clustered cache put failed", "cache", c.name, "key", key, "error", err)
		return nil, err
	}
	if ttl > 0 {
		c.backend.client.Expire(ctx, c.prefix+key, ttl)
	}
	eventType := EntryAdded
	var prevValue interface{}
	if err != redis.Nil && previous != "" {
		eventType = EntryUpdated
		prevValue = decodeJSON([]byte(previous))
	}
	c.publish(EntryEvent{Type: eventType, Cache: c.name, Key: key, Value: data})
	return prevValue, nil
}

func (c *RedisCache) Get(key string) (interface{}, bool) {
	ctx, cancel := c.ctx()
	defer cancel()
	data, err := c.backend.client.Get(ctx, c.prefix+key).Bytes()
	if err == redis.Nil {
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}
	if err != nil {
		globals.AppLogger.Error("clustered cache get failed", "cache", c.name, "key", key, "error", err)
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}
	atomic.AddInt64(&c.hits, 1)
	return decodeJSON(data), true
}

func (c *RedisCache) Remove(key string) (interface{}, bool) {
	ctx, cancel := c.ctx()
	defer cancel()
	data, err := c.backend.client.GetDel(ctx, c.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		globals.AppLogger.Error("clustered cache remove failed", "cache", c.name, "key", key, "error", err)
		return nil, false
	}
	c.publish(EntryEvent{Type: EntryRemoved, Cache: c.name, Key: key})
	return decodeJSON(data), true
}

func (c *RedisCache) Size() int {
	return len(c.Keys())
}

func (c *RedisCache) CacheSize() int64 {
	ctx, cancel := c.ctx()
	defer cancel()
	var total int64
	iter := c.backend.client.Scan(ctx, 0, c.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if n, err := c.backend.client.StrLen(ctx, iter.Val()).Result(); err == nil {
			total += n
		}
	}
	return total
}

func (c *RedisCache) MaxCacheSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxSize
}

func (c *RedisCache) SetMaxCacheSize(size int64) {
	c.mu.Lock()
	c.maxSize = size
	c.mu.Unlock()
}

func (c *RedisCache) MaxLifetime() time.Duration { return c.maxLifetime }

func (c *RedisCache) Keys() []string {
	ctx, cancel := c.ctx()
	defer cancel()
	keys := make([]string, 0)
	iter := c.backend.client.Scan(ctx, 0, c.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val()[len(c.prefix):])
	}
	if err := iter.Err(); err != nil {
		globals.AppLogger.Error("clustered cache scan failed", "cache", c.name, "error", err)
	}
	return keys
}

func (c *RedisCache) Clear() {
	ctx, cancel := c.ctx()
	defer cancel()
	iter := c.backend.client.Scan(ctx, 0, c.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		c.backend.client.Del(ctx, iter.Val())
	}
	c.publish(EntryEvent{Type: MapCleared, Cache: c.name})
}

func (c *RedisCache) Stats() cache.Stats {
	return cache.Stats{
		Hits:   atomic.LoadInt64(&c.hits),
		Misses: atomic.LoadInt64(&c.misses),
	}
}

// KeyLock returns a process-local lock for key. Cross-node critical
// sections are not provided by this facility, callers needing them must
// coordinate through cache entries themselves.
func (c *RedisCache) KeyLock(key string) sync.Locker {
	return c.locks.LockFor(key)
}

func (c *RedisCache) publish(event EntryEvent) {
	if c.backend.bus == nil {
		return
	}
	event.Node = c.backend.node
	if err := c.backend.bus.Publish(event); err != nil {
		globals.AppLogger.Error("could not publish cache event", "cache", c.name, "error", err)
	}
}

func decodeJSON(data []byte) interface{} {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return string(data)
	}
	return v
}
