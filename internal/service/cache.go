package service

import (
	"container/list"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"enroltoken/internal/config"
)

var ErrEmptyCacheKey = errors.New("cache key must not be empty")

// Cache is the byte-level cache used for settings lookups.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Healthy() bool
}

// tieredCache keeps an in-process LRU in front of an optional Redis. Redis
// errors degrade to the LRU and are only logged.
type tieredCache struct {
	redis    *redis.Client
	local    *lruCache
	slowWarn time.Duration
}

// NewCacheManager builds the cache from config. With Redis disabled, or
// unreachable at start, only the local LRU is used.
func NewCacheManager(cfg *config.Config) Cache {
	c := &tieredCache{
		local:    newLRUCache(cfg.CacheMaxEntries),
		slowWarn: cfg.CachePerfWarnThreshold,
	}
	if !cfg.RedisEnabled {
		return c
	}
	if cfg.RedisAddr == "" {
		zap.L().Warn("REDIS_ENABLED set without REDIS_ADDR, using local cache only")
		return c
	}

	opts := &redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  cfg.RedisDialTimeout,
		ReadTimeout:  cfg.RedisReadTimeout,
		WriteTimeout: cfg.RedisWriteTimeout,
	}
	if cfg.RedisUseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(opts)

	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		zap.L().Warn("redis unavailable, using local cache only", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		_ = client.Close()
		return c
	}
	zap.L().Info("redis cache ready", zap.String("addr", cfg.RedisAddr))
	c.redis = client
	return c
}

func (c *tieredCache) Healthy() bool { return c != nil && c.redis != nil }

func (c *tieredCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, ErrEmptyCacheKey
	}
	if v, ok := c.local.Get(key); ok {
		return v, true, nil
	}
	if c.redis == nil {
		return nil, false, nil
	}
	start := time.Now()
	val, err := c.redis.Get(ctx, key).Bytes()
	c.slow("get", start)
	switch {
	case err == nil:
		if ttl, terr := c.redis.TTL(ctx, key).Result(); terr == nil && ttl > 0 {
			c.local.Set(key, val, ttl)
		}
		return val, true, nil
	case errors.Is(err, redis.Nil):
		return nil, false, nil
	default:
		zap.L().Warn("redis get failed", zap.String("key", key), zap.Error(err))
		return nil, false, nil
	}
}

func (c *tieredCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return ErrEmptyCacheKey
	}
	if ttl <= 0 {
		return nil
	}
	c.local.Set(key, value, ttl)
	if c.redis == nil {
		return nil
	}
	start := time.Now()
	err := c.redis.Set(ctx, key, value, ttl).Err()
	c.slow("set", start)
	if err != nil {
		zap.L().Warn("redis set failed, value kept locally", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

func (c *tieredCache) Delete(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		c.local.Delete(k)
	}
	if c.redis == nil || len(keys) == 0 {
		return nil
	}
	if err := c.redis.Del(ctx, keys...).Err(); err != nil && !errors.Is(err, redis.Nil) {
		zap.L().Warn("redis delete failed", zap.Strings("keys", keys), zap.Error(err))
		return err
	}
	return nil
}

func (c *tieredCache) slow(op string, start time.Time) {
	if c.slowWarn <= 0 {
		return
	}
	if d := time.Since(start); d >= c.slowWarn {
		zap.L().Info("cache operation slow", zap.String("op", op), zap.Duration("duration", d))
	}
}

// getJSON decodes a cached value into dst. A decode failure counts as a miss.
func getJSON(ctx context.Context, c Cache, key string, dst interface{}) bool {
	if c == nil {
		return false
	}
	raw, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return false
	}
	return json.Unmarshal(raw, dst) == nil
}

func setJSON(ctx context.Context, c Cache, key string, v interface{}, ttl time.Duration) {
	if c == nil {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = c.Set(ctx, key, raw, ttl)
}

type lruCache struct {
	mu    sync.Mutex
	max   int
	ll    *list.List
	items map[string]*list.Element
}

type lruEntry struct {
	key     string
	value   []byte
	expires time.Time
}

func newLRUCache(max int) *lruCache {
	if max <= 0 {
		max = 1024
	}
	return &lruCache{max: max, ll: list.New(), items: make(map[string]*list.Element)}
}

func (m *lruCache) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.items[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*lruEntry)
	if time.Now().After(e.expires) {
		m.remove(el)
		return nil, false
	}
	m.ll.MoveToFront(el)
	return append([]byte(nil), e.value...), true
}

func (m *lruCache) Set(key string, value []byte, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	expires := time.Now().Add(ttl)
	if el, ok := m.items[key]; ok {
		e := el.Value.(*lruEntry)
		e.value = append(e.value[:0], value...)
		e.expires = expires
		m.ll.MoveToFront(el)
		return
	}
	m.items[key] = m.ll.PushFront(&lruEntry{key: key, value: append([]byte(nil), value...), expires: expires})
	for m.ll.Len() > m.max {
		m.remove(m.ll.Back())
	}
}

func (m *lruCache) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.items[key]; ok {
		m.remove(el)
	}
}

func (m *lruCache) remove(el *list.Element) {
	delete(m.items, el.Value.(*lruEntry).key)
	m.ll.Remove(el)
}
