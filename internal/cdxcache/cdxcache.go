// SPDX-License-Identifier: MIT

// Package cdxcache caches raw CDX index responses between scout iterations,
// so re-scouting a page does not re-query the archive for every link on it.
// Three backends: in-process memory, an on-disk badger store, or redis.
package cdxcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/oldweb/webtape/internal/log"
)

// Cache is the store surface the archive client consumes.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte)
	Close() error
}

// Config selects and parameterizes a backend.
type Config struct {
	Backend string        // "memory" (default), "badger" or "redis"
	Path    string        // badger data directory
	Addr    string        // redis address
	DB      int           // redis database
	TTL     time.Duration // entry lifetime, default 24h
}

// Open creates a cache for the configured backend.
func Open(cfg Config) (Cache, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	switch cfg.Backend {
	case "", "memory":
		return newMemoryCache(cfg.TTL), nil
	case "badger":
		return openBadgerCache(cfg.Path, cfg.TTL)
	case "redis":
		return openRedisCache(cfg.Addr, cfg.DB, cfg.TTL)
	default:
		return nil, fmt.Errorf("cdxcache: unknown backend %q", cfg.Backend)
	}
}

type memEntry struct {
	value      []byte
	expiration time.Time
}

type memoryCache struct {
	ttl     time.Duration
	mu      sync.RWMutex
	entries map[string]memEntry
	logger  zerolog.Logger
}

func newMemoryCache(ttl time.Duration) *memoryCache {
	return &memoryCache{
		ttl:     ttl,
		entries: make(map[string]memEntry),
		logger:  log.WithComponent("cdxcache"),
	}
}

func (c *memoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(e.expiration) {
		return nil, false
	}
	return e.value, true
}

func (c *memoryCache) Set(_ context.Context, key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Opportunistic sweep keeps the map from growing without bound.
	if len(c.entries) > 0 && len(c.entries)%1024 == 0 {
		now := time.Now()
		for k, e := range c.entries {
			if now.After(e.expiration) {
				delete(c.entries, k)
			}
		}
	}
	c.entries[key] = memEntry{value: value, expiration: time.Now().Add(c.ttl)}
}

func (c *memoryCache) Close() error { return nil }
