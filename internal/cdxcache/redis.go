// SPDX-License-Identifier: MIT

package cdxcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/oldweb/webtape/internal/log"
)

const redisKeyPrefix = "webtape:cdx:"

type redisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

func openRedisCache(addr string, db int, ttl time.Duration) (*redisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cdxcache: redis connection failed: %w", err)
	}
	return &redisCache{client: client, ttl: ttl, logger: log.WithComponent("cdxcache")}, nil
}

func (c *redisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	value, err := c.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn().Err(err).Msg("redis read failed")
		}
		return nil, false
	}
	return value, true
}

func (c *redisCache) Set(ctx context.Context, key string, value []byte) {
	if err := c.client.Set(ctx, redisKeyPrefix+key, value, c.ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Msg("redis write failed")
	}
}

func (c *redisCache) Close() error {
	return c.client.Close()
}
