// SPDX-License-Identifier: MIT

package cdxcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/oldweb/webtape/internal/log"
)

type badgerCache struct {
	db     *badger.DB
	ttl    time.Duration
	logger zerolog.Logger
}

func openBadgerCache(path string, ttl time.Duration) (*badgerCache, error) {
	if path == "" {
		return nil, fmt.Errorf("cdxcache: badger backend requires a path")
	}
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("cdxcache: open badger: %w", err)
	}
	return &badgerCache{db: db, ttl: ttl, logger: log.WithComponent("cdxcache")}, nil
}

func (c *badgerCache) Get(_ context.Context, key string) ([]byte, bool) {
	var value []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if !errors.Is(err, badger.ErrKeyNotFound) {
			c.logger.Warn().Err(err).Msg("badger read failed")
		}
		return nil, false
	}
	return value, true
}

func (c *badgerCache) Set(_ context.Context, key string, value []byte) {
	err := c.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), value).WithTTL(c.ttl)
		return txn.SetEntry(e)
	})
	if err != nil {
		c.logger.Warn().Err(err).Msg("badger write failed")
	}
}

func (c *badgerCache) Close() error {
	return c.db.Close()
}
