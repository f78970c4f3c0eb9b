// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package chainhead tracks the current chain head via a rate-limited
// cache refreshed either by polling or by a newHeads WebSocket
// subscription, falling back between the two as the spec requires
// (spec.md §4.3). Grounded on
// original_source/src/block_number_cache.rs and
// block_number_websocket.rs.
package chainhead

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/luxfi/topology-indexer/rpcpool"
)

// Fetcher is the minimal RPC surface Cache needs; satisfied by
// *rpcpool.Pool.
type Fetcher interface {
	GetBlockNumber(ctx context.Context) (uint64, error)
}

// Cache holds the current chain head with a minimum refresh interval.
type Cache struct {
	mu               sync.RWMutex
	current          uint64
	lastRefreshedAt  time.Time
	minRefreshInterval time.Duration

	fetcher Fetcher
	log     *zap.Logger
}

// NewCache builds a Cache with the typical 1s minimum refresh
// interval from spec.md §4.3.
func NewCache(fetcher Fetcher, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{
		fetcher:            fetcher,
		minRefreshInterval: time.Second,
		log:                log,
	}
}

// GetCurrent returns the cached head if it was refreshed within the
// minimum interval; otherwise it fetches a fresh value. On fetch
// error it falls back to the cached value if non-zero, else returns
// the error.
func (c *Cache) GetCurrent(ctx context.Context) (uint64, error) {
	c.mu.RLock()
	fresh := time.Since(c.lastRefreshedAt) < c.minRefreshInterval
	cached := c.current
	c.mu.RUnlock()

	if fresh {
		return cached, nil
	}

	n, err := c.fetcher.GetBlockNumber(ctx)
	if err != nil {
		if cached != 0 {
			c.log.Warn("chainhead: refresh failed, serving stale cache",
				zap.Uint64("cached", cached), zap.Error(err))
			return cached, nil
		}
		return 0, err
	}

	c.mu.Lock()
	c.current = n
	c.lastRefreshedAt = time.Now()
	c.mu.Unlock()
	return n, nil
}

// UpdateFromExternal records a head reported from outside, used by the
// WS subscriber on every newHeads notification so the next GetCurrent
// call does not re-poll. The cached head only moves forward: a block
// at or below it is ignored, though the refresh time is still updated.
func (c *Cache) UpdateFromExternal(block uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if block > c.current {
		c.current = block
	}
	c.lastRefreshedAt = time.Now()
}

// StaleSince reports how long it has been since the cache was last
// refreshed by any means, used by the WS subscriber to decide whether
// to activate the polling fallback.
func (c *Cache) StaleSince() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastRefreshedAt.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return time.Since(c.lastRefreshedAt)
}
