// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package pricefeed runs the external price updaters that keep a
// shared USD-price cache warm independently of the on-chain oracle
// cascade: a Binance/Pyth/DefiLlama HTTP+WebSocket cascade, a
// dedicated CoinGecko poller, and a background companion that simply
// re-polls priceoracle with a longer budget (spec.md §4.16). Grounded
// on original_source/src/external_price_updater.rs,
// background_price_updater.rs, and coingecko_price_updater.rs.
package pricefeed

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Source tags where a cached price came from, mirroring
// background_price_updater.rs's PriceSource enum.
type Source int

const (
	SourceChainlink Source = iota
	SourcePoolBased
	SourceHardcoded
	SourceStale
)

func (s Source) String() string {
	switch s {
	case SourceChainlink:
		return "chainlink"
	case SourcePoolBased:
		return "pool_based"
	case SourceHardcoded:
		return "hardcoded"
	case SourceStale:
		return "stale"
	default:
		return "unknown"
	}
}

type entry struct {
	price     float64
	updatedAt time.Time
	source    Source
}

// Cache is the shared price cache every updater in this package
// writes into and priceoracle reads as its SharedCache fallback. It
// also tracks consecutive failures and the last successful update so
// callers can ask IsHealthy, mirroring
// background_price_updater.rs's SharedPriceCache.
type Cache struct {
	mu     sync.RWMutex
	prices map[common.Address]entry

	consecutiveFailures atomic.Int32
	lastSuccessUnix     atomic.Int64
}

// NewCache builds an empty Cache.
func NewCache() *Cache {
	return &Cache{prices: make(map[common.Address]entry)}
}

// GetPrice satisfies priceoracle.SharedCache.
func (c *Cache) GetPrice(token common.Address) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.prices[token]
	if !ok {
		return 0, false
	}
	return e.price, true
}

// GetPriceWithMetadata also returns the entry's age and source, for
// freshness-classified logging the way
// background_price_updater.rs's get_price_with_metadata is used.
func (c *Cache) GetPriceWithMetadata(token common.Address) (float64, time.Duration, Source, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.prices[token]
	if !ok {
		return 0, 0, 0, false
	}
	return e.price, time.Since(e.updatedAt), e.source, true
}

// UpdateBatch stores prices for many tokens at once under a single
// source tag, matching update_batch.
func (c *Cache) UpdateBatch(prices map[common.Address]float64, source Source) {
	if len(prices) == 0 {
		return
	}
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for token, price := range prices {
		c.prices[token] = entry{price: price, updatedAt: now, source: source}
	}
}

// SetPrice stores a single emergency-fetch price, always tagged
// Chainlink per set_price's convention, and counts as a success.
func (c *Cache) SetPrice(token common.Address, price float64) {
	c.mu.Lock()
	c.prices[token] = entry{price: price, updatedAt: time.Now(), source: SourceChainlink}
	c.mu.Unlock()
	c.MarkSuccess()
}

// MarkSuccess resets the failure streak and stamps the last
// successful update.
func (c *Cache) MarkSuccess() {
	c.consecutiveFailures.Store(0)
	c.lastSuccessUnix.Store(time.Now().Unix())
}

// MarkFailure increments the consecutive-failure counter.
func (c *Cache) MarkFailure() {
	c.consecutiveFailures.Add(1)
}

// IsHealthy reports healthy iff failures<3 AND the last successful
// update was within 60s (spec.md §4.16); a cache that has never seen
// a successful update is healthy only while still under the failure
// budget, mirroring is_healthy's "still initializing" allowance.
func (c *Cache) IsHealthy() bool {
	failures := c.consecutiveFailures.Load()
	last := c.lastSuccessUnix.Load()
	if last == 0 {
		return failures < 3
	}
	age := time.Now().Unix() - last
	return failures < 3 && age < 60
}
