// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package validator

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const (
	defaultCacheTTLBlocks   = 25
	defaultCacheTTLDuration = 5 * time.Minute
)

// cachedValidation is one pool's most recent validation outcome.
type cachedValidation struct {
	isValid      bool
	liquidity    *uint256.Int
	cachedBlock  uint64
	lastChecked  time.Time
	validateHits uint32
}

// CacheMetricsSnapshot reports cache effectiveness at a point in time.
type CacheMetricsSnapshot struct {
	Hits           uint64
	Misses         uint64
	HitRate        float64
	CacheSize      int
	StaleEvictions uint64
}

// ValidationCache remembers recent structural-validation outcomes so
// the same pool is not re-verified every block. An entry is fresh only
// while it is both within ttlBlocks of the current block AND within
// ttlDuration of wall-clock time.
type ValidationCache struct {
	mu         sync.RWMutex
	entries    map[common.Address]cachedValidation
	ttlBlocks  uint64
	ttlTime    time.Duration

	hits, misses, staleEvictions, totalValidations atomic.Uint64
}

// NewValidationCache builds a cache with custom TTLs.
func NewValidationCache(ttlBlocks uint64, ttlTime time.Duration) *ValidationCache {
	return &ValidationCache{
		entries:   make(map[common.Address]cachedValidation),
		ttlBlocks: ttlBlocks,
		ttlTime:   ttlTime,
	}
}

// NewDefaultValidationCache builds a cache using the teacher-grounded
// defaults (25 blocks, 5 minutes).
func NewDefaultValidationCache() *ValidationCache {
	return NewValidationCache(defaultCacheTTLBlocks, defaultCacheTTLDuration)
}

// Get returns the cached validity for addr if the entry is still fresh
// relative to currentBlock, evicting it otherwise.
func (c *ValidationCache) Get(addr common.Address, currentBlock uint64) (isValid bool, ok bool) {
	c.mu.RLock()
	entry, found := c.entries[addr]
	c.mu.RUnlock()
	if !found {
		c.misses.Add(1)
		return false, false
	}

	blockFresh := currentBlock < entry.cachedBlock || currentBlock-entry.cachedBlock < c.ttlBlocks
	timeFresh := time.Since(entry.lastChecked) < c.ttlTime
	if blockFresh && timeFresh {
		c.hits.Add(1)
		return entry.isValid, true
	}

	c.mu.Lock()
	delete(c.entries, addr)
	c.mu.Unlock()
	c.staleEvictions.Add(1)
	c.misses.Add(1)
	return false, false
}

// Insert records a fresh validation outcome for addr.
func (c *ValidationCache) Insert(addr common.Address, isValid bool, liquidity *uint256.Int, currentBlock uint64) {
	c.mu.Lock()
	c.entries[addr] = cachedValidation{
		isValid:      isValid,
		liquidity:    liquidity,
		cachedBlock:  currentBlock,
		lastChecked:  time.Now(),
		validateHits: 1,
	}
	c.mu.Unlock()
	c.totalValidations.Add(1)
}

// Update overwrites an existing entry (bumping its hit counter), or
// inserts a new one if addr was never cached.
func (c *ValidationCache) Update(addr common.Address, isValid bool, liquidity *uint256.Int, currentBlock uint64) {
	c.mu.Lock()
	entry, ok := c.entries[addr]
	if !ok {
		c.mu.Unlock()
		c.Insert(addr, isValid, liquidity, currentBlock)
		return
	}
	entry.isValid = isValid
	entry.liquidity = liquidity
	entry.cachedBlock = currentBlock
	entry.lastChecked = time.Now()
	entry.validateHits++
	c.entries[addr] = entry
	c.mu.Unlock()
}

// InvalidateStale proactively sweeps every entry past either TTL,
// returning the number removed.
func (c *ValidationCache) InvalidateStale(currentBlock uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for addr, entry := range c.entries {
		blocksSince := uint64(0)
		if currentBlock > entry.cachedBlock {
			blocksSince = currentBlock - entry.cachedBlock
		}
		stale := blocksSince >= c.ttlBlocks || time.Since(entry.lastChecked) >= c.ttlTime
		if stale {
			delete(c.entries, addr)
			removed++
		}
	}
	if removed > 0 {
		c.staleEvictions.Add(uint64(removed))
	}
	return removed
}

// Metrics reports a snapshot of cache effectiveness.
func (c *ValidationCache) Metrics() CacheMetricsSnapshot {
	hits := c.hits.Load()
	misses := c.misses.Load()
	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	c.mu.RLock()
	size := len(c.entries)
	c.mu.RUnlock()

	return CacheMetricsSnapshot{
		Hits:           hits,
		Misses:         misses,
		HitRate:        hitRate,
		CacheSize:      size,
		StaleEvictions: c.staleEvictions.Load(),
	}
}

// Len reports the current cache size.
func (c *ValidationCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Clear empties the cache, for tests.
func (c *ValidationCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[common.Address]cachedValidation)
}
