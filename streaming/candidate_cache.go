// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package streaming

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/topology-indexer/poolevents"
)

// candidateCache remembers the full Candidate behind each address
// classifier.DeferredQueue admits, since the queue itself only tracks
// (address, block, priority) — the same split original_source's
// deferred_discovery_queue.rs makes. Without this, draining the queue
// later would have no token/factory data left to structurally
// validate against.
type candidateCache struct {
	mu      sync.Mutex
	byAddr  map[common.Address]poolevents.Candidate
	maxSize int
}

func newCandidateCache(maxSize int) *candidateCache {
	return &candidateCache{byAddr: make(map[common.Address]poolevents.Candidate), maxSize: maxSize}
}

// put stores cand, evicting one arbitrary entry first if already at
// capacity. Eviction order doesn't matter: this cache only needs to
// outlive the deferred queue entry it backs, not rank by age itself.
func (c *candidateCache) put(cand poolevents.Candidate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.byAddr) >= c.maxSize {
		for addr := range c.byAddr {
			delete(c.byAddr, addr)
			break
		}
	}
	c.byAddr[cand.Address] = cand
}

func (c *candidateCache) get(addr common.Address) (poolevents.Candidate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cand, ok := c.byAddr[addr]
	return cand, ok
}

func (c *candidateCache) remove(addrs []common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, addr := range addrs {
		delete(c.byAddr, addr)
	}
}
