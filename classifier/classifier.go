// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package classifier assigns each newly discovered pool a validation
// priority based on its tokens and DEX, then queues anything that
// cannot be validated in the same block in a capacity-bounded,
// priority-and-age-ordered deferred queue (spec.md §4.7). Grounded on
// original_source/src/pool_priority_classifier.rs and
// deferred_discovery_queue.rs.
package classifier

import (
	"errors"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/topology-indexer/poolevents"
)

// Priority is a pool's validation urgency.
type Priority uint8

const (
	PriorityLow Priority = iota + 1
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// knownDexes mirrors the teacher's hardcoded DEX allowlist; membership
// alone is enough to earn High priority even without a blue-chip token.
var knownDexes = map[string]struct{}{
	"UniswapV2":    {},
	"UniswapV3":    {},
	"SushiSwapV2":  {},
	"CamelotV2":    {},
	"CamelotV3":    {},
	"PancakeSwapV2": {},
	"TraderJoeV2":  {},
	"KyberSwapV3":  {},
}

// Classifier assigns priority to discovered pool candidates.
type Classifier struct {
	blueChipTokens map[common.Address]struct{}
}

// New builds a Classifier from the given blue-chip token set.
func New(blueChipTokens []common.Address) *Classifier {
	set := make(map[common.Address]struct{}, len(blueChipTokens))
	for _, t := range blueChipTokens {
		set[t] = struct{}{}
	}
	return &Classifier{blueChipTokens: set}
}

// ClassifyPool scores one candidate: Critical if both tokens are
// blue-chip, High if either token is blue-chip or the DEX is known,
// Medium if either token is otherwise recognized, Low otherwise.
func (c *Classifier) ClassifyPool(candidate poolevents.Candidate, knownTokens map[common.Address]struct{}) Priority {
	_, blueChip0 := c.blueChipTokens[candidate.Token0]
	_, blueChip1 := c.blueChipTokens[candidate.Token1]

	if blueChip0 && blueChip1 {
		return PriorityCritical
	}
	if blueChip0 || blueChip1 {
		return PriorityHigh
	}
	if _, known := knownDexes[candidate.Dex]; known {
		return PriorityHigh
	}

	_, known0 := knownTokens[candidate.Token0]
	_, known1 := knownTokens[candidate.Token1]
	if known0 || known1 {
		return PriorityMedium
	}
	return PriorityLow
}

// ClassifyPools buckets candidates by priority, preserving relative
// order within each bucket.
func (c *Classifier) ClassifyPools(candidates []poolevents.Candidate, knownTokens map[common.Address]struct{}) (critical, high, medium, low []poolevents.Candidate) {
	for _, cand := range candidates {
		switch c.ClassifyPool(cand, knownTokens) {
		case PriorityCritical:
			critical = append(critical, cand)
		case PriorityHigh:
			high = append(high, cand)
		case PriorityMedium:
			medium = append(medium, cand)
		default:
			low = append(low, cand)
		}
	}
	return
}

// ErrQueueFull is returned when a Low priority pool cannot be admitted
// because the deferred queue is at capacity and cleanup freed nothing.
var ErrQueueFull = errors.New("classifier: deferred queue full")

// PendingValidation is one pool awaiting validation.
type PendingValidation struct {
	PoolAddress      common.Address
	DiscoveredAtBlock uint64
	Priority         Priority
}

// DeferredQueue holds pools that could not be validated in their
// discovery block, ordered for later draining by priority then age.
type DeferredQueue struct {
	mu           sync.Mutex
	pending      map[common.Address]PendingValidation
	maxPending   int
	maxAgeBlocks uint64
}

// NewDeferredQueue builds a queue that starts refusing Low priority
// entries at maxPending: when full, AddPending first evicts Low
// priority entries older than maxAgeBlocks, then rejects a Low
// priority entry if there is still no room. Higher priorities are
// always admitted, so the queue can grow past maxPending.
func NewDeferredQueue(maxPending int, maxAgeBlocks uint64) *DeferredQueue {
	return &DeferredQueue{
		pending:      make(map[common.Address]PendingValidation),
		maxPending:   maxPending,
		maxAgeBlocks: maxAgeBlocks,
	}
}

// AddPending enqueues pool for validation at priority, discovered at
// block. Low priority entries are rejected once the queue is full and
// cleanup could not make room.
func (q *DeferredQueue) AddPending(pool common.Address, block uint64, priority Priority) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) >= q.maxPending {
		q.cleanupOldLowPriorityLocked(block)
		if priority == PriorityLow && len(q.pending) >= q.maxPending {
			return ErrQueueFull
		}
	}

	q.pending[pool] = PendingValidation{
		PoolAddress:       pool,
		DiscoveredAtBlock: block,
		Priority:          priority,
	}
	return nil
}

// GetValidationsForBlock selects the pools to validate this block
// given an RPC call budget, ordered by priority (highest first) then
// age (oldest first). Each pool is budgeted at 3 calls (bytecode,
// factory, token0); validator.StructuralValidation itself makes at
// most one GetCode lookup per attempt, and none for a whitelisted
// factory.
func (q *DeferredQueue) GetValidationsForBlock(currentBlock uint64, maxCalls int) []common.Address {
	const callsPerPool = 3
	if maxCalls < callsPerPool {
		return nil
	}
	maxPools := maxCalls / callsPerPool

	q.mu.Lock()
	pending := make([]PendingValidation, 0, len(q.pending))
	for _, v := range q.pending {
		pending = append(pending, v)
	}
	q.mu.Unlock()

	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority > pending[j].Priority
		}
		ageI := currentBlock - minU64(currentBlock, pending[i].DiscoveredAtBlock)
		ageJ := currentBlock - minU64(currentBlock, pending[j].DiscoveredAtBlock)
		return ageI > ageJ
	})

	if len(pending) > maxPools {
		pending = pending[:maxPools]
	}
	out := make([]common.Address, len(pending))
	for i, p := range pending {
		out[i] = p.PoolAddress
	}
	return out
}

// RemoveValidated drops pools from the queue once they have been
// validated (successfully or not — either way they're no longer
// "pending").
func (q *DeferredQueue) RemoveValidated(pools []common.Address) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range pools {
		delete(q.pending, p)
	}
}

func (q *DeferredQueue) cleanupOldLowPriorityLocked(currentBlock uint64) {
	for addr, v := range q.pending {
		if v.Priority != PriorityLow {
			continue
		}
		age := currentBlock - minU64(currentBlock, v.DiscoveredAtBlock)
		if age > q.maxAgeBlocks {
			delete(q.pending, addr)
		}
	}
}

// Len reports the current queue size.
func (q *DeferredQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
