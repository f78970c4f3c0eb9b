// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package streaming is the block-driven alternative to the discovery
// orchestrator's get_logs cycle: subscribed to the block stream
// (package blockstream), it extracts, classifies, and validates pool
// candidates as each block arrives, draining the priority deferred
// queue with whatever RPC budget the same-block phase didn't spend
// (spec.md §4.12). Grounded on original_source/src/orchestrator.rs's
// same-block path (the only place the Rust source actually drives
// discovery off a live block rather than a get_logs range) plus
// deferred_discovery_queue.rs / pool_priority_classifier.rs for the
// priority routing itself.
package streaming

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/luxfi/topology-indexer/blockstream"
	"github.com/luxfi/topology-indexer/classifier"
	"github.com/luxfi/topology-indexer/pooltypes"
	"github.com/luxfi/topology-indexer/poolevents"
	"github.com/luxfi/topology-indexer/validator"
	"github.com/luxfi/topology-indexer/writer"
)

// callsPerPool mirrors classifier.DeferredQueue's validation cost
// model: bytecode, factory, token0.
const callsPerPool = 3

// Settings configures the per-block RPC budget and deferred queue
// sizing (spec.md §4.7/§4.12).
type Settings struct {
	// RPCBudgetPerBlock is split between the same-block Critical/High
	// validation pass and the deferred-queue drain that follows it.
	RPCBudgetPerBlock int
	DeferredQueueMaxPending   int
	DeferredQueueMaxAgeBlocks uint64
}

func (s Settings) withDefaults() Settings {
	if s.RPCBudgetPerBlock == 0 {
		s.RPCBudgetPerBlock = 300
	}
	if s.DeferredQueueMaxPending == 0 {
		s.DeferredQueueMaxPending = 100
	}
	if s.DeferredQueueMaxAgeBlocks == 0 {
		s.DeferredQueueMaxAgeBlocks = 100
	}
	return s
}

// Extractor pulls pool-creation candidates out of one block; satisfied
// by poolevents.Extractor.
type Extractor interface {
	ExtractPoolCreationEvents(ctx context.Context, blockNumber uint64, factories *poolevents.FactoryMap) ([]poolevents.Candidate, error)
}

// Validator structurally validates a batch of candidates; satisfied by
// validator.Validator.
type Validator interface {
	ValidateAll(ctx context.Context, candidates []poolevents.Candidate) map[common.Address]validator.Result
}

// WriteQueue is the single enqueue method streaming needs from
// writer.Writer.
type WriteQueue interface {
	Enqueue(op writer.Operation)
}

// Stats summarizes one ProcessBlock call.
type Stats struct {
	Extracted       int
	SameBlockValid  int
	DeferredValid   int
	DeferredQueued  int
	DeferredMissing int // deferred entries whose candidate fell out of cache before they could be drained
}

// Stream is the block-driven discovery front-end. Build one with New
// and call Run in its own goroutine against a shared blockstream.Stream.
type Stream struct {
	extractor Extractor
	classify  *classifier.Classifier
	deferred  *classifier.DeferredQueue
	validate  Validator
	writeq    WriteQueue
	factories *poolevents.FactoryMap
	cache     *candidateCache
	settings  Settings
	log       *zap.Logger

	mu          sync.Mutex
	knownTokens map[common.Address]struct{}
}

// New builds a Stream.
func New(extractor Extractor, cl *classifier.Classifier, v Validator, writeq WriteQueue, factories *poolevents.FactoryMap, settings Settings, log *zap.Logger) *Stream {
	if log == nil {
		log = zap.NewNop()
	}
	settings = settings.withDefaults()
	return &Stream{
		extractor:   extractor,
		classify:    cl,
		deferred:    classifier.NewDeferredQueue(settings.DeferredQueueMaxPending, settings.DeferredQueueMaxAgeBlocks),
		validate:    v,
		writeq:      writeq,
		factories:   factories,
		cache:       newCandidateCache(settings.DeferredQueueMaxPending),
		settings:    settings,
		log:         log,
		knownTokens: make(map[common.Address]struct{}),
	}
}

// UpdateKnownTokens replaces the known-token set the classifier scores
// candidates against, mirroring blockparser.Parser.UpdateKnownPools's
// periodic-refresh idiom.
func (s *Stream) UpdateKnownTokens(tokens []common.Address) {
	set := make(map[common.Address]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	s.mu.Lock()
	s.knownTokens = set
	s.mu.Unlock()
}

func (s *Stream) snapshotKnownTokens() map[common.Address]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.knownTokens
}

// Run subscribes to blocks and processes each one until ctx is done.
func (s *Stream) Run(ctx context.Context, blocks *blockstream.Stream) {
	ch := make(chan blockstream.BlockData, 16)
	sub := blocks.Subscribe(ch)
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-sub.Err():
			if err != nil {
				s.log.Warn("streaming: block subscription error", zap.Error(err))
			}
			return
		case bd := <-ch:
			if _, err := s.ProcessBlock(ctx, bd.BlockNumber); err != nil {
				s.log.Warn("streaming: process block failed", zap.Uint64("block", bd.BlockNumber), zap.Error(err))
			}
		}
	}
}

// ProcessBlock runs spec.md §4.12 steps 1-5 for one block.
func (s *Stream) ProcessBlock(ctx context.Context, blockNumber uint64) (Stats, error) {
	var stats Stats

	candidates, err := s.extractor.ExtractPoolCreationEvents(ctx, blockNumber, s.factories)
	if err != nil {
		return stats, err
	}
	stats.Extracted = len(candidates)
	if len(candidates) == 0 {
		return stats, nil
	}

	critical, high, medium, low := s.classify.ClassifyPools(candidates, s.snapshotKnownTokens())

	// remainingCapacity is spent on Critical first, then High, so
	// overflow past the same-block budget carries its true priority
	// into the deferred queue rather than being downgraded — a
	// spilled-over Critical candidate still outranks every High entry
	// once it reaches the queue, and classifier.DeferredQueue's
	// priority-then-age ordering means it's first in line to drain
	// next block (spec.md §4.12 step 5's "Critical entries never wait
	// more than one block").
	remainingCapacity := s.settings.RPCBudgetPerBlock / callsPerPool
	sameBlockSet := make([]poolevents.Candidate, 0, len(critical)+len(high))
	sameBlockSet, remainingCapacity = s.admitToSameBlock(sameBlockSet, critical, classifier.PriorityCritical, remainingCapacity, blockNumber, &stats)
	sameBlockSet, remainingCapacity = s.admitToSameBlock(sameBlockSet, high, classifier.PriorityHigh, remainingCapacity, blockNumber, &stats)

	stats.DeferredQueued += s.deferAll(medium, classifier.PriorityMedium, blockNumber)
	stats.DeferredQueued += s.deferAll(low, classifier.PriorityLow, blockNumber)

	if len(sameBlockSet) > 0 {
		validated := s.validateAndPersist(ctx, sameBlockSet)
		stats.SameBlockValid = validated
	}

	usedCalls := len(sameBlockSet) * callsPerPool
	remainingBudget := s.settings.RPCBudgetPerBlock - usedCalls
	if remainingBudget >= callsPerPool {
		drainAddrs := s.deferred.GetValidationsForBlock(blockNumber, remainingBudget)
		drainSet := make([]poolevents.Candidate, 0, len(drainAddrs))
		for _, addr := range drainAddrs {
			cand, ok := s.cache.get(addr)
			if !ok {
				stats.DeferredMissing++
				continue
			}
			drainSet = append(drainSet, cand)
		}
		if len(drainSet) > 0 {
			stats.DeferredValid = s.validateAndPersist(ctx, drainSet)
		}
	}

	return stats, nil
}

// admitToSameBlock takes as many of candidates as remainingCapacity
// allows into the same-block validation set, deferring the rest under
// priority.
func (s *Stream) admitToSameBlock(set, candidates []poolevents.Candidate, priority classifier.Priority, remainingCapacity int, blockNumber uint64, stats *Stats) ([]poolevents.Candidate, int) {
	if remainingCapacity <= 0 {
		stats.DeferredQueued += s.deferAll(candidates, priority, blockNumber)
		return set, 0
	}
	if len(candidates) <= remainingCapacity {
		return append(set, candidates...), remainingCapacity - len(candidates)
	}
	set = append(set, candidates[:remainingCapacity]...)
	stats.DeferredQueued += s.deferAll(candidates[remainingCapacity:], priority, blockNumber)
	return set, 0
}

// deferAll caches each candidate and pushes it into the deferred
// queue, returning how many were actually admitted (a full queue
// rejects new Low priority entries per classifier.DeferredQueue).
func (s *Stream) deferAll(candidates []poolevents.Candidate, priority classifier.Priority, blockNumber uint64) int {
	admitted := 0
	for _, cand := range candidates {
		if err := s.deferred.AddPending(cand.Address, blockNumber, priority); err != nil {
			s.log.Debug("streaming: deferred queue rejected candidate",
				zap.Stringer("pool", cand.Address), zap.Error(err))
			continue
		}
		s.cache.put(cand)
		admitted++
	}
	return admitted
}

// validateAndPersist validates candidates, upserts every one (tagging
// IsValid), and clears validated addresses out of the deferred queue
// and candidate cache (spec.md §4.12 step 4).
func (s *Stream) validateAndPersist(ctx context.Context, candidates []poolevents.Candidate) int {
	results := s.validate.ValidateAll(ctx, candidates)

	validCount := 0
	addrs := make([]common.Address, 0, len(candidates))
	for _, cand := range candidates {
		res, ok := results[cand.Address]
		isValid := ok && res.Valid
		s.writeq.Enqueue(writer.NewUpsertPool(&pooltypes.Pool{
			Address:      cand.Address,
			DexName:      cand.Dex,
			OriginDex:    cand.Dex,
			Factory:      cand.Factory,
			Token0:       cand.Token0,
			Token1:       cand.Token1,
			FeeBps:       cand.FeeBps,
			CreatedBlock: cand.DiscoveredAtBlock,
			IsValid:      isValid,
		}))
		if isValid {
			validCount++
		}
		addrs = append(addrs, cand.Address)
	}

	s.deferred.RemoveValidated(addrs)
	s.cache.remove(addrs)
	return validCount
}

// DeferredQueueLen reports how many pools are currently awaiting
// validation, for metrics/testing.
func (s *Stream) DeferredQueueLen() int {
	return s.deferred.Len()
}
