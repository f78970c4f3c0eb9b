// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package orchestrator coordinates pool discovery across every
// registered DEX adapter: per-DEX cursor-driven range resolution, a
// chunked get_logs scan with validation and persistence, post-chunk
// activity classification, and a separate reactivation sweep over
// inactive-but-valid pools (spec.md §4.11). Grounded on
// original_source/src/orchestrator.rs, with the post-validation
// insert/update accounting split out per
// original_source/src/discovery_result_processor.rs, and the gap
// sweep grounded on original_source/src/event_indexer.rs.
package orchestrator

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/luxfi/topology-indexer/adapter"
	"github.com/luxfi/topology-indexer/poolevents"
	"github.com/luxfi/topology-indexer/pooltypes"
	"github.com/luxfi/topology-indexer/validator"
	"github.com/luxfi/topology-indexer/writer"
)

// maxIterations protects a chunk loop against a pathological range
// that would otherwise spin forever (spec.md §4.11 step 3's "hard
// iteration cap"), mirroring orchestrator.rs's MAX_ITERATIONS.
const maxIterations = 10000

// reactivationSampleSize bounds the inactive-valid-pool sample probed
// for reactivation each cycle, per spec.md §4.11 step 5.
const reactivationSampleSize = 200

// Settings configures discovery cadence and activity thresholds, the
// Go counterpart of settings.discovery/performance/validator.activity_rules
// (spec.md §6). discovery.initial_sync_blocks is deliberately absent:
// orchestrator.rs's range resolution branches on it but both branches
// compute the identical (current_block-window, current_block) range,
// so it has no observable effect on behavior worth carrying forward
// as a field nothing ever reads.
type Settings struct {
	// TrailingWindowBlocks is the fixed per-cycle range width ending at
	// head, per spec.md §4.11 step 1's "e.g. 40 blocks".
	TrailingWindowBlocks uint64
	// GetLogsChunkSize is the per-request get_logs block span.
	GetLogsChunkSize uint64
	// GetLogsMaxConcurrency caps concurrent provider queries per chunk
	// loop (enforced inside the adapter's DiscoverPools).
	GetLogsMaxConcurrency int
	// MinV2ReserveUSD/MinV3LiquidityUSD are the activity thresholds
	// (validator.activity_rules.*).
	MinV2ReserveUSD   float64
	MinV3LiquidityUSD float64
}

func (s Settings) withDefaults() Settings {
	if s.TrailingWindowBlocks == 0 {
		s.TrailingWindowBlocks = 40
	}
	if s.GetLogsChunkSize == 0 {
		s.GetLogsChunkSize = 2000
	}
	if s.GetLogsMaxConcurrency == 0 {
		s.GetLogsMaxConcurrency = 5
	}
	return s
}

// BlockNumberSource resolves the current chain head; satisfied by
// rpcpool.Pool directly.
type BlockNumberSource interface {
	GetBlockNumber(ctx context.Context) (uint64, error)
}

// PriceSource is the batched USD price lookup the activity/reactivation
// checks need; satisfied by priceoracle.Oracle.
type PriceSource interface {
	GetUSDPrices(ctx context.Context, tokens []common.Address) (map[common.Address]float64, error)
}

// Valuator computes a pool's USD weight given a price map; satisfied
// by topology.Graph.Weight, reusing the same v5_direct/sigma-balance
// formulas rather than re-deriving them here.
type Valuator interface {
	Weight(p *pooltypes.Pool, prices map[common.Address]float64) (float64, bool)
}

// Store is the read surface orchestrator needs from pgstore.Store;
// writes all go through WriteQueue instead.
type Store interface {
	GetDexState(ctx context.Context, dex string) (pooltypes.DexCursor, error)
	LoadActivePools(ctx context.Context) ([]*pooltypes.Pool, error)
	LoadInactiveValidSample(ctx context.Context, limit int) ([]*pooltypes.Pool, error)
	DetectGaps(ctx context.Context, dex string) ([]uint64, error)
}

// WriteQueue is the single enqueue method orchestrator needs from
// writer.Writer.
type WriteQueue interface {
	Enqueue(op writer.Operation)
}

// Stats summarizes one RunDiscoveryCycle call across every adapter,
// the Go counterpart of the Rust source's inline discovery_cycle
// counters.
type Stats struct {
	Discovered int
	Validated  int
	Inserted   int
}

// Orchestrator runs the discovery cycle and activity checks over every
// registered DEX adapter.
type Orchestrator struct {
	adapters  *adapter.Registry
	validator *validator.Validator
	store     Store
	writeq    WriteQueue
	blocks    BlockNumberSource
	prices    PriceSource
	valuator  Valuator
	settings  Settings
	log       *zap.Logger
}

// New builds an Orchestrator.
func New(adapters *adapter.Registry, v *validator.Validator, store Store, writeq WriteQueue, blocks BlockNumberSource, prices PriceSource, valuator Valuator, settings Settings, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		adapters:  adapters,
		validator: v,
		store:     store,
		writeq:    writeq,
		blocks:    blocks,
		prices:    prices,
		valuator:  valuator,
		settings:  settings.withDefaults(),
		log:       log,
	}
}

// RunDiscoveryCycle runs one discovery cycle across every registered
// adapter, in registration order; per-DEX cursors are fully
// independent — a failure on one adapter never blocks another's
// progress (spec.md §4.11's closing "never interleaves" note, read as
// "never shares state", not "runs concurrently").
func (o *Orchestrator) RunDiscoveryCycle(ctx context.Context) (Stats, error) {
	var total Stats
	for _, dex := range o.adapters.All() {
		stats, err := o.runAdapterCycle(ctx, dex)
		if err != nil {
			o.log.Warn("orchestrator: adapter cycle failed", zap.String("dex", dex.Name()), zap.Error(err))
			continue
		}
		total.Discovered += stats.Discovered
		total.Validated += stats.Validated
		total.Inserted += stats.Inserted
	}
	return total, nil
}

// runAdapterCycle resolves the per-DEX range, special-cases a static
// registry DEX, and otherwise chunks through the range validating and
// persisting candidates (spec.md §4.11 steps 1-4).
func (o *Orchestrator) runAdapterCycle(ctx context.Context, dex adapter.DEX) (Stats, error) {
	name := dex.Name()
	currentBlock, err := o.blocks.GetBlockNumber(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("orchestrator: get current block for %s: %w", name, err)
	}

	if dex.UsesStaticRegistry() {
		return o.runStaticRegistryCycle(ctx, dex, currentBlock)
	}

	cursor, err := o.store.GetDexState(ctx, name)
	if err != nil {
		return Stats{}, fmt.Errorf("orchestrator: get dex state for %s: %w", name, err)
	}

	from, to, skip := o.resolveRange(currentBlock)
	if skip {
		o.log.Debug("orchestrator: no new blocks to process", zap.String("dex", name))
		o.advanceCursor(cursor, currentBlock)
		return Stats{}, nil
	}

	return o.runChunkLoop(ctx, dex, cursor, from, to, currentBlock)
}

// resolveRange implements spec.md §4.11 step 1. A fresh DEX's cursor
// (GetDexState's zero-value sentinel) starts at head; every cycle
// after that re-applies the same fixed trailing window ending at
// head, matching orchestrator.rs's benchmark/steady-state range
// resolution, which recomputes an identical window regardless of
// last_processed_block rather than doing true incremental sync.
func (o *Orchestrator) resolveRange(currentBlock uint64) (from, to uint64, skip bool) {
	window := o.settings.TrailingWindowBlocks
	start := uint64(0)
	if currentBlock > window {
		start = currentBlock - window
	}
	if start >= currentBlock {
		return 0, 0, true
	}
	return start, currentBlock, false
}

func (o *Orchestrator) advanceCursor(cursor pooltypes.DexCursor, currentBlock uint64) {
	cursor.LastProcessedBlock = currentBlock
	if cursor.Mode == "" {
		cursor.Mode = pooltypes.CursorForward
	}
	o.writeq.Enqueue(writer.NewSetDexState(cursor))
}

// runStaticRegistryCycle handles Curve-like adapters whose factory
// exposes a static registry: discover_pools is called once with
// from==to==current and the range loop is skipped entirely (spec.md
// §4.11 step 2).
func (o *Orchestrator) runStaticRegistryCycle(ctx context.Context, dex adapter.DEX, currentBlock uint64) (Stats, error) {
	name := dex.Name()
	metas, err := dex.DiscoverPools(ctx, currentBlock, currentBlock, 0, 0)
	if err != nil {
		return Stats{}, fmt.Errorf("orchestrator: static discovery for %s: %w", name, err)
	}
	o.log.Info("orchestrator: static registry discovery", zap.String("dex", name), zap.Int("pools", len(metas)))

	stats := o.processDiscoveryResults(ctx, dex, metas, currentBlock)
	return stats, nil
}

// runChunkLoop walks [from, to] in settings.GetLogsChunkSize chunks,
// discovering, validating, and persisting each chunk's candidates
// before advancing and committing the cursor (spec.md §4.11 step 3).
func (o *Orchestrator) runChunkLoop(ctx context.Context, dex adapter.DEX, cursor pooltypes.DexCursor, from, to, currentBlock uint64) (Stats, error) {
	name := dex.Name()
	chunkSize := o.settings.GetLogsChunkSize
	concurrency := o.settings.GetLogsMaxConcurrency

	var total Stats
	pos := from
	for iterations := 0; pos <= to; iterations++ {
		if iterations > maxIterations {
			o.log.Error("orchestrator: exceeded iteration cap, breaking chunk loop",
				zap.String("dex", name), zap.Uint64("from", from), zap.Uint64("to", to))
			break
		}

		chunkEnd := pos + chunkSize - 1
		if chunkEnd > to {
			chunkEnd = to
		}

		metas, err := dex.DiscoverPools(ctx, pos, chunkEnd, int(chunkSize), concurrency)
		if err != nil {
			o.log.Warn("orchestrator: discover_pools failed, skipping chunk",
				zap.String("dex", name), zap.Uint64("chunk_start", pos), zap.Uint64("chunk_end", chunkEnd), zap.Error(err))
			pos = chunkEnd + 1
			continue
		}
		total.Discovered += len(metas)

		stats := o.processDiscoveryResults(ctx, dex, metas, currentBlock)
		total.Validated += stats.Validated
		total.Inserted += stats.Inserted

		cursor.LastProcessedBlock = chunkEnd
		cursor.Mode = pooltypes.CursorForward
		o.writeq.Enqueue(writer.NewSetDexState(cursor))

		pos = chunkEnd + 1
	}

	return total, nil
}

// processDiscoveryResults validates a batch of discovered pool
// candidates, persists every structurally valid one, fetches its
// on-chain state, values it in USD, and marks it active or inactive
// against the DEX-family threshold — the Go counterpart of
// discovery_result_processor.rs's process_validated_pools fused with
// orchestrator.rs's inline post-chunk activity block (spec.md §4.11
// step 4).
func (o *Orchestrator) processDiscoveryResults(ctx context.Context, dex adapter.DEX, metas []adapter.PoolMeta, currentBlock uint64) Stats {
	var stats Stats
	if len(metas) == 0 {
		return stats
	}

	candidates := make([]poolevents.Candidate, len(metas))
	for i, m := range metas {
		candidates[i] = toCandidate(m)
	}
	results := o.validator.ValidateAll(ctx, candidates)

	validAddrs := make([]common.Address, 0, len(metas))
	for _, m := range metas {
		res, ok := results[m.Address]
		isValid := ok && res.Valid
		o.writeq.Enqueue(writer.NewUpsertPool(&pooltypes.Pool{
			Address:      m.Address,
			DexName:      m.Dex,
			OriginDex:    m.Dex,
			Factory:      m.Factory,
			Token0:       m.Token0,
			Token1:       m.Token1,
			FeeBps:       m.FeeBps,
			CreatedBlock: m.CreatedBlock,
			IsValid:      isValid,
		}))
		stats.Inserted++
		if isValid {
			stats.Validated++
			validAddrs = append(validAddrs, m.Address)
		}
	}

	if len(validAddrs) > 0 {
		o.valueAndClassify(ctx, dex, validAddrs, currentBlock)
	}
	return stats
}

func toCandidate(m adapter.PoolMeta) poolevents.Candidate {
	return poolevents.Candidate{
		Address:           m.Address,
		Dex:               m.Dex,
		Factory:           m.Factory,
		Token0:            m.Token0,
		Token1:            m.Token1,
		FeeBps:            m.FeeBps,
		DiscoveredAtBlock: m.CreatedBlock,
	}
}

// valueAndClassify fetches state for pools, batch-prices every token
// they touch in one oracle call, and for each pool enqueues a
// state-history snapshot plus an active/inactive flag against its
// DEX-family threshold (spec.md §4.11 step 4).
func (o *Orchestrator) valueAndClassify(ctx context.Context, dex adapter.DEX, pools []common.Address, currentBlock uint64) {
	states, err := dex.FetchPoolState(ctx, pools)
	if err != nil {
		o.log.Warn("orchestrator: fetch pool state failed", zap.String("dex", dex.Name()), zap.Error(err))
		return
	}
	if len(states) == 0 {
		return
	}

	tokens := uniqueTokens(states)
	prices, err := o.prices.GetUSDPrices(ctx, tokens)
	if err != nil {
		o.log.Warn("orchestrator: batch price fetch failed, valuing with empty prices", zap.Error(err))
		prices = map[common.Address]float64{}
	}

	updates := make([]writer.ActivityUpdate, 0, len(states))
	for i := range states {
		p := &states[i]
		usdValue, _ := o.valuator.Weight(p, prices)
		threshold := o.thresholdFor(p)

		// Avoid flapping a pool to inactive purely because the oracle
		// couldn't value it this round (spec.md §4.11: classification
		// only fires off a real valuation).
		if usdValue > 0 {
			updates = append(updates, writer.ActivityUpdate{Address: p.Address, IsActive: usdValue >= threshold})
		}

		o.writeq.Enqueue(writer.NewPoolSnapshot(snapshotOf(p, currentBlock)))
	}
	if len(updates) > 0 {
		o.writeq.Enqueue(writer.NewBatchSetPoolActivity(updates))
	}
}

func (o *Orchestrator) thresholdFor(p *pooltypes.Pool) float64 {
	switch p.Kind {
	case pooltypes.PoolKindConcentrated:
		return o.settings.MinV3LiquidityUSD
	default:
		return o.settings.MinV2ReserveUSD
	}
}

func uniqueTokens(pools []pooltypes.Pool) []common.Address {
	seen := make(map[common.Address]struct{})
	var out []common.Address
	add := func(t common.Address) {
		if t == (common.Address{}) {
			return
		}
		if _, ok := seen[t]; ok {
			return
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	for _, p := range pools {
		switch p.Kind {
		case pooltypes.PoolKindConstantProduct, pooltypes.PoolKindConcentrated:
			add(p.Token0)
			add(p.Token1)
		case pooltypes.PoolKindWeighted, pooltypes.PoolKindStableSwap:
			for _, t := range p.Tokens {
				add(t)
			}
		}
	}
	return out
}

func snapshotOf(p *pooltypes.Pool, currentBlock uint64) pooltypes.PoolStateSnapshot {
	snap := pooltypes.PoolStateSnapshot{
		PoolAddress: p.Address,
		BlockNumber: currentBlock,
	}
	switch p.Kind {
	case pooltypes.PoolKindConstantProduct:
		snap.Reserve0 = p.Reserve0
		snap.Reserve1 = p.Reserve1
	case pooltypes.PoolKindConcentrated:
		snap.Liquidity = p.Liquidity
		snap.SqrtPriceX96 = p.SqrtPriceX96
	}
	return snap
}

// CheckPoolsActivity re-values every currently active pool and flips
// its flag if liquidity has fallen below (or recovered above) its
// DEX-family threshold, then separately probes a rolling sample of
// inactive-but-valid pools for reactivation (spec.md §4.11 step 5 /
// original_source/src/orchestrator.rs's check_pools_activity). Meant
// to run on its own cadence (e.g. every few minutes), not per
// discovery cycle.
func (o *Orchestrator) CheckPoolsActivity(ctx context.Context) error {
	active, err := o.store.LoadActivePools(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: load active pools: %w", err)
	}
	if len(active) > 0 {
		o.revalueAndFlag(ctx, active)
	}

	inactive, err := o.store.LoadInactiveValidSample(ctx, reactivationSampleSize)
	if err != nil {
		return fmt.Errorf("orchestrator: load inactive valid sample: %w", err)
	}
	if len(inactive) > 0 {
		o.reactivate(ctx, inactive)
	}
	return nil
}

func (o *Orchestrator) revalueAndFlag(ctx context.Context, pools []*pooltypes.Pool) {
	tokens := uniqueTokensPtr(pools)
	prices, err := o.prices.GetUSDPrices(ctx, tokens)
	if err != nil {
		o.log.Warn("orchestrator: activity check price fetch failed", zap.Error(err))
		prices = map[common.Address]float64{}
	}

	updates := make([]writer.ActivityUpdate, 0, len(pools))
	for _, p := range pools {
		usdValue, _ := o.valuator.Weight(p, prices)
		threshold := o.thresholdFor(p)
		if usdValue <= 0 {
			continue
		}
		if usdValue < threshold {
			o.log.Warn("orchestrator: pool now inactive", zap.Stringer("pool", p.Address), zap.Float64("usd_value", usdValue))
		}
		updates = append(updates, writer.ActivityUpdate{Address: p.Address, IsActive: usdValue >= threshold})
	}
	if len(updates) > 0 {
		o.writeq.Enqueue(writer.NewBatchSetPoolActivity(updates))
	}
}

func (o *Orchestrator) reactivate(ctx context.Context, pools []*pooltypes.Pool) {
	tokens := uniqueTokensPtr(pools)
	prices, err := o.prices.GetUSDPrices(ctx, tokens)
	if err != nil {
		o.log.Warn("orchestrator: reactivation price fetch failed", zap.Error(err))
		return
	}

	reactivated := 0
	for _, p := range pools {
		usdValue, ok := o.valuator.Weight(p, prices)
		if !ok {
			continue
		}
		threshold := o.thresholdFor(p)
		if usdValue >= threshold {
			o.writeq.Enqueue(writer.NewSetPoolActivity(p.Address, true))
			reactivated++
		}
	}
	if reactivated > 0 {
		o.log.Info("orchestrator: reactivated pools with recovered liquidity", zap.Int("count", reactivated))
	}
}

func uniqueTokensPtr(pools []*pooltypes.Pool) []common.Address {
	deref := make([]pooltypes.Pool, len(pools))
	for i, p := range pools {
		deref[i] = *p
	}
	return uniqueTokens(deref)
}

// DetectGaps queries event_index for non-contiguous blocks in a DEX's
// processed range and flips its cursor to reverse_sync when a gap is
// found, per the DexCursor.mode state machine (SPEC_FULL.md
// SUPPLEMENTED FEATURES #6 / original_source/src/event_indexer.rs's
// detect_gaps + automatic re-sync trigger).
func (o *Orchestrator) DetectGaps(ctx context.Context, dex string) ([]uint64, error) {
	gaps, err := o.store.DetectGaps(ctx, dex)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: detect gaps for %s: %w", dex, err)
	}
	if len(gaps) == 0 {
		return nil, nil
	}

	oldest := gaps[0]
	for _, g := range gaps[1:] {
		if g < oldest {
			oldest = g
		}
	}
	o.log.Warn("orchestrator: detected gap, triggering re-sync",
		zap.String("dex", dex), zap.Int("gaps", len(gaps)), zap.Uint64("resync_from", oldest))
	o.writeq.Enqueue(writer.NewSetDexState(pooltypes.DexCursor{
		Dex:                dex,
		LastProcessedBlock: oldest,
		Mode:               pooltypes.CursorReverseSync,
	}))
	return gaps, nil
}
