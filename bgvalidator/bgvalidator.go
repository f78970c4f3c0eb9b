// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package bgvalidator runs the independent background sweep that keeps
// the validation cache warm: load a liquidity-tiered candidate set from
// the store, pre-filter it down with block-touch or quality filters,
// batch-refresh state over RPC, and mark each pool valid or invalid
// (spec.md §4.10). Grounded on
// original_source/src/background_pool_validator.rs.
package bgvalidator

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/luxfi/topology-indexer/blockparser"
	"github.com/luxfi/topology-indexer/pooltypes"
	"github.com/luxfi/topology-indexer/rpcpool"
	"github.com/luxfi/topology-indexer/validator"
)

const (
	targetPoolCount      = 300
	batchSize            = 200
	maxConcurrentBatches = 3
	blockTouchLookback   = 5

	jitMaxRetries     = 3
	jitInitialBackoff = 100 * time.Millisecond
)

// PoolStore loads candidate pools from the persistence layer, tiered by
// USD liquidity.
type PoolStore interface {
	LoadByLiquidityRange(ctx context.Context, minUSD, maxUSD float64) ([]*pooltypes.Pool, error)
}

// FreshState is a pool's just-in-time-fetched on-chain state.
type FreshState struct {
	Reserve0     *uint256.Int
	Reserve1     *uint256.Int
	SqrtPriceX96 *uint256.Int
	Liquidity    *uint256.Int
}

// StateFetcher fetches fresh on-chain state for a batch of pools in one
// round, typically backed by a per-DEX-family Multicall batch.
type StateFetcher interface {
	FetchStates(ctx context.Context, pools []*pooltypes.Pool, blockNumber uint64) (map[common.Address]FreshState, error)
}

// Config wires a Validator's collaborators.
type Config struct {
	Cache        *validator.ValidationCache
	RPC          *rpcpool.Pool
	Store        PoolStore
	StateFetcher StateFetcher
	BlockParser  *blockparser.Parser // optional; nil disables block-touch pre-filtering
	Blacklist    []common.Address
	Logger       *zap.Logger
}

// Validator runs the periodic background sweep described by spec.md
// §4.10. It does not perform the structural checks in package
// validator — it only keeps the liquidity-tiered "known good" set's
// cached reserves/liquidity warm and flags pools that have gone dry.
type Validator struct {
	cache        *validator.ValidationCache
	rpc          *rpcpool.Pool
	store        PoolStore
	stateFetcher StateFetcher
	blockParser  *blockparser.Parser
	blacklist    map[common.Address]struct{}
	log          *zap.Logger
}

// New builds a Validator from cfg.
func New(cfg Config) *Validator {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	blacklist := make(map[common.Address]struct{}, len(cfg.Blacklist))
	for _, a := range cfg.Blacklist {
		blacklist[a] = struct{}{}
	}
	return &Validator{
		cache:        cfg.Cache,
		rpc:          cfg.RPC,
		store:        cfg.Store,
		stateFetcher: cfg.StateFetcher,
		blockParser:  cfg.BlockParser,
		blacklist:    blacklist,
		log:          log,
	}
}

// Run loops RunOnce forever, sleeping an adaptive interval between
// iterations, until ctx is canceled.
func (v *Validator) Run(ctx context.Context) error {
	for {
		start := time.Now()
		if _, err := v.RunOnce(ctx); err != nil {
			v.log.Error("bgvalidator: iteration failed", zap.Error(err))
		}
		interval := nextInterval(time.Since(start))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// RunOnce executes a single sweep: evict stale cache entries, load the
// liquidity-tiered candidate set, pre-filter it, and batch-revalidate
// what remains. Returns the number of pools revalidated.
func (v *Validator) RunOnce(ctx context.Context) (int, error) {
	currentBlock, err := v.rpc.GetBlockNumber(ctx)
	if err != nil {
		return 0, err
	}

	removed := v.cache.InvalidateStale(currentBlock)
	if removed > 0 {
		v.log.Info("bgvalidator: evicted stale cache entries", zap.Int("count", removed))
	}

	pools, err := v.loadCandidatePools(ctx)
	if err != nil {
		return 0, err
	}

	filtered := v.preFilter(ctx, pools, currentBlock)
	validated := v.validateBatches(ctx, filtered, currentBlock)
	v.log.Info("bgvalidator: sweep complete",
		zap.Int("loaded", len(pools)), zap.Int("filtered", len(filtered)), zap.Int("validated", validated))
	return validated, nil
}

// loadCandidatePools widens the liquidity tier until at least 200 pools
// are found, matching spec.md §4.10 step 2's tiering.
func (v *Validator) loadCandidatePools(ctx context.Context) ([]*pooltypes.Pool, error) {
	high, err := v.store.LoadByLiquidityRange(ctx, 100_000, 10_000_000)
	if err != nil {
		return nil, err
	}
	if len(high) >= 200 {
		return high, nil
	}

	all := append([]*pooltypes.Pool{}, high...)
	medium, err := v.store.LoadByLiquidityRange(ctx, 50_000, 100_000)
	if err != nil {
		return all, nil
	}
	all = append(all, medium...)
	if len(all) >= 200 {
		return all, nil
	}

	low, err := v.store.LoadByLiquidityRange(ctx, 25_000, 50_000)
	if err != nil {
		return all, nil
	}
	return append(all, low...), nil
}

// preFilter narrows the candidate set to roughly targetPoolCount pools:
// if a block parser is attached, keep only pools touched in the last
// blockTouchLookback blocks; otherwise (or if that yields nothing) fall
// back to staged quality filtering (strict -> medium -> minimum).
func (v *Validator) preFilter(ctx context.Context, pools []*pooltypes.Pool, currentBlock uint64) []*pooltypes.Pool {
	if v.blockParser != nil {
		if touched := v.filterByBlockTouch(ctx, pools, currentBlock); len(touched) > 0 {
			return touched
		}
		v.log.Warn("bgvalidator: no pools touched in lookback window, falling back to quality filtering")
	}
	return v.filterByQuality(pools, targetPoolCount)
}

func (v *Validator) filterByBlockTouch(ctx context.Context, pools []*pooltypes.Pool, currentBlock uint64) []*pooltypes.Pool {
	touched := make(map[common.Address]struct{})
	for i := uint64(1); i <= blockTouchLookback && i <= currentBlock; i++ {
		block, err := v.blockParser.GetBlockWithTimeout(ctx, currentBlock-i, 0)
		if err != nil || block == nil {
			continue
		}
		for addr := range v.blockParser.ExtractTouchedPools(block) {
			touched[addr] = struct{}{}
		}
	}

	var out []*pooltypes.Pool
	for _, p := range pools {
		if _, ok := touched[p.Address]; ok {
			out = append(out, p)
		}
	}
	return out
}

// filterByQuality applies strict, then medium, then minimum quality
// filters in sequence until at least target pools survive or the
// minimum tier is exhausted, then truncates to target.
func (v *Validator) filterByQuality(pools []*pooltypes.Pool, target int) []*pooltypes.Pool {
	filtered := filterPools(pools, target, v.isHighQuality)
	if len(filtered) < target {
		filtered = filterPools(pools, target, v.isMediumQuality)
	}
	if len(filtered) < target {
		filtered = filterPools(pools, target, v.isMinimumQuality)
	}
	if len(filtered) > target {
		filtered = filtered[:target]
	}
	return filtered
}

func filterPools(pools []*pooltypes.Pool, hint int, keep func(*pooltypes.Pool) bool) []*pooltypes.Pool {
	out := make([]*pooltypes.Pool, 0, hint)
	for _, p := range pools {
		if keep(p) {
			out = append(out, p)
		}
	}
	return out
}

func (v *Validator) isBlacklisted(token common.Address) bool {
	_, ok := v.blacklist[token]
	return ok
}

func (v *Validator) isHighQuality(p *pooltypes.Pool) bool {
	if v.isBlacklisted(p.Token0) || v.isBlacklisted(p.Token1) {
		return false
	}
	switch p.Kind {
	case pooltypes.PoolKindConstantProduct:
		return nonNilPositive(p.Reserve0) && nonNilPositive(p.Reserve1)
	case pooltypes.PoolKindConcentrated:
		return validV3Fee(p.FeeBps) && nonNilPositive(p.Liquidity)
	default:
		return false
	}
}

func (v *Validator) isMediumQuality(p *pooltypes.Pool) bool {
	if v.isBlacklisted(p.Token0) || v.isBlacklisted(p.Token1) {
		return false
	}
	switch p.Kind {
	case pooltypes.PoolKindConstantProduct:
		return nonNilPositive(p.Reserve0) || nonNilPositive(p.Reserve1)
	case pooltypes.PoolKindConcentrated:
		return nonNilPositive(p.Liquidity)
	default:
		return false
	}
}

func (v *Validator) isMinimumQuality(p *pooltypes.Pool) bool {
	if v.isBlacklisted(p.Token0) || v.isBlacklisted(p.Token1) {
		return false
	}
	return p.Kind == pooltypes.PoolKindConstantProduct || p.Kind == pooltypes.PoolKindConcentrated
}

func nonNilPositive(v *uint256.Int) bool {
	return v != nil && !v.IsZero()
}

func validV3Fee(feeBps uint32) bool {
	switch feeBps {
	case 100, 500, 3000, 10000:
		return true
	}
	return false
}

// validateBatches splits pools into chunks of batchSize, refreshes
// state for up to maxConcurrentBatches chunks concurrently, and updates
// the validation cache with the outcome of each pool.
func (v *Validator) validateBatches(ctx context.Context, pools []*pooltypes.Pool, currentBlock uint64) int {
	if len(pools) == 0 || v.stateFetcher == nil {
		return 0
	}

	sem := semaphore.NewWeighted(maxConcurrentBatches)
	results := make(chan int, (len(pools)/batchSize)+1)

	var inFlight int
	for start := 0; start < len(pools); start += batchSize {
		end := start + batchSize
		if end > len(pools) {
			end = len(pools)
		}
		chunk := pools[start:end]

		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		inFlight++
		go func(chunk []*pooltypes.Pool) {
			defer sem.Release(1)
			results <- v.validateChunk(ctx, chunk, currentBlock)
		}(chunk)
	}

	total := 0
	for i := 0; i < inFlight; i++ {
		total += <-results
	}
	return total
}

// validateChunk fetches fresh state for one chunk, retrying transient
// failures with 100->200->400ms backoff, then updates the cache per
// pool.
func (v *Validator) validateChunk(ctx context.Context, pools []*pooltypes.Pool, currentBlock uint64) int {
	states, err := v.fetchStatesWithRetry(ctx, pools, currentBlock)
	if err != nil {
		v.log.Warn("bgvalidator: batch state fetch failed", zap.Error(err))
		return 0
	}

	validated := 0
	for _, p := range pools {
		state, ok := states[p.Address]
		if !ok {
			continue
		}
		isValid := poolIsLive(p, state)
		liquidity := state.Liquidity
		if p.Kind == pooltypes.PoolKindConstantProduct {
			liquidity = state.Reserve0
		}
		v.cache.Update(p.Address, isValid, liquidity, currentBlock)
		validated++
	}
	return validated
}

func (v *Validator) fetchStatesWithRetry(ctx context.Context, pools []*pooltypes.Pool, currentBlock uint64) (map[common.Address]FreshState, error) {
	backoff := jitInitialBackoff
	var lastErr error
	for attempt := 0; attempt < jitMaxRetries; attempt++ {
		states, err := v.stateFetcher.FetchStates(ctx, pools, currentBlock)
		if err == nil {
			return states, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, lastErr
}

func poolIsLive(p *pooltypes.Pool, state FreshState) bool {
	switch p.Kind {
	case pooltypes.PoolKindConstantProduct:
		return nonNilPositive(state.Reserve0) && nonNilPositive(state.Reserve1)
	case pooltypes.PoolKindConcentrated:
		return nonNilPositive(state.SqrtPriceX96) && nonNilPositive(state.Liquidity)
	default:
		return false
	}
}

// nextInterval mirrors the teacher's load-adaptive sleep: a slow
// iteration backs off to a longer interval so a congested RPC pool gets
// relief, matching the 5/7.5/10-minute tiers of
// background_pool_validator.rs's calculate_next_interval.
func nextInterval(lastDuration time.Duration) time.Duration {
	switch {
	case lastDuration > 10*time.Second:
		return 10 * time.Minute
	case lastDuration > 5*time.Second:
		return 7*time.Minute + 30*time.Second
	default:
		return 5 * time.Minute
	}
}
