// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package priceoracle resolves USD prices for tokens through a
// cascade: block-consistent cache, a shared cross-component cache,
// Chainlink feeds via multicall, pool-based TWAP fallback, and a
// small hardcoded stablecoin/WETH floor (spec.md §4.5). Grounded on
// original_source/src/price_feeds.rs; Chainlink decoding follows the
// ABI-packing pattern in multicall.Batcher.
package priceoracle

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/luxfi/topology-indexer/multicall"
	"github.com/luxfi/topology-indexer/pooltypes"
)

// latestRoundDataABI is the minimal Chainlink AggregatorV3Interface
// fragment this package needs.
const latestRoundDataABI = `[{
	"inputs": [],
	"name": "latestRoundData",
	"outputs": [
		{"name": "roundId", "type": "uint80"},
		{"name": "answer", "type": "int256"},
		{"name": "startedAt", "type": "uint256"},
		{"name": "updatedAt", "type": "uint256"},
		{"name": "answeredInRound", "type": "uint80"}
	],
	"stateMutability": "view",
	"type": "function"
}, {
	"inputs": [],
	"name": "decimals",
	"outputs": [{"name": "", "type": "uint8"}],
	"stateMutability": "view",
	"type": "function"
}]`

var parsedAggregatorABI = func() abi.ABI {
	a, err := abi.JSON(strings.NewReader(latestRoundDataABI))
	if err != nil {
		panic(fmt.Sprintf("priceoracle: invalid embedded ABI: %v", err))
	}
	return a
}()

// Hardcoded last-resort floors, grounded on the Arbitrum One constants
// in price_feeds.rs. These only apply once Chainlink, the pool
// fallback, and the shared cache have all failed a token.
var (
	hardcodedStableUSD  = 1.0
	hardcodedWETHFloor  = 3500.0
	hardcodedWETHCeil   = 100000.0
)

// SharedCache is the narrow read surface priceoracle needs from an
// external cross-component cache (e.g. hotcache); it lets anchor
// token prices populated by one subsystem unblock another's pool
// fallback without a direct dependency between them.
type SharedCache interface {
	GetPrice(token common.Address) (float64, bool)
}

// PoolSource resolves a token's USD price from on-chain pool reserves
// (a TWAP-style estimate against a known anchor token), used as the
// fallback path when Chainlink is slow or has no feed for a token.
type PoolSource interface {
	PriceFromPools(ctx context.Context, token common.Address, anchors map[common.Address]float64) (float64, bool)
}

// Config configures an Oracle.
type Config struct {
	MulticallBatcher *multicall.Batcher
	OracleAddresses  map[common.Address]common.Address // token -> Chainlink aggregator
	AnchorTokens     []common.Address
	PoolSource       PoolSource
	StablecoinFloors map[common.Address]struct{} // tokens hardcoded to $1.00
	WETHAddress      common.Address
	Logger           *zap.Logger
}

// Oracle resolves USD prices through the full cascade.
type Oracle struct {
	batcher      *multicall.Batcher
	oracles      map[common.Address]common.Address
	anchors      []common.Address
	poolSource   PoolSource
	stableFloors map[common.Address]struct{}
	weth         common.Address
	log          *zap.Logger

	mu           sync.RWMutex
	currentBlock uint64
	priceCache   map[common.Address]pooltypes.PriceEntry
}

// New builds an Oracle from cfg.
func New(cfg Config) *Oracle {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	stableFloors := cfg.StablecoinFloors
	if stableFloors == nil {
		stableFloors = make(map[common.Address]struct{})
	}
	return &Oracle{
		batcher:      cfg.MulticallBatcher,
		oracles:      cfg.OracleAddresses,
		anchors:      cfg.AnchorTokens,
		poolSource:   cfg.PoolSource,
		stableFloors: stableFloors,
		weth:         cfg.WETHAddress,
		log:          log,
		priceCache:   make(map[common.Address]pooltypes.PriceEntry),
	}
}

// UpdateCurrentBlock advances the block-consistency boundary. Cache
// entries from neither the current nor the immediately preceding
// block are no longer served, per the block-consistent cache
// invariant (spec.md §4.5).
func (o *Oracle) UpdateCurrentBlock(block uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.currentBlock = block
	prev := uint64(0)
	if block > 0 {
		prev = block - 1
	}
	for token, entry := range o.priceCache {
		if entry.BlockNumber != block && entry.BlockNumber != prev {
			delete(o.priceCache, token)
		}
	}
}

// GetUSDPrices resolves USD prices for tokens with the default 150ms
// total budget (120ms of it for the Chainlink path), the live
// (non-historical) cascade.
func (o *Oracle) GetUSDPrices(ctx context.Context, tokens []common.Address) (map[common.Address]float64, error) {
	return o.GetUSDPricesWithBudget(ctx, tokens, 150*time.Millisecond, nil)
}

// GetUSDPricesWithBudget resolves USD prices for tokens, splitting
// totalBudget 80/20 between the Chainlink path and the pool-based
// fallback path (spec.md §4.5), consulting shared for anchor and
// already-known prices before either path runs.
func (o *Oracle) GetUSDPricesWithBudget(ctx context.Context, tokens []common.Address, totalBudget time.Duration, shared SharedCache) (map[common.Address]float64, error) {
	results := make(map[common.Address]float64)

	o.mu.RLock()
	current := o.currentBlock
	prev := uint64(0)
	if current > 0 {
		prev = current - 1
	}
	var toFetch []common.Address
	for _, t := range tokens {
		entry, ok := o.priceCache[t]
		if ok && (entry.BlockNumber == current || entry.BlockNumber == prev) && entry.PriceUSD > 0 {
			results[t] = entry.PriceUSD
		} else {
			toFetch = append(toFetch, t)
		}
	}
	o.mu.RUnlock()

	toFetch = dedupeAddresses(toFetch)
	if len(toFetch) == 0 {
		return results, nil
	}

	known := make(map[common.Address]float64, len(results))
	for t, p := range results {
		known[t] = p
	}
	if shared != nil {
		for _, anchor := range o.anchors {
			if _, ok := known[anchor]; ok {
				continue
			}
			if p, ok := shared.GetPrice(anchor); ok && p > 0 {
				known[anchor] = p
			}
		}
		for _, t := range toFetch {
			if _, ok := known[t]; ok {
				continue
			}
			if p, ok := shared.GetPrice(t); ok && p > 0 {
				known[t] = p
			}
		}
	}

	canPoolFallback := false
	for _, anchor := range o.anchors {
		if _, ok := known[anchor]; ok {
			canPoolFallback = true
			break
		}
	}

	var stillNeeded []common.Address
	for _, t := range toFetch {
		if _, ok := known[t]; !ok {
			stillNeeded = append(stillNeeded, t)
		}
	}

	chainlinkPrices := make(map[common.Address]float64)
	poolPrices := make(map[common.Address]float64)

	if len(stillNeeded) > 0 {
		chainlinkBudget := time.Duration(float64(totalBudget) * 0.8)
		poolBudget := totalBudget - chainlinkBudget

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			clCtx, cancel := context.WithTimeout(ctx, chainlinkBudget)
			defer cancel()
			prices, err := o.fetchChainlink(clCtx, stillNeeded)
			if err != nil {
				o.log.Debug("priceoracle: chainlink path failed", zap.Error(err))
				return
			}
			chainlinkPrices = prices
		}()

		if canPoolFallback && o.poolSource != nil {
			wg.Add(1)
			go func() {
				defer wg.Done()
				poolCtx, cancel := context.WithTimeout(ctx, poolBudget)
				defer cancel()
				for _, t := range stillNeeded {
					if p, ok := o.poolSource.PriceFromPools(poolCtx, t, known); ok && p > 0 {
						poolPrices[t] = p
					}
				}
			}()
		}
		wg.Wait()
	}

	var missing []common.Address
	for _, t := range toFetch {
		if sharedPrice, ok := known[t]; ok && sharedPrice > 0 {
			results[t] = sharedPrice
			continue
		}
		if clPrice, ok := chainlinkPrices[t]; ok && clPrice > 0 {
			results[t] = clPrice
			continue
		}
		if poolPrice, ok := poolPrices[t]; ok && poolPrice > 0 {
			results[t] = poolPrice
			continue
		}
		if floor, ok := o.hardcodedFloor(t, chainlinkPrices, results); ok {
			results[t] = floor
			continue
		}
		missing = append(missing, t)
	}

	o.cacheResults(results, current)

	if len(missing) > 0 {
		o.log.Warn("priceoracle: price sources exhausted for some tokens",
			zap.Int("missing", len(missing)), zap.Int("resolved", len(results)))
	}
	return results, nil
}

// hardcodedFloor applies the last-resort constants: stablecoins float
// to $1.00, WETH floats to a conservative fixed price, both only once
// every richer source has failed.
func (o *Oracle) hardcodedFloor(token common.Address, chainlink, resolved map[common.Address]float64) (float64, bool) {
	if _, ok := o.stableFloors[token]; ok {
		return hardcodedStableUSD, true
	}
	if o.weth != (common.Address{}) && token == o.weth {
		if hardcodedWETHFloor > 0 && hardcodedWETHFloor <= hardcodedWETHCeil {
			return hardcodedWETHFloor, true
		}
	}
	return 0, false
}

func (o *Oracle) cacheResults(results map[common.Address]float64, block uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for token, price := range results {
		o.priceCache[token] = pooltypes.PriceEntry{
			Token:       token,
			PriceUSD:    price,
			BlockNumber: block,
			Source:      pooltypes.SourceChainlink,
		}
	}
}

// fetchChainlink resolves tokens via their registered Chainlink
// aggregators in one multicall batch (latestRoundData + decimals).
func (o *Oracle) fetchChainlink(ctx context.Context, tokens []common.Address) (map[common.Address]float64, error) {
	if o.batcher == nil {
		return nil, fmt.Errorf("priceoracle: no multicall batcher configured")
	}

	var relevant []common.Address
	var calls []multicall.Call
	for _, t := range tokens {
		agg, ok := o.oracles[t]
		if !ok {
			continue
		}
		data, err := parsedAggregatorABI.Pack("latestRoundData")
		if err != nil {
			return nil, fmt.Errorf("pack latestRoundData: %w", err)
		}
		decData, err := parsedAggregatorABI.Pack("decimals")
		if err != nil {
			return nil, fmt.Errorf("pack decimals: %w", err)
		}
		relevant = append(relevant, t)
		calls = append(calls, multicall.Call{Target: agg, CallData: data})
		calls = append(calls, multicall.Call{Target: agg, CallData: decData})
	}
	if len(calls) == 0 {
		return map[common.Address]float64{}, nil
	}

	raw, err := o.batcher.Run(ctx, calls, nil)
	if err != nil {
		return nil, err
	}

	out := make(map[common.Address]float64, len(relevant))
	for i, token := range relevant {
		roundData := raw[i*2]
		decimalsData := raw[i*2+1]
		if len(roundData) == 0 || len(decimalsData) == 0 {
			continue
		}

		unpacked, err := parsedAggregatorABI.Unpack("latestRoundData", roundData)
		if err != nil || len(unpacked) < 2 {
			continue
		}
		answer, ok := unpacked[1].(*big.Int)
		if !ok || answer.Sign() <= 0 {
			continue
		}

		decUnpacked, err := parsedAggregatorABI.Unpack("decimals", decimalsData)
		if err != nil || len(decUnpacked) < 1 {
			continue
		}
		decimals, ok := decUnpacked[0].(uint8)
		if !ok {
			continue
		}

		divisor := new(big.Float).SetFloat64(1)
		for i := uint8(0); i < decimals; i++ {
			divisor.Mul(divisor, big.NewFloat(10))
		}
		price := new(big.Float).Quo(new(big.Float).SetInt(answer), divisor)
		f, _ := price.Float64()
		if f > 0 {
			out[token] = f
		}
	}
	return out, nil
}

func dedupeAddresses(addrs []common.Address) []common.Address {
	seen := make(map[common.Address]struct{}, len(addrs))
	out := make([]common.Address, 0, len(addrs))
	for _, a := range addrs {
		if a == (common.Address{}) {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}
