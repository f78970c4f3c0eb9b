// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package priceoracle

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/topology-indexer/multicall"
)

// v3FactoryABI and v3PoolABI are the minimal Uniswap-V3-style
// fragments the pool fallback needs: finding a pool for a token pair
// and fee tier, and reading its cumulative tick observations (spec.md
// §4.5 step 4), grounded on original_source/src/price_feeds.rs's
// `get_price_via_fallback`.
const v3FactoryABI = `[{
	"inputs": [
		{"name": "tokenA", "type": "address"},
		{"name": "tokenB", "type": "address"},
		{"name": "fee", "type": "uint24"}
	],
	"name": "getPool",
	"outputs": [{"name": "pool", "type": "address"}],
	"stateMutability": "view",
	"type": "function"
}]`

const v3PoolABI = `[{
	"inputs": [{"name": "secondsAgos", "type": "uint32[]"}],
	"name": "observe",
	"outputs": [
		{"name": "tickCumulatives", "type": "int56[]"},
		{"name": "secondsPerLiquidityCumulativeX128s", "type": "uint160[]"}
	],
	"stateMutability": "view",
	"type": "function"
}, {
	"inputs": [],
	"name": "token0",
	"outputs": [{"name": "", "type": "address"}],
	"stateMutability": "view",
	"type": "function"
}]`

var (
	parsedV3FactoryABI = func() abi.ABI {
		a, err := abi.JSON(strings.NewReader(v3FactoryABI))
		if err != nil {
			panic(fmt.Sprintf("priceoracle: invalid embedded v3 factory ABI: %v", err))
		}
		return a
	}()
	parsedV3PoolABI = func() abi.ABI {
		a, err := abi.JSON(strings.NewReader(v3PoolABI))
		if err != nil {
			panic(fmt.Sprintf("priceoracle: invalid embedded v3 pool ABI: %v", err))
		}
		return a
	}()
)

// candidateFeeTiers mirrors price_feeds.rs's fee tier probe order:
// 500, 3000, 100 bps, the three most commonly deployed V3 tiers.
var candidateFeeTiers = []uint32{500, 3000, 100}

// twapObservationWindow is the `secondsAgos` pair passed to observe:
// [60s ago, now], matching the source's `observe(vec![60, 0])`.
const twapObservationWindow = 60

// V3PoolSource implements PoolSource against a single Uniswap-V3-style
// factory: for a missing token it probes (token, anchor, fee) pool
// addresses across every anchor with a known price and the three
// common fee tiers, then derives a spot price from the pool's last
// 60-second average tick. It is a reserve-implied TWAP approximation,
// not the exact windowed formula a purpose-built TWAP oracle would
// use, matching the precision the original cascade's fallback step
// accepted.
type V3PoolSource struct {
	batcher *multicall.Batcher
	factory common.Address
}

// NewV3PoolSource builds a V3PoolSource against factory, called
// through batcher so the fallback shares the same aggregate3 batching
// path as Chainlink and tokenenrich.
func NewV3PoolSource(batcher *multicall.Batcher, factory common.Address) *V3PoolSource {
	return &V3PoolSource{batcher: batcher, factory: factory}
}

// PriceFromPools implements PoolSource. It returns the first valid
// price found, trying anchors in map iteration order (so which anchor
// prices the token, when several could, is not fixed) and, for each
// anchor, the three candidate fee tiers in turn — the nested loop of
// `get_price_via_fallback`, one pool at a time rather than one large
// cross-anchor batch, since a single valid pool is sufficient per
// token.
func (s *V3PoolSource) PriceFromPools(ctx context.Context, token common.Address, anchors map[common.Address]float64) (float64, bool) {
	if s.batcher == nil || s.factory == (common.Address{}) {
		return 0, false
	}

	for anchor, anchorPrice := range anchors {
		if anchor == token || anchorPrice <= 0 {
			continue
		}
		for _, fee := range candidateFeeTiers {
			select {
			case <-ctx.Done():
				return 0, false
			default:
			}
			price, ok := s.priceFromPool(ctx, token, anchor, anchorPrice, fee)
			if ok {
				return price, true
			}
		}
	}
	return 0, false
}

func (s *V3PoolSource) priceFromPool(ctx context.Context, token, anchor common.Address, anchorPrice float64, fee uint32) (float64, bool) {
	pool, ok := s.getPool(ctx, token, anchor, fee)
	if !ok || pool == (common.Address{}) {
		return 0, false
	}

	observeData, err := parsedV3PoolABI.Pack("observe", []uint32{twapObservationWindow, 0})
	if err != nil {
		return 0, false
	}
	token0Data, err := parsedV3PoolABI.Pack("token0")
	if err != nil {
		return 0, false
	}

	raw, err := s.batcher.Run(ctx, []multicall.Call{
		{Target: pool, CallData: observeData},
		{Target: pool, CallData: token0Data},
	}, nil)
	if err != nil || len(raw) != 2 || len(raw[0]) == 0 || len(raw[1]) == 0 {
		return 0, false
	}

	unpacked, err := parsedV3PoolABI.Unpack("observe", raw[0])
	if err != nil || len(unpacked) != 2 {
		return 0, false
	}
	tickCumulatives, ok := unpacked[0].([]*big.Int)
	if !ok || len(tickCumulatives) != 2 {
		return 0, false
	}

	token0Unpacked, err := parsedV3PoolABI.Unpack("token0", raw[1])
	if err != nil || len(token0Unpacked) != 1 {
		return 0, false
	}
	token0, ok := token0Unpacked[0].(common.Address)
	if !ok {
		return 0, false
	}

	avgTick := new(big.Int).Sub(tickCumulatives[1], tickCumulatives[0])
	avgTick.Quo(avgTick, big.NewInt(twapObservationWindow))

	relativePrice := tickToPrice(avgTick.Int64())
	if !isFiniteAndPositive(relativePrice) {
		return 0, false
	}

	var price float64
	if token0 == token {
		price = relativePrice * anchorPrice
	} else {
		if relativePrice < 1e-20 {
			return 0, false
		}
		price = (1.0 / relativePrice) * anchorPrice
	}
	if !isFiniteAndPositive(price) {
		return 0, false
	}
	if price < 1e-8 || price > 1e7 {
		return 0, false
	}
	return price, true
}

func (s *V3PoolSource) getPool(ctx context.Context, tokenA, tokenB common.Address, fee uint32) (common.Address, bool) {
	data, err := parsedV3FactoryABI.Pack("getPool", tokenA, tokenB, big.NewInt(int64(fee)))
	if err != nil {
		return common.Address{}, false
	}
	raw, err := s.batcher.Run(ctx, []multicall.Call{{Target: s.factory, CallData: data}}, nil)
	if err != nil || len(raw) != 1 || len(raw[0]) == 0 {
		return common.Address{}, false
	}
	unpacked, err := parsedV3FactoryABI.Unpack("getPool", raw[0])
	if err != nil || len(unpacked) != 1 {
		return common.Address{}, false
	}
	addr, ok := unpacked[0].(common.Address)
	if !ok {
		return common.Address{}, false
	}
	return addr, true
}

// tickToPrice computes 1.0001^tick, the standard Uniswap V3
// tick-to-relative-price conversion (original_source/src/v3_math.rs,
// not included in the retained source set, so reconstructed from the
// well-known formula cited alongside it).
func tickToPrice(tick int64) float64 {
	return math.Pow(1.0001, float64(tick))
}

func isFiniteAndPositive(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0) && f > 0
}
