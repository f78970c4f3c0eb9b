// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package topology maintains the liquidity graph implicitly as the
// set of valid pools carrying up-to-date USD weights (spec.md §4.13).
// It holds no adjacency structure of its own — route.Precomputer
// builds that from the same pool set — topology's only job is
// deciding each pool's current weight and persisting it.
//
// The weight formula itself is not in original_source/src -- the
// Rust source only ever reads and writes an opaque `weight` column,
// never recomputing it inline -- so this package follows spec.md
// §4.13's formula verbatim (V2 sigma-reserve*price, V3 `v5_direct`,
// Balancer/Curve sigma-balance*price) rather than a grounded
// reference implementation.
package topology

import (
	"context"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/luxfi/topology-indexer/pooltypes"
)

// PriceSource is the narrow read surface Graph needs from the price
// oracle: a batched USD lookup for a set of tokens.
type PriceSource interface {
	GetUSDPrices(ctx context.Context, tokens []common.Address) (map[common.Address]float64, error)
}

// DecimalsSource resolves a token's decimals, defaulting callers fall
// back to 18 when unknown.
type DecimalsSource interface {
	Get(token common.Address) (uint8, bool)
}

// WeightSink is where computed weights land; pgstore.Store satisfies
// it, and Graph depends on the batch-upsert shape directly instead of
// the whole store.
type WeightSink interface {
	BatchUpsertGraphWeights(ctx context.Context, weights []pooltypes.GraphWeight) error
}

// Graph computes and persists each valid pool's USD TVL weight.
type Graph struct {
	prices   PriceSource
	decimals DecimalsSource
	sink     WeightSink
	log      *zap.Logger
}

// New builds a Graph.
func New(prices PriceSource, decimals DecimalsSource, sink WeightSink, log *zap.Logger) *Graph {
	if log == nil {
		log = zap.NewNop()
	}
	return &Graph{prices: prices, decimals: decimals, sink: sink, log: log}
}

// Refresh computes a weight for every pool in pools at currentBlock
// and batch-upserts the result (spec.md §4.13 steps 1-4). Pools whose
// weight comes out non-finite or negative are skipped, not zeroed —
// a skipped pool keeps whatever weight it last had until the next
// successful refresh.
func (g *Graph) Refresh(ctx context.Context, pools []*pooltypes.Pool, currentBlock uint64) (int, error) {
	tokens := g.collectTokens(pools)
	prices, err := g.prices.GetUSDPrices(ctx, tokens)
	if err != nil {
		return 0, err
	}

	weights := make([]pooltypes.GraphWeight, 0, len(pools))
	skipped := 0
	for _, p := range pools {
		w, ok := g.weightFor(p, prices)
		if !ok {
			skipped++
			continue
		}
		weights = append(weights, pooltypes.GraphWeight{
			PoolAddress:       p.Address,
			WeightUSD:         w,
			LastComputedBlock: currentBlock,
		})
	}

	if len(weights) == 0 {
		return 0, nil
	}
	if err := g.sink.BatchUpsertGraphWeights(ctx, weights); err != nil {
		return 0, err
	}
	if skipped > 0 {
		g.log.Debug("topology: skipped non-finite/negative weights", zap.Int("skipped", skipped))
	}
	return len(weights), nil
}

func (g *Graph) collectTokens(pools []*pooltypes.Pool) []common.Address {
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

// Weight exposes weightFor's per-variant USD valuation to callers
// outside this package (orchestrator's activity/reactivation checks
// reuse it rather than re-deriving the v5_direct formula a second
// time).
func (g *Graph) Weight(p *pooltypes.Pool, prices map[common.Address]float64) (float64, bool) {
	return g.weightFor(p, prices)
}

// weightFor computes a pool's USD weight per its variant (spec.md
// §4.13 step 3). ok is false when the result is non-finite, negative,
// or a required price/decimals entry is missing.
func (g *Graph) weightFor(p *pooltypes.Pool, prices map[common.Address]float64) (float64, bool) {
	switch p.Kind {
	case pooltypes.PoolKindConstantProduct:
		return g.weightConstantProduct(p, prices)
	case pooltypes.PoolKindConcentrated:
		return g.weightConcentrated(p, prices)
	case pooltypes.PoolKindWeighted, pooltypes.PoolKindStableSwap:
		return g.weightMultiToken(p, prices)
	default:
		return 0, false
	}
}

func (g *Graph) weightConstantProduct(p *pooltypes.Pool, prices map[common.Address]float64) (float64, bool) {
	if p.Reserve0 == nil || p.Reserve1 == nil {
		return 0, false
	}
	price0, ok0 := prices[p.Token0]
	price1, ok1 := prices[p.Token1]
	if !ok0 && !ok1 {
		return 0, false
	}
	amt0 := g.toTokenFloat(p.Token0, p.Reserve0.ToBig())
	amt1 := g.toTokenFloat(p.Token1, p.Reserve1.ToBig())
	w := amt0*price0 + amt1*price1
	return finite(w)
}

// weightConcentrated applies the v5_direct formula from spec.md's
// GLOSSARY: amount0 = L*2^96/sqrtP, amount1 = L*sqrtP/2^96. A pool
// with zero liquidity or zero sqrtPriceX96 weighs 0 outright, per
// spec.md's explicit edge case (§8: "weighted 0 and is not active
// regardless of token prices").
func (g *Graph) weightConcentrated(p *pooltypes.Pool, prices map[common.Address]float64) (float64, bool) {
	if p.Liquidity == nil || p.SqrtPriceX96 == nil || p.Liquidity.IsZero() || p.SqrtPriceX96.IsZero() {
		return 0, true
	}
	price0, ok0 := prices[p.Token0]
	price1, ok1 := prices[p.Token1]
	if !ok0 && !ok1 {
		return 0, false
	}

	L := new(big.Float).SetInt(p.Liquidity.ToBig())
	sqrtP := new(big.Float).SetInt(p.SqrtPriceX96.ToBig())
	q96 := new(big.Float).SetInt(new(big.Int).Lsh(big.NewInt(1), 96))

	// amount0 = L * 2^96 / sqrtP
	amount0 := new(big.Float).Mul(L, q96)
	amount0.Quo(amount0, sqrtP)
	// amount1 = L * sqrtP / 2^96
	amount1 := new(big.Float).Mul(L, sqrtP)
	amount1.Quo(amount1, q96)

	amt0f, _ := amount0.Float64()
	amt1f, _ := amount1.Float64()

	amt0 := amt0f / decimalsDivisor(g.decimalsOf(p.Token0))
	amt1 := amt1f / decimalsDivisor(g.decimalsOf(p.Token1))

	w := amt0*price0 + amt1*price1
	return finite(w)
}

func (g *Graph) weightMultiToken(p *pooltypes.Pool, prices map[common.Address]float64) (float64, bool) {
	if len(p.Tokens) == 0 || len(p.Tokens) != len(p.Balances) {
		return 0, false
	}
	var total float64
	var anyPrice bool
	for i, t := range p.Tokens {
		price, ok := prices[t]
		if !ok || p.Balances[i] == nil {
			continue
		}
		anyPrice = true
		total += g.toTokenFloat(t, p.Balances[i].ToBig()) * price
	}
	if !anyPrice {
		return 0, false
	}
	return finite(total)
}

func (g *Graph) decimalsOf(token common.Address) uint8 {
	if g.decimals == nil {
		return 18
	}
	if d, ok := g.decimals.Get(token); ok {
		return d
	}
	return 18
}

func (g *Graph) toTokenFloat(token common.Address, amount *big.Int) float64 {
	f := new(big.Float).SetInt(amount)
	f.Quo(f, big.NewFloat(decimalsDivisor(g.decimalsOf(token))))
	out, _ := f.Float64()
	return out
}

func decimalsDivisor(decimals uint8) float64 {
	return math.Pow(10, float64(decimals))
}

// finite rejects non-finite or negative results per spec.md §4.13
// step 3's "reject non-finite or negative results".
func finite(w float64) (float64, bool) {
	if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
		return 0, false
	}
	return w, true
}
