// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package route enumerates and scores triangular arbitrage routes
// over the valid, non-Curve/non-Balancer pool set and publishes the
// top-N to the route cache (spec.md §4.14). Grounded on
// original_source/src/route_precomputer.rs; the route-id hash follows
// validator.hashBytecode's blake3-over-raw-bytes idiom instead of the
// source's plain string concatenation, since the route id needs to be
// a short fixed-width cache key.
package route

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/luxfi/topology-indexer/pooltypes"
	"github.com/luxfi/topology-indexer/rediscoord"
)

// Scoring constants, grounded on route_precomputer.rs's
// calculate_route_score (bonus=1.2 for three contributing pools,
// max_expected_score=1e15 for the log10 normalization ceiling).
const (
	threeContributingBonus = 1.2
	maxExpectedScore       = 1e15
)

// ValidPredicate reports whether a pool currently passes validation
// (spec.md §4.9), consulted before a pool is allowed into the
// adjacency index.
type ValidPredicate func(pool common.Address) bool

// ScoredRoute pairs a candidate route with its canonical id and score,
// the unit Precompute returns and PublishTopRoutes publishes.
type ScoredRoute struct {
	ID    string
	Route pooltypes.CandidateRoute
	Score float64
}

// payload is the JSON shape stored at route:triangular:<id>, mirroring
// route_precomputer.rs's PrecomputedTriangularRoute/
// SerializableSwapStep.
type payload struct {
	RouteID         string       `json:"route_id"`
	Steps           []stepJSON   `json:"steps"`
	EntryToken      string       `json:"entry_token"`
	PoolA           string       `json:"pool_a"`
	PoolB           string       `json:"pool_b"`
	PoolC           string       `json:"pool_c"`
	ComputedAtBlock uint64       `json:"computed_at_block"`
	RouteScore      float64      `json:"route_score"`
}

type stepJSON struct {
	Pool     string `json:"pool"`
	TokenIn  string `json:"token_in"`
	TokenOut string `json:"token_out"`
	Dex      string `json:"dex"`
	FeeBps   uint32 `json:"fee_bps"`
	Kind     string `json:"kind"`
}

// Precomputer builds and publishes the top-N triangular routes over a
// pool set.
type Precomputer struct {
	log *zap.Logger
}

// New builds a Precomputer.
func New(log *zap.Logger) *Precomputer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Precomputer{log: log}
}

// edge is one pool's connection from a token to its counterpart
// token, indexed on the "from" side of the edge.
type edge struct {
	other common.Address
	pool  *pooltypes.Pool
}

// buildAdjacency indexes valid constant-product and concentrated
// pools by token, excluding Curve (StableSwap) and Balancer
// (Weighted) pools from triangle enumeration per spec.md §9's
// resolved Open Question: those variants count toward graph weight
// (package topology) but never toward route enumeration.
func buildAdjacency(pools []*pooltypes.Pool, isValid ValidPredicate) map[common.Address][]edge {
	adj := make(map[common.Address][]edge)
	for _, p := range pools {
		switch p.Kind {
		case pooltypes.PoolKindConstantProduct, pooltypes.PoolKindConcentrated:
		default:
			continue
		}
		if isValid != nil && !isValid(p.Address) {
			continue
		}
		adj[p.Token0] = append(adj[p.Token0], edge{other: p.Token1, pool: p})
		adj[p.Token1] = append(adj[p.Token1], edge{other: p.Token0, pool: p})
	}
	return adj
}

// Precompute enumerates every triangular route tokenIn→tokenMid→
// tokenOut→tokenIn over pools, scores each, and returns the top N by
// score. It mirrors route_precomputer.rs's nested-loop enumeration
// with its same-pool/duplicate-route-id skips.
func (p *Precomputer) Precompute(pools []*pooltypes.Pool, isValid ValidPredicate, topN int) []ScoredRoute {
	adj := buildAdjacency(pools, isValid)
	if len(adj) < 3 {
		return nil
	}

	seen := make(map[string]bool)
	var found []ScoredRoute

	for tokenIn, edgesIn := range adj {
		for _, ab := range edgesIn {
			poolA := ab.pool
			tokenMid := ab.other

			for _, bc := range adj[tokenMid] {
				poolB := bc.pool
				if poolB.Address == poolA.Address {
					continue
				}
				tokenOut := bc.other

				for _, ca := range adj[tokenOut] {
					poolC := ca.pool
					if poolC.Address == poolA.Address || poolC.Address == poolB.Address {
						continue
					}
					if ca.other != tokenIn {
						continue
					}

					id := canonicalRouteID(poolA.Address, poolB.Address, poolC.Address)
					if seen[id] {
						continue
					}
					seen[id] = true

					route := pooltypes.CandidateRoute{
						EntryToken: tokenIn,
						Steps: []pooltypes.SwapStep{
							swapStep(poolA, tokenIn, tokenMid),
							swapStep(poolB, tokenMid, tokenOut),
							swapStep(poolC, tokenOut, tokenIn),
						},
					}
					if err := route.Validate(); err != nil {
						p.log.Debug("route: dropping invalid candidate", zap.Error(err))
						continue
					}

					score := scoreRoute(poolA, poolB, poolC)
					found = append(found, ScoredRoute{Route: route, ID: id, Score: score})
				}
			}
		}
	}

	sort.Slice(found, func(i, j int) bool { return found[i].Score > found[j].Score })
	if topN > 0 && len(found) > topN {
		found = found[:topN]
	}
	return found
}

func swapStep(pool *pooltypes.Pool, tokenIn, tokenOut common.Address) pooltypes.SwapStep {
	kind := pooltypes.SwapKindV2
	feeBps := uint32(30)
	if pool.Kind == pooltypes.PoolKindConcentrated {
		kind = pooltypes.SwapKindV3
		feeBps = pool.FeeBps
	}
	return pooltypes.SwapStep{
		Dex:        pool.DexName,
		Pool:       pool.Address,
		TokenIn:    tokenIn,
		TokenOut:   tokenOut,
		FeeBps:     feeBps,
		Kind:       kind,
		ReserveIn:  pool.Reserve0,
		ReserveOut: pool.Reserve1,
	}
}

// canonicalRouteID hashes the three pool addresses, sorted, with
// blake3 so a triangle is the same route id regardless of discovery
// order (spec.md §4.14 step 2's "normalize by sorting ... to build a
// canonical route id").
func canonicalRouteID(a, b, c common.Address) string {
	addrs := []common.Address{a, b, c}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Cmp(addrs[j]) < 0 })

	h := blake3.New()
	for _, addr := range addrs {
		h.Write(addr.Bytes())
	}
	var out [16]byte
	h.Digest().Read(out[:])
	return hex.EncodeToString(out[:])
}

// scoreRoute implements spec.md §4.14 step 3 / route_precomputer.rs's
// calculate_route_score: average the per-pool liquidity proxy (V2
// sqrt(reserve0*reserve1), V3 liquidity) across the three pools, apply
// a 1.2x bonus when all three contributed, then compress to [0,100]
// via log10(1+x)/log10(1+max).
func scoreRoute(a, b, c *pooltypes.Pool) float64 {
	var total float64
	var contributing int
	for _, p := range []*pooltypes.Pool{a, b, c} {
		s := poolLiquidityProxy(p)
		if s > 0 {
			total += s
			contributing++
		}
	}
	if contributing == 0 {
		return 0
	}
	avg := total / float64(contributing)
	bonus := 1.0
	if contributing == 3 {
		bonus = threeContributingBonus
	}
	scaled := avg * bonus
	logScore := math.Log10(1 + scaled)
	logMax := math.Log10(1 + maxExpectedScore)
	normalized := 100 * logScore / logMax
	if math.IsNaN(normalized) || math.IsInf(normalized, 0) {
		return 0
	}
	return math.Min(100, math.Max(0, normalized))
}

func poolLiquidityProxy(p *pooltypes.Pool) float64 {
	switch p.Kind {
	case pooltypes.PoolKindConstantProduct:
		if p.Reserve0 == nil || p.Reserve1 == nil {
			return 0
		}
		r0, _ := p.Reserve0.Float64()
		r1, _ := p.Reserve1.Float64()
		if r0 <= 0 || r1 <= 0 {
			return 0
		}
		return math.Sqrt(r0 * r1)
	case pooltypes.PoolKindConcentrated:
		if p.Liquidity == nil {
			return 0
		}
		l, _ := p.Liquidity.Float64()
		return l
	default:
		return 0
	}
}

// marshalRoute builds the JSON payload stored at
// route:triangular:<id>. The route's three pool addresses are read
// off its steps in order (step[0].Pool = pool_a closing tokenIn→mid,
// etc.), matching how Precompute built the route.
func marshalRoute(r ScoredRoute, currentBlock uint64) ([]byte, error) {
	if len(r.Route.Steps) != 3 {
		return nil, fmt.Errorf("route: expected 3 steps, got %d", len(r.Route.Steps))
	}
	steps := make([]stepJSON, 3)
	for i, s := range r.Route.Steps {
		steps[i] = stepJSON{
			Pool:     s.Pool.Hex(),
			TokenIn:  s.TokenIn.Hex(),
			TokenOut: s.TokenOut.Hex(),
			Dex:      s.Dex,
			FeeBps:   s.FeeBps,
			Kind:     string(s.Kind),
		}
	}
	p := payload{
		RouteID:         r.ID,
		Steps:           steps,
		EntryToken:      r.Route.EntryToken.Hex(),
		PoolA:           r.Route.Steps[0].Pool.Hex(),
		PoolB:           r.Route.Steps[1].Pool.Hex(),
		PoolC:           r.Route.Steps[2].Pool.Hex(),
		ComputedAtBlock: currentBlock,
		RouteScore:      r.Score,
	}
	return json.Marshal(p)
}

// PublishTopRoutes marshals routes to JSON payloads and a score index,
// then replaces the cached top-N set through sink.ReplaceTopRoutes
// (clear, then repopulate; not a single transaction), matching route_precomputer.rs's clear-then-repopulate
// cache_routes_to_redis structure.
func PublishTopRoutes(ctx context.Context, sink *rediscoord.Coordinator, routes []ScoredRoute, currentBlock uint64, totalPoolsProcessed, totalRoutesComputed int) error {
	payloads := make(map[string][]byte, len(routes))
	scores := make(map[string]float64, len(routes))
	for _, r := range routes {
		data, err := marshalRoute(r, currentBlock)
		if err != nil {
			return fmt.Errorf("route: marshal %s: %w", r.ID, err)
		}
		payloads[r.ID] = data
		score := r.Score
		if math.IsNaN(score) || math.IsInf(score, 0) {
			score = 0
		}
		scores[r.ID] = score
	}

	meta := rediscoord.RoutesTopMetadata{
		TotalPoolsProcessed: totalPoolsProcessed,
		TotalRoutesComputed: totalRoutesComputed,
		TopNRoutesSelected:  len(routes),
		ComputedAtBlock:     currentBlock,
		ComputedAt:          time.Now().Unix(),
		UpdatedAt:           time.Now().Unix(),
	}
	return sink.ReplaceTopRoutes(ctx, payloads, scores, meta)
}
