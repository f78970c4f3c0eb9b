// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package pooltypes holds the semantic data model shared by every
// subsystem of the indexer: tokens, pools (across all four AMM
// shapes), state snapshots, graph weights, cursors, and the
// price/validation cache entries. Nothing in this package performs
// I/O; it is pure data plus the small amount of arithmetic (weight
// formulas, route-id construction) that needs no collaborator.
package pooltypes

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// TokenType tags the semantic role of a token.
type TokenType string

const (
	TokenStablecoin TokenType = "stablecoin"
	TokenWrapped    TokenType = "wrapped"
	TokenNative     TokenType = "native"
	TokenLP         TokenType = "lp"
	TokenSynthetic  TokenType = "synthetic"
	TokenOther      TokenType = "other"
)

// Token is an on-chain ERC20-ish asset. Decimals and symbol are
// lazily resolved by the token enricher; ConfidenceScore reflects how
// certain that enrichment is (0 for unresolved).
type Token struct {
	Address         common.Address
	Decimals        uint8 // 0-36
	Symbol          string
	Type            TokenType
	ConfidenceScore float64
}

// PoolKind tags which of the four AMM shapes a Pool carries.
type PoolKind uint8

const (
	PoolKindConstantProduct PoolKind = iota // V2-like
	PoolKindConcentrated                    // V3-like
	PoolKindWeighted                        // Balancer-like
	PoolKindStableSwap                      // Curve-like
)

func (k PoolKind) String() string {
	switch k {
	case PoolKindConstantProduct:
		return "constant_product"
	case PoolKindConcentrated:
		return "concentrated_liquidity"
	case PoolKindWeighted:
		return "weighted"
	case PoolKindStableSwap:
		return "stable_swap"
	default:
		return "unknown"
	}
}

// Valid V3 fee tiers, in basis points.
var ValidFeeTiers = map[uint32]bool{
	100:   true,
	500:   true,
	3000:  true,
	10000: true,
}

// Pool is a tagged union over the four supported AMM shapes plus the
// metadata the indexer itself maintains about every pool regardless
// of shape. Only the fields relevant to Kind are populated; the rest
// are zero values.
type Pool struct {
	Address  common.Address
	Kind     PoolKind
	DexName  string
	Factory  common.Address

	// ConstantProduct / ConcentratedLiquidity
	Token0 common.Address
	Token1 common.Address

	// ConstantProduct (V2-like)
	Reserve0 *uint256.Int
	Reserve1 *uint256.Int

	// ConcentratedLiquidity (V3-like)
	FeeBps       uint32
	SqrtPriceX96 *uint256.Int
	Liquidity    *uint256.Int
	Tick         int32

	// WeightedPool (Balancer-like)
	PoolID   [32]byte
	Tokens   []common.Address
	Balances []*uint256.Int
	Weights  []*uint256.Int
	SwapFee  *uint256.Int

	// StableSwap (Curve-like) reuses Tokens/Balances above, plus:
	AmpParam *uint256.Int
	Fee      *uint256.Int

	// Indexer-maintained metadata.
	OriginDex      string
	IsValid        bool
	IsActive       bool
	CreatedBlock   uint64
	LastSeenBlock  uint64
	LastViableAt   time.Time
	LastViableBlock uint64
	BytecodeHash   common.Hash
	InitCodeHash   common.Hash
	UpdatedAt      time.Time
}

// Live reports whether a constant-product pool satisfies the
// reserve0*reserve1 > 0 liveness invariant from spec.md §3. Non-V2
// pools are never "live" under this check; callers branch on Kind.
func (p *Pool) Live() bool {
	if p.Kind != PoolKindConstantProduct {
		return false
	}
	if p.Reserve0 == nil || p.Reserve1 == nil {
		return false
	}
	return !p.Reserve0.IsZero() && !p.Reserve1.IsZero()
}

// PoolStateSnapshot is an append-only history row keyed by
// (pool address, block number). Only the fields relevant to the
// pool's Kind are set by the caller.
type PoolStateSnapshot struct {
	PoolAddress  common.Address
	BlockNumber  uint64
	Reserve0     *uint256.Int
	Reserve1     *uint256.Int
	SqrtPriceX96 *uint256.Int
	Liquidity    *uint256.Int
	Tick         int32
	Timestamp    time.Time
}

// GraphWeight is a pool's current USD TVL estimate as maintained by
// the topology graph service. Weight is always >= 0.
type GraphWeight struct {
	PoolAddress      common.Address
	WeightUSD        float64
	LastComputedBlock uint64
	UpdatedAt        time.Time
}

// PoolStatistics tracks TVL and an incrementally-averaged volatility
// scalar for a pool.
type PoolStatistics struct {
	PoolAddress          common.Address
	TVLUSD               float64
	VolatilityBps        float64
	VolatilitySampleCount uint64
}

// Observe folds a new fractional-return sample (in bps) into the
// running volatility average using Welford's incremental mean, the
// same update rule the background validator's TVL refresh uses to
// avoid storing full history per pool.
func (s *PoolStatistics) Observe(sampleBps float64) {
	s.VolatilitySampleCount++
	delta := sampleBps - s.VolatilityBps
	s.VolatilityBps += delta / float64(s.VolatilitySampleCount)
}

// CursorMode is the state-machine position of a per-DEX discovery
// cursor.
type CursorMode string

const (
	CursorForward     CursorMode = "forward"
	CursorReverse     CursorMode = "reverse"
	CursorReverseSync CursorMode = "reverse_sync"
	CursorFlashPending CursorMode = "flash_pending"
)

// DexCursor is the discovery progress marker for one DEX adapter.
type DexCursor struct {
	Dex                string
	LastProcessedBlock uint64
	Mode               CursorMode
}

// EventIndexEntry records one decoded factory event for gap detection
// and re-sync; unique on (Dex, BlockNumber, EventType, PoolAddress).
type EventIndexEntry struct {
	Dex         string
	BlockNumber uint64
	EventType   string
	PoolAddress common.Address
}

// TokenRelationType classifies how two tokens relate for routing
// purposes (e.g. WETH wraps ETH).
type TokenRelationType string

const (
	RelationWrap          TokenRelationType = "wrap"
	RelationBridge        TokenRelationType = "bridge"
	RelationLPUnderlying  TokenRelationType = "lp_underlying"
)

// TokenRelation links a base token to a wrapped/bridged counterpart.
type TokenRelation struct {
	BaseToken      common.Address
	WrappedToken   common.Address
	RelationType   TokenRelationType
	PrioritySource string
	Confidence     float64
}

// PriceSource identifies where a cached price came from.
type PriceSource string

const (
	SourceChainlink  PriceSource = "chainlink"
	SourcePoolBased  PriceSource = "pool_based"
	SourceExternal   PriceSource = "external"
	SourceHardcoded  PriceSource = "hardcoded"
	SourceStale      PriceSource = "stale"
)

// PriceEntry is an in-memory, per-block USD price observation.
type PriceEntry struct {
	Token       common.Address
	PriceUSD    float64
	BlockNumber uint64
	Source      PriceSource
}

// FreshAt reports whether e is valid for reads against currentBlock,
// per spec.md §4.5's block-consistency invariant: an entry is valid
// iff its block is the current block or the block immediately before.
func (e PriceEntry) FreshAt(currentBlock uint64) bool {
	if e.BlockNumber == currentBlock {
		return true
	}
	if currentBlock > 0 && e.BlockNumber == currentBlock-1 {
		return true
	}
	return false
}

// ValidationCacheEntry is the dual-TTL validator cache row for one
// pool (see package validator for the TTL enforcement logic; this
// struct is the plain data it guards).
type ValidationCacheEntry struct {
	Pool            common.Address
	IsValid         bool
	Liquidity       *big.Int
	CachedAtBlock   uint64
	LastCheckedAt   time.Time
	ValidationCount uint64
}

// SwapKind distinguishes the pool-variant math a route step uses.
type SwapKind string

const (
	SwapKindV2 SwapKind = "v2"
	SwapKindV3 SwapKind = "v3"
)

// SwapStep is one hop of a candidate route.
type SwapStep struct {
	Dex          string
	Pool         common.Address
	TokenIn      common.Address
	TokenOut     common.Address
	FeeBps       uint32
	Kind         SwapKind
	ReserveIn    *uint256.Int
	ReserveOut   *uint256.Int
	PoolID       *[32]byte
	TokenIndices *[2]int
}

// CandidateRoute is an ordered path through distinct pools that
// begins and ends on EntryToken.
type CandidateRoute struct {
	EntryToken common.Address
	Steps      []SwapStep
}

// Validate checks the triangular-route invariants from spec.md §3:
// three steps, three distinct pools, and a closed cycle on
// EntryToken.
func (r *CandidateRoute) Validate() error {
	if len(r.Steps) != 3 {
		return fmt.Errorf("%w: got %d steps", ErrNotTriangular, len(r.Steps))
	}
	seen := make(map[common.Address]bool, 3)
	for _, s := range r.Steps {
		if seen[s.Pool] {
			return fmt.Errorf("%w: pool %s repeated", ErrDuplicatePool, s.Pool)
		}
		seen[s.Pool] = true
	}
	if r.Steps[0].TokenIn != r.EntryToken {
		return fmt.Errorf("%w: first step does not start at entry token", ErrNotClosed)
	}
	if r.Steps[2].TokenOut != r.EntryToken {
		return fmt.Errorf("%w: last step does not close on entry token", ErrNotClosed)
	}
	for i := 0; i < len(r.Steps)-1; i++ {
		if r.Steps[i].TokenOut != r.Steps[i+1].TokenIn {
			return fmt.Errorf("%w: step %d output does not feed step %d input", ErrNotChained, i, i+1)
		}
	}
	return nil
}
