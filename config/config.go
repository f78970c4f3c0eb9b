// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config defines the recognized configuration surface of the
// indexer (spec.md §6): the stable struct tree every component's
// constructor is handed a typed sub-config of. Loading these values
// from a file, environment, or flags is the excluded CLI/runner's job
// (spec.md §1 Non-goals scope core to the indexing pipeline itself);
// this package only owns the contract, its defaults, and validation.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrMissingDatabaseURL is a Fatal-class error per spec.md §7: the
	// process must abort rather than start against no persistence.
	ErrMissingDatabaseURL = errors.New("config: database url is required")
	// ErrMissingFactoryAddress flags a configured DEX with zero known
	// factories, which would make discovery silently do nothing.
	ErrMissingFactoryAddress = errors.New("config: dex has no configured factory addresses")
	// ErrNoRPCEndpoints flags a config with no way to reach the chain
	// at all, rpcpool.ErrNoEndpoints's startup-time counterpart.
	ErrNoRPCEndpoints = errors.New("config: no rpc endpoints configured")
	// ErrInvalidFeeTier flags a pool_filters.allowed_fee_tiers entry
	// outside the four valid V3 tiers (spec.md GLOSSARY "Fee tier").
	ErrInvalidFeeTier = errors.New("config: fee tier is not one of the allowed V3 tiers")
)

// validFeeTiers are the only basis-point values a V3 pool may carry,
// per the GLOSSARY entry for "Fee tier (bps)".
var validFeeTiers = map[uint32]struct{}{100: {}, 500: {}, 3000: {}, 10000: {}}

// Config is the root configuration contract, one sub-struct per
// spec.md §6 "Configuration" bullet group.
type Config struct {
	DatabaseURL  string
	RPCEndpoints []RPCEndpoint
	Discovery    Discovery
	Performance  Performance
	Validator    ValidatorPolicy
	Contracts    Contracts
	PoolFilters  PoolFilters
	Redis        Redis
}

// RPCEndpoint names one EVM JSON-RPC provider behind rpcpool.Pool,
// kept as a plain struct here (rather than importing rpcpool.EndpointConfig
// directly) so this package stays a declarative leaf with no internal
// package dependencies.
type RPCEndpoint struct {
	ID          string
	URL         string
	Concurrency int64
}

// Discovery controls the orchestrator's per-cycle range and cold-start
// behavior (spec.md §4.11, §6 `discovery.*`).
type Discovery struct {
	// InitialSyncBlocks bounds how far back a DEX with no prior cursor
	// scans on its very first cycle. orchestrator.Settings carries no
	// matching field: original_source/orchestrator.rs's two range
	// branches compute an identical trailing window regardless of this
	// value, so it is recognized here (the option is real and spec.md
	// §6 names it) but has no behavioral effect downstream — see
	// DESIGN.md's orchestrator entry.
	InitialSyncBlocks uint64
	// TrailingWindowBlocks feeds orchestrator.Settings.TrailingWindowBlocks.
	TrailingWindowBlocks uint64
}

// Performance controls discovery parallelism and multicall batching
// (spec.md §6 `performance.*`).
type Performance struct {
	GetLogsChunkSize      uint64
	GetLogsMaxConcurrency int
	MulticallBatchSize    int
}

// ValidatorPolicy controls structural validation and activity
// thresholds (spec.md §6 `validator.*`), feeding validator.Settings
// and orchestrator.Settings' MinV2ReserveUSD/MinV3LiquidityUSD.
type ValidatorPolicy struct {
	WhitelistedFactories      []common.Address
	WhitelistedBytecodeHashes [][32]byte
	AnchorTokens              []common.Address
	BlacklistedTokens         []common.Address
	RequireAnchorToken        bool
	MinV2ReserveUSD           float64
	MinV3LiquidityUSD         float64
}

// Contracts holds per-protocol addresses (spec.md §6 `contracts.*`).
type Contracts struct {
	// MulticallAddress is the deployed aggregate3-style Multicall3
	// contract (spec.md §6 "Multicall contract").
	MulticallAddress common.Address
	// Factories maps a DEX name (adapter.DEX.Name()) to its factory
	// addresses, spec.md §6's `contracts.factories.*`.
	Factories map[string][]common.Address
	// V3Factory is the Uniswap-V3-style factory priceoracle's pool
	// fallback (spec.md §4.5 step 4) calls getPool() against when
	// Chainlink has no feed for a token. Zero value disables the
	// fallback rather than erroring.
	V3Factory common.Address
}

// PoolFilters controls bgvalidator's runtime pool-quality predicates
// (spec.md §6 `pool_filters.*`, §4.10's strict/medium/minimum tiers).
type PoolFilters struct {
	MinEffectiveLiquidityETH float64
	MaxPriceDeviationBps     uint32
	MaxStaleBlocks           uint64
	MinReserveMultiplier     float64
	AllowedFeeTiers          []uint32
	DEXWhitelist             []string
}

// Redis controls rediscoord's keyspace TTLs and connection (spec.md §6
// `redis.*`).
type Redis struct {
	URL           string
	PoolStateTTL  time.Duration
	RouteCacheTTL time.Duration
}

// Defaults returns a Config populated with the numeric defaults named
// across spec.md (40-block trailing window per §8 scenario 1's
// `initial_sync_blocks = 40` example, 10s pool-state TTL and 60s route
// TTL per §6, the four valid V3 fee tiers per GLOSSARY).
func Defaults() Config {
	return Config{
		Discovery: Discovery{
			InitialSyncBlocks:    40,
			TrailingWindowBlocks: 40,
		},
		Performance: Performance{
			GetLogsChunkSize:      2000,
			GetLogsMaxConcurrency: 8,
			MulticallBatchSize:    500,
		},
		PoolFilters: PoolFilters{
			AllowedFeeTiers: []uint32{100, 500, 3000, 10000},
		},
		Redis: Redis{
			PoolStateTTL:  10 * time.Second,
			RouteCacheTTL: 60 * time.Second,
		},
	}
}

// Validate checks the fields a Fatal-class startup error (spec.md §7)
// should abort on: missing DATABASE_URL, a DEX with no factories, and
// any configured fee tier outside the four valid values. It does not
// second-guess values that only affect latency or freshness (chunk
// sizes, TTLs) since spec.md §7 reserves abort-on-start for
// correctness-threatening misconfiguration only.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return ErrMissingDatabaseURL
	}
	if len(c.RPCEndpoints) == 0 {
		return ErrNoRPCEndpoints
	}
	for dex, factories := range c.Contracts.Factories {
		if len(factories) == 0 {
			return fmt.Errorf("config: %s: %w", dex, ErrMissingFactoryAddress)
		}
	}
	for _, tier := range c.PoolFilters.AllowedFeeTiers {
		if _, ok := validFeeTiers[tier]; !ok {
			return fmt.Errorf("config: fee tier %d: %w", tier, ErrInvalidFeeTier)
		}
	}
	return nil
}
