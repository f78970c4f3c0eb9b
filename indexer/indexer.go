// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package indexer wires every component package into one running
// service, the Go counterpart of original_source/src/lib.rs's module
// tree plus the binary that actually constructs and starts each piece
// (lib.rs itself carries no wiring code — it is a flat list of `pub
// mod` declarations with doc comments). Concrete per-DEX adapters
// (spec.md §6's adapter protocol implementations) are supplied by the
// caller, not built here: this package only owns cross-cutting wiring
// and the run loop.
package indexer

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/luxfi/topology-indexer/adapter"
	"github.com/luxfi/topology-indexer/bgvalidator"
	"github.com/luxfi/topology-indexer/blockparser"
	"github.com/luxfi/topology-indexer/blockstream"
	"github.com/luxfi/topology-indexer/chainhead"
	"github.com/luxfi/topology-indexer/classifier"
	"github.com/luxfi/topology-indexer/config"
	"github.com/luxfi/topology-indexer/hotcache"
	"github.com/luxfi/topology-indexer/multicall"
	"github.com/luxfi/topology-indexer/orchestrator"
	"github.com/luxfi/topology-indexer/pgstore"
	"github.com/luxfi/topology-indexer/poolevents"
	"github.com/luxfi/topology-indexer/pooltypes"
	"github.com/luxfi/topology-indexer/priceoracle"
	"github.com/luxfi/topology-indexer/pricefeed"
	"github.com/luxfi/topology-indexer/rediscoord"
	"github.com/luxfi/topology-indexer/route"
	"github.com/luxfi/topology-indexer/rpcpool"
	"github.com/luxfi/topology-indexer/streaming"
	"github.com/luxfi/topology-indexer/tokenenrich"
	"github.com/luxfi/topology-indexer/topology"
	"github.com/luxfi/topology-indexer/validator"
	"github.com/luxfi/topology-indexer/writer"
)

// Deps supplies the collaborators indexer cannot construct on its
// own: the registered DEX adapters (one per protocol integration,
// outside this module's scope per spec.md §1) and a Multicall3
// address, which is chain-deployment-specific rather than a fixed
// constant.
type Deps struct {
	Adapters           *adapter.Registry
	MulticallAddress   common.Address
	ChainlinkOracles   map[common.Address]common.Address
	BlueChipTokens     []common.Address
	StablecoinFloors   map[common.Address]struct{}
	WETHAddress        common.Address
	PricefeedTokenFeed []pricefeed.TokenFeed
}

// Service holds every wired component. Fields are exported so a
// caller (or a test) can reach into a specific subsystem without the
// indexer package growing pass-through methods for every operation.
type Service struct {
	log *zap.Logger

	PG           *pgxpool.Pool
	Store        *pgstore.Store
	RPC          *rpcpool.Pool
	Multicall    *multicall.Batcher
	HeadCache    *chainhead.Cache
	HeadSub      *chainhead.Subscriber
	Blocks       *blockstream.Stream
	BlockParser  *blockparser.Parser
	Oracle       *priceoracle.Oracle
	PriceCache   *pricefeed.Cache
	Validator    *validator.Validator
	ValCache     *validator.ValidationCache
	BGValidator  *bgvalidator.Validator
	Adapters     *adapter.Registry
	Orchestrator *orchestrator.Orchestrator
	Streaming    *streaming.Stream
	Graph        *topology.Graph
	Routes       *route.Precomputer
	Writer       *writer.Writer
	Redis        *rediscoord.Coordinator // nil when cfg.Redis.URL == ""
	PoolMeta     *hotcache.PoolMetaCache
	PoolState    *hotcache.PoolStateCache
	Decimals     *hotcache.TokenDecimalsCache
	USDPrices    *hotcache.USDPriceCache
	Enricher     *tokenenrich.Enricher
	ExtFeed      *pricefeed.ExternalUpdater  // nil when no feeds configured
	CoinGecko    *pricefeed.CoinGeckoUpdater // nil when no feeds configured
	BGFeed       *pricefeed.BackgroundUpdater
}

// New dials Postgres, bootstraps the schema, and wires every component
// against cfg and deps. Optional Redis coordination is skipped when
// cfg.Redis.URL is empty, matching spec.md §6's "optional pub-sub
// channel" framing for the cross-process pieces.
func New(ctx context.Context, cfg config.Config, deps Deps, log *zap.Logger) (*Service, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("indexer: %w", err)
	}

	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("indexer: connect postgres: %w", err)
	}
	if err := pgstore.Bootstrap(ctx, pgPool); err != nil {
		pgPool.Close()
		return nil, fmt.Errorf("indexer: bootstrap schema: %w", err)
	}
	store := pgstore.New(pgPool)

	endpoints := make([]rpcpool.EndpointConfig, 0, len(cfg.RPCEndpoints))
	for _, e := range cfg.RPCEndpoints {
		endpoints = append(endpoints, rpcpool.EndpointConfig{ID: e.ID, URL: e.URL, Concurrency: e.Concurrency})
	}
	rpc, err := rpcpool.New(ctx, rpcpool.Config{Endpoints: endpoints, Logger: log})
	if err != nil {
		pgPool.Close()
		return nil, fmt.Errorf("indexer: build rpc pool: %w", err)
	}

	mc := multicall.New(rpc, deps.MulticallAddress, cfg.Performance.MulticallBatchSize)

	headCache := chainhead.NewCache(rpc, log)
	headSub := chainhead.NewSubscriber(rpc, headCache, log)
	blocks := blockstream.New(log)
	parser := blockparser.New(rpc, log)

	poolMeta := hotcache.NewPoolMetaCache()
	poolState := hotcache.NewPoolStateCache()
	decimals := hotcache.NewTokenDecimalsCache()
	usdPrices := hotcache.NewUSDPriceCache()

	var poolSource priceoracle.PoolSource
	if cfg.Contracts.V3Factory != (common.Address{}) {
		poolSource = priceoracle.NewV3PoolSource(mc, cfg.Contracts.V3Factory)
	}
	oracle := priceoracle.New(priceoracle.Config{
		MulticallBatcher: mc,
		OracleAddresses:  deps.ChainlinkOracles,
		AnchorTokens:     deps.BlueChipTokens,
		PoolSource:       poolSource,
		StablecoinFloors: deps.StablecoinFloors,
		WETHAddress:      deps.WETHAddress,
		Logger:           log,
	})

	priceCache := pricefeed.NewCache()

	valCache := validator.NewDefaultValidationCache()
	vld := validator.New(rpc, validator.Settings{
		WhitelistedFactories:      cfg.Validator.WhitelistedFactories,
		WhitelistedBytecodeHashes: cfg.Validator.WhitelistedBytecodeHashes,
		AnchorTokens:              cfg.Validator.AnchorTokens,
		BlacklistedTokens:         cfg.Validator.BlacklistedTokens,
		RequireAnchorToken:        cfg.Validator.RequireAnchorToken,
	}, log)

	bgval := bgvalidator.New(bgvalidator.Config{
		Cache:        valCache,
		RPC:          rpc,
		Store:        store,
		StateFetcher: registryStateFetcher{registry: deps.Adapters},
		BlockParser:  parser,
		Blacklist:    cfg.Validator.BlacklistedTokens,
		Logger:       log,
	})

	wtr := writer.New(store, writer.DefaultBatchSize, writer.DefaultFlushInterval, log)
	graph := topology.New(oracleSource{oracle}, decimals, store, log)

	orch := orchestrator.New(deps.Adapters, vld, store, wtr, headCacheSource{headCache}, oracleSource{oracle}, graph, orchestrator.Settings{
		TrailingWindowBlocks:  cfg.Discovery.TrailingWindowBlocks,
		GetLogsChunkSize:      cfg.Performance.GetLogsChunkSize,
		GetLogsMaxConcurrency: cfg.Performance.GetLogsMaxConcurrency,
		MinV2ReserveUSD:       cfg.Validator.MinV2ReserveUSD,
		MinV3LiquidityUSD:     cfg.Validator.MinV3LiquidityUSD,
	}, log)

	factories := poolevents.NewFactoryMap()
	for dex, addrs := range cfg.Contracts.Factories {
		for _, addr := range addrs {
			factories.AddFactory(addr, dex)
		}
	}
	extractor := poolevents.New(rpc, log)
	stream := streaming.New(extractor, classifier.New(deps.BlueChipTokens), vld, wtr, factories, streaming.Settings{}, log)

	routes := route.New(log)

	enricher := tokenenrich.New(mc, store, log)

	var extUpdater *pricefeed.ExternalUpdater
	var cgUpdater *pricefeed.CoinGeckoUpdater
	if len(deps.PricefeedTokenFeed) > 0 {
		extUpdater = pricefeed.NewExternalUpdater(priceCache, deps.PricefeedTokenFeed, log)
		cgUpdater = pricefeed.NewCoinGeckoUpdater(priceCache, deps.PricefeedTokenFeed, log)
	}
	bgUpdater := pricefeed.NewBackgroundUpdater(priceCache, oracleSource{oracle}, deps.BlueChipTokens, 30*time.Second, 5*time.Second, log)

	var redis *rediscoord.Coordinator
	if cfg.Redis.URL != "" {
		redis, err = rediscoord.New(rediscoord.Config{
			URL:           cfg.Redis.URL,
			PoolStateTTL:  cfg.Redis.PoolStateTTL,
			RouteCacheTTL: cfg.Redis.RouteCacheTTL,
			Logger:        log,
		})
		if err != nil {
			pgPool.Close()
			return nil, fmt.Errorf("indexer: build redis coordinator: %w", err)
		}
	}

	return &Service{
		log:          log,
		PG:           pgPool,
		Store:        store,
		RPC:          rpc,
		Multicall:    mc,
		HeadCache:    headCache,
		HeadSub:      headSub,
		Blocks:       blocks,
		BlockParser:  parser,
		Oracle:       oracle,
		PriceCache:   priceCache,
		Validator:    vld,
		ValCache:     valCache,
		BGValidator:  bgval,
		Adapters:     deps.Adapters,
		Orchestrator: orch,
		Streaming:    stream,
		Graph:        graph,
		Routes:       routes,
		Writer:       wtr,
		Redis:        redis,
		PoolMeta:     poolMeta,
		PoolState:    poolState,
		Decimals:     decimals,
		USDPrices:    usdPrices,
		Enricher:     enricher,
		ExtFeed:      extUpdater,
		CoinGecko:    cgUpdater,
		BGFeed:       bgUpdater,
	}, nil
}

// headCacheSource adapts *chainhead.Cache.GetCurrent to the
// GetBlockNumber name orchestrator.BlockNumberSource declares.
type headCacheSource struct{ cache *chainhead.Cache }

func (h headCacheSource) GetBlockNumber(ctx context.Context) (uint64, error) {
	return h.cache.GetCurrent(ctx)
}

// oracleSource adapts *priceoracle.Oracle to the narrow GetUSDPrices
// signature orchestrator.PriceSource and topology.PriceSource each
// declare independently.
type oracleSource struct{ oracle *priceoracle.Oracle }

func (o oracleSource) GetUSDPrices(ctx context.Context, tokens []common.Address) (map[common.Address]float64, error) {
	return o.oracle.GetUSDPrices(ctx, tokens)
}

// registryStateFetcher implements bgvalidator.StateFetcher by
// dispatching each pool to its own DEX adapter's FetchPoolState,
// grouping by DexName so each adapter sees one batched call rather
// than one call per pool.
type registryStateFetcher struct {
	registry *adapter.Registry
}

func (f registryStateFetcher) FetchStates(ctx context.Context, pools []*pooltypes.Pool, blockNumber uint64) (map[common.Address]bgvalidator.FreshState, error) {
	byDex := make(map[string][]common.Address)
	for _, p := range pools {
		byDex[p.DexName] = append(byDex[p.DexName], p.Address)
	}

	out := make(map[common.Address]bgvalidator.FreshState, len(pools))
	for dex, addrs := range byDex {
		d, err := f.registry.Get(dex)
		if err != nil {
			continue // unknown dex: pools skip this sweep, picked up again next iteration
		}
		fresh, err := d.FetchPoolState(ctx, addrs)
		if err != nil {
			continue
		}
		for _, p := range fresh {
			out[p.Address] = bgvalidator.FreshState{
				Reserve0:     p.Reserve0,
				Reserve1:     p.Reserve1,
				SqrtPriceX96: p.SqrtPriceX96,
				Liquidity:    p.Liquidity,
			}
		}
	}
	return out, nil
}

// Run starts every background loop and blocks until ctx is canceled
// or one loop returns a non-nil, non-context error (golang.org/x/sync's
// errgroup, matching the teacher's own bounded-fan-out idiom already
// used inside rpcpool/bgvalidator/orchestrator).
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.HeadSub.Run(ctx) })
	g.Go(func() error { s.runBlockPump(ctx); return nil })
	g.Go(func() error { s.Writer.Run(ctx); return nil })
	g.Go(func() error { return s.BGValidator.Run(ctx) })
	g.Go(func() error { s.Streaming.Run(ctx, s.Blocks); return nil })
	g.Go(func() error { s.runDiscoveryLoop(ctx); return nil })
	g.Go(func() error { s.runKnownSetRefreshLoop(ctx); return nil })
	g.Go(func() error { s.runActivitySweepLoop(ctx); return nil })
	g.Go(func() error { s.runGapDetectionLoop(ctx); return nil })
	g.Go(func() error { s.runRoutePublishLoop(ctx); return nil })
	g.Go(func() error { s.Enricher.RunPeriodic(ctx, 30*time.Second, 200); return nil })
	g.Go(func() error { s.BGFeed.Run(ctx); return nil })
	if s.ExtFeed != nil {
		g.Go(func() error { s.ExtFeed.Run(ctx); return nil })
	}
	if s.CoinGecko != nil {
		g.Go(func() error { s.CoinGecko.Run(ctx); return nil })
	}

	return g.Wait()
}

// runBlockPump watches chainhead.Cache for newly observed block
// numbers and publishes the full block body to blockstream.Stream, the
// one missing link between chainhead's number-only tracking and the
// full-block fan-out blockparser/streaming subscribe to.
func (s *Service) runBlockPump(ctx context.Context) {
	var lastPublished uint64
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current, err := s.HeadCache.GetCurrent(ctx)
			if err != nil || current <= lastPublished {
				continue
			}
			block, err := s.RPC.GetBlockWithTxs(ctx, new(big.Int).SetUint64(current))
			if err != nil {
				s.log.Warn("indexer: fetch head block failed", zap.Uint64("block", current), zap.Error(err))
				continue
			}
			s.Blocks.Publish(block)
			s.Oracle.UpdateCurrentBlock(current)
			lastPublished = current
		}
	}
}

// runKnownSetRefreshLoop keeps blockparser's and streaming's
// known-pool/known-token sets current, matching blockparser.Parser's
// documented "periodic refresh" idiom (spec.md §4.4's touched-pool
// filter and §4.12's Medium-vs-Low classification both key off the
// same active-pool set).
func (s *Service) runKnownSetRefreshLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pools, err := s.Store.LoadActivePools(ctx)
			if err != nil {
				s.log.Warn("indexer: refresh known pools failed", zap.Error(err))
				continue
			}
			addrs := make([]common.Address, 0, len(pools))
			tokens := make([]common.Address, 0, len(pools)*2)
			for _, p := range pools {
				addrs = append(addrs, p.Address)
				if p.Token0 != (common.Address{}) {
					tokens = append(tokens, p.Token0)
				}
				if p.Token1 != (common.Address{}) {
					tokens = append(tokens, p.Token1)
				}
			}
			s.BlockParser.UpdateKnownPools(addrs)
			s.BlockParser.UpdateKnownTokens(tokens)
			s.Streaming.UpdateKnownTokens(tokens)
		}
	}
}

// runDiscoveryLoop ticks the per-DEX orchestrator cycle, spec.md
// §4.11's steady-state get_logs path.
func (s *Service) runDiscoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Orchestrator.RunDiscoveryCycle(ctx); err != nil {
				s.log.Warn("indexer: discovery cycle failed", zap.Error(err))
			}
		}
	}
}

// runActivitySweepLoop periodically revalues active pools and probes
// inactive-valid pools for recovery (spec.md §4.11's CheckPoolsActivity).
func (s *Service) runActivitySweepLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Orchestrator.CheckPoolsActivity(ctx); err != nil {
				s.log.Warn("indexer: activity sweep failed", zap.Error(err))
			}
		}
	}
}

// runGapDetectionLoop periodically checks every registered DEX's
// event_index for non-contiguous ranges (spec.md §4.11's DetectGaps).
func (s *Service) runGapDetectionLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, dex := range s.Adapters.All() {
				if _, err := s.Orchestrator.DetectGaps(ctx, dex.Name()); err != nil {
					s.log.Warn("indexer: gap detection failed", zap.String("dex", dex.Name()), zap.Error(err))
				}
			}
		}
	}
}

// runRoutePublishLoop recomputes and republishes the top-N triangular
// routes on a fixed cadence (spec.md §4.14), skipped entirely when no
// Redis coordinator is configured.
func (s *Service) runRoutePublishLoop(ctx context.Context) {
	if s.Redis == nil {
		return
	}
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current, err := s.HeadCache.GetCurrent(ctx)
			if err != nil {
				continue
			}
			pools, err := s.Store.LoadActivePools(ctx)
			if err != nil {
				s.log.Warn("indexer: load active pools for routing failed", zap.Error(err))
				continue
			}
			scored := s.Routes.Precompute(pools, func(common.Address) bool { return true }, 10)
			if err := route.PublishTopRoutes(ctx, s.Redis, scored, current, len(pools), len(scored)); err != nil {
				s.log.Warn("indexer: publish routes failed", zap.Error(err))
			}
		}
	}
}

// Close releases the Postgres pool and Redis client.
func (s *Service) Close() {
	if s.Redis != nil {
		_ = s.Redis.Close()
	}
	s.PG.Close()
}
