// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/luxfi/topology-indexer/adapter"
	"github.com/luxfi/topology-indexer/pooltypes"
	"github.com/luxfi/topology-indexer/validator"
	"github.com/luxfi/topology-indexer/writer"
)

type stubStore struct {
	cursor       pooltypes.DexCursor
	cursorErr    error
	activePools  []*pooltypes.Pool
	inactivePool []*pooltypes.Pool
	gaps         []uint64
	gapsErr      error
}

func (s *stubStore) GetDexState(ctx context.Context, dex string) (pooltypes.DexCursor, error) {
	return s.cursor, s.cursorErr
}

func (s *stubStore) LoadActivePools(ctx context.Context) ([]*pooltypes.Pool, error) {
	return s.activePools, nil
}

func (s *stubStore) LoadInactiveValidSample(ctx context.Context, limit int) ([]*pooltypes.Pool, error) {
	return s.inactivePool, nil
}

func (s *stubStore) DetectGaps(ctx context.Context, dex string) ([]uint64, error) {
	return s.gaps, s.gapsErr
}

type stubWriteQueue struct {
	ops []writer.Operation
}

func (q *stubWriteQueue) Enqueue(op writer.Operation) {
	q.ops = append(q.ops, op)
}

type stubBlocks struct {
	n   uint64
	err error
}

func (b *stubBlocks) GetBlockNumber(ctx context.Context) (uint64, error) {
	return b.n, b.err
}

type stubPrices struct {
	prices map[common.Address]float64
	err    error
}

func (p *stubPrices) GetUSDPrices(ctx context.Context, tokens []common.Address) (map[common.Address]float64, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.prices, nil
}

// stubValuator reports a fixed USD value for every pool, ok controls
// whether the valuation is considered successful.
type stubValuator struct {
	value float64
	ok    bool
}

func (v *stubValuator) Weight(p *pooltypes.Pool, prices map[common.Address]float64) (float64, bool) {
	return v.value, v.ok
}

type stubDEX struct {
	name          string
	staticReg     bool
	discovered    []adapter.PoolMeta
	discoverErr   error
	states        []pooltypes.Pool
	fetchErr      error
	discoverCalls int
}

func (d *stubDEX) Name() string { return d.name }

func (d *stubDEX) DiscoverPools(ctx context.Context, from, to uint64, chunkSize, concurrency int) ([]adapter.PoolMeta, error) {
	d.discoverCalls++
	return d.discovered, d.discoverErr
}

func (d *stubDEX) FetchPoolState(ctx context.Context, pools []common.Address) ([]pooltypes.Pool, error) {
	return d.states, d.fetchErr
}

func (d *stubDEX) UsesStaticRegistry() bool { return d.staticReg }

func u256(v uint64) *uint256.Int { return uint256.NewInt(v) }

func newPermissiveValidator(factory common.Address) *validator.Validator {
	return validator.New(nil, validator.Settings{WhitelistedFactories: []common.Address{factory}}, nil)
}

func TestResolveRangeClampsBelowWindowAndSkipsAtGenesis(t *testing.T) {
	o := &Orchestrator{log: zap.NewNop(), settings: Settings{TrailingWindowBlocks: 40}}
	from, to, skip := o.resolveRange(10)
	require.False(t, skip)
	require.Equal(t, uint64(0), from)
	require.Equal(t, uint64(10), to)

	_, _, skip = o.resolveRange(0)
	require.True(t, skip)
}

func TestResolveRangeReturnsTrailingWindow(t *testing.T) {
	o := &Orchestrator{log: zap.NewNop(), settings: Settings{TrailingWindowBlocks: 40}}
	from, to, skip := o.resolveRange(1000)
	require.False(t, skip)
	require.Equal(t, uint64(960), from)
	require.Equal(t, uint64(1000), to)
}

func TestThresholdForPicksByKind(t *testing.T) {
	o := &Orchestrator{log: zap.NewNop(), settings: Settings{MinV2ReserveUSD: 1000, MinV3LiquidityUSD: 5000}}
	require.Equal(t, 5000.0, o.thresholdFor(&pooltypes.Pool{Kind: pooltypes.PoolKindConcentrated}))
	require.Equal(t, 1000.0, o.thresholdFor(&pooltypes.Pool{Kind: pooltypes.PoolKindConstantProduct}))
	require.Equal(t, 1000.0, o.thresholdFor(&pooltypes.Pool{Kind: pooltypes.PoolKindWeighted}))
}

func TestUniqueTokensDedupesByKind(t *testing.T) {
	tok0 := common.HexToAddress("0x1")
	tok1 := common.HexToAddress("0x2")
	pools := []pooltypes.Pool{
		{Kind: pooltypes.PoolKindConstantProduct, Token0: tok0, Token1: tok1},
		{Kind: pooltypes.PoolKindConstantProduct, Token0: tok0, Token1: tok1},
		{Kind: pooltypes.PoolKindWeighted, Tokens: []common.Address{tok1, tok0}},
	}
	out := uniqueTokens(pools)
	require.ElementsMatch(t, []common.Address{tok0, tok1}, out)
}

func TestToCandidateMapsFields(t *testing.T) {
	m := adapter.PoolMeta{
		Address:      common.HexToAddress("0x1"),
		Dex:          "uniswap-v2",
		Factory:      common.HexToAddress("0x2"),
		Token0:       common.HexToAddress("0x3"),
		Token1:       common.HexToAddress("0x4"),
		FeeBps:       3000,
		CreatedBlock: 500,
	}
	c := toCandidate(m)
	require.Equal(t, m.Address, c.Address)
	require.Equal(t, m.Dex, c.Dex)
	require.Equal(t, m.Factory, c.Factory)
	require.Equal(t, m.Token0, c.Token0)
	require.Equal(t, m.Token1, c.Token1)
	require.Equal(t, m.FeeBps, c.FeeBps)
	require.Equal(t, m.CreatedBlock, c.DiscoveredAtBlock)
}

func TestProcessDiscoveryResultsValidatesAndUpserts(t *testing.T) {
	factory := common.HexToAddress("0xfactory")
	addr := common.HexToAddress("0xpool")
	tok0 := common.HexToAddress("0x1")
	tok1 := common.HexToAddress("0x2")

	v := newPermissiveValidator(factory)
	wq := &stubWriteQueue{}
	o := &Orchestrator{log: zap.NewNop(),
		validator: v,
		writeq:    wq,
		prices:    &stubPrices{prices: map[common.Address]float64{}},
		valuator:  &stubValuator{value: 0, ok: false},
		settings:  Settings{MinV2ReserveUSD: 1000, MinV3LiquidityUSD: 5000},
	}
	dex := &stubDEX{name: "uniswap-v2", states: []pooltypes.Pool{
		{Address: addr, Kind: pooltypes.PoolKindConstantProduct, Token0: tok0, Token1: tok1, Reserve0: u256(1), Reserve1: u256(1)},
	}}

	metas := []adapter.PoolMeta{{Address: addr, Dex: "uniswap-v2", Factory: factory, Token0: tok0, Token1: tok1, CreatedBlock: 10}}
	stats := o.processDiscoveryResults(context.Background(), dex, metas, 100)

	require.Equal(t, 1, stats.Inserted)
	require.Equal(t, 1, stats.Validated)

	var sawUpsert, sawSnapshot bool
	for _, op := range wq.ops {
		if op.UpsertPool != nil {
			sawUpsert = true
			require.True(t, op.UpsertPool.IsValid)
		}
		if op.PoolSnapshot != nil {
			sawSnapshot = true
		}
	}
	require.True(t, sawUpsert)
	require.True(t, sawSnapshot)
}

func TestProcessDiscoveryResultsMarksInvalidCandidate(t *testing.T) {
	addr := common.HexToAddress("0xpool")
	zero := common.Address{}

	v := validator.New(nil, validator.Settings{}, nil)
	wq := &stubWriteQueue{}
	o := &Orchestrator{log: zap.NewNop(), validator: v, writeq: wq, prices: &stubPrices{}, valuator: &stubValuator{}}
	dex := &stubDEX{name: "uniswap-v2"}

	// zero-address token0 fails structural validation before any
	// bytecode/RPC lookup is attempted.
	metas := []adapter.PoolMeta{{Address: addr, Token0: zero, Token1: common.HexToAddress("0x2")}}
	stats := o.processDiscoveryResults(context.Background(), dex, metas, 1)

	require.Equal(t, 1, stats.Inserted)
	require.Equal(t, 0, stats.Validated)
	require.Len(t, wq.ops, 1)
	require.False(t, wq.ops[0].UpsertPool.IsValid)
}

func TestValueAndClassifySkipsActivityUpdateOnZeroValuation(t *testing.T) {
	addr := common.HexToAddress("0xpool")
	wq := &stubWriteQueue{}
	o := &Orchestrator{log: zap.NewNop(),
		writeq:   wq,
		prices:   &stubPrices{prices: map[common.Address]float64{}},
		valuator: &stubValuator{value: 0, ok: false},
		settings: Settings{MinV2ReserveUSD: 1000},
	}
	dex := &stubDEX{states: []pooltypes.Pool{{Address: addr, Kind: pooltypes.PoolKindConstantProduct}}}

	o.valueAndClassify(context.Background(), dex, []common.Address{addr}, 10)

	for _, op := range wq.ops {
		require.Nil(t, op.SetPoolActivity)
		require.Nil(t, op.BatchSetPoolActivity)
	}
}

func TestValueAndClassifyFlagsActiveAboveThreshold(t *testing.T) {
	addr := common.HexToAddress("0xpool")
	wq := &stubWriteQueue{}
	o := &Orchestrator{log: zap.NewNop(),
		writeq:   wq,
		prices:   &stubPrices{prices: map[common.Address]float64{}},
		valuator: &stubValuator{value: 5000, ok: true},
		settings: Settings{MinV2ReserveUSD: 1000},
	}
	dex := &stubDEX{states: []pooltypes.Pool{{Address: addr, Kind: pooltypes.PoolKindConstantProduct}}}

	o.valueAndClassify(context.Background(), dex, []common.Address{addr}, 10)

	var found bool
	for _, op := range wq.ops {
		if op.BatchSetPoolActivity != nil {
			require.Len(t, op.BatchSetPoolActivity, 1)
			require.True(t, op.BatchSetPoolActivity[0].IsActive)
			found = true
		}
	}
	require.True(t, found)
}

func TestRunStaticRegistryCycleSkipsRangeLoop(t *testing.T) {
	factory := common.HexToAddress("0xfactory")
	v := newPermissiveValidator(factory)
	wq := &stubWriteQueue{}
	o := &Orchestrator{log: zap.NewNop(), validator: v, writeq: wq, prices: &stubPrices{}, valuator: &stubValuator{}}
	dex := &stubDEX{name: "curve", staticReg: true}

	stats, err := o.runStaticRegistryCycle(context.Background(), dex, 100)
	require.NoError(t, err)
	require.Equal(t, 0, stats.Inserted)
	require.Equal(t, 1, dex.discoverCalls)
}

func TestRunAdapterCycleUsesStaticRegistryBranch(t *testing.T) {
	factory := common.HexToAddress("0xfactory")
	v := newPermissiveValidator(factory)
	o := &Orchestrator{log: zap.NewNop(),
		validator: v,
		writeq:    &stubWriteQueue{},
		blocks:    &stubBlocks{n: 100},
		prices:    &stubPrices{},
		valuator:  &stubValuator{},
		store:     &stubStore{},
	}
	dex := &stubDEX{name: "curve", staticReg: true}

	_, err := o.runAdapterCycle(context.Background(), dex)
	require.NoError(t, err)
	require.Equal(t, 1, dex.discoverCalls)
}

func TestRunAdapterCycleErrorsOnBlockNumberFailure(t *testing.T) {
	o := &Orchestrator{log: zap.NewNop(), blocks: &stubBlocks{err: errors.New("rpc down")}}
	_, err := o.runAdapterCycle(context.Background(), &stubDEX{name: "x"})
	require.Error(t, err)
}

func TestRunChunkLoopAdvancesCursorAndAccumulates(t *testing.T) {
	factory := common.HexToAddress("0xfactory")
	tok0 := common.HexToAddress("0x1")
	tok1 := common.HexToAddress("0x2")
	addr := common.HexToAddress("0xpool")

	v := newPermissiveValidator(factory)
	wq := &stubWriteQueue{}
	o := &Orchestrator{log: zap.NewNop(),
		validator: v,
		writeq:    wq,
		prices:    &stubPrices{prices: map[common.Address]float64{}},
		valuator:  &stubValuator{value: 0, ok: false},
		settings:  Settings{GetLogsChunkSize: 50, GetLogsMaxConcurrency: 2},
	}
	dex := &stubDEX{
		name:       "uniswap-v2",
		discovered: []adapter.PoolMeta{{Address: addr, Factory: factory, Token0: tok0, Token1: tok1}},
	}

	stats, err := o.runChunkLoop(context.Background(), dex, pooltypes.DexCursor{Dex: "uniswap-v2"}, 0, 99, 99)
	require.NoError(t, err)
	require.Equal(t, 2, dex.discoverCalls) // [0,49] and [50,99]
	require.Equal(t, 2, stats.Discovered)

	var lastCursor *pooltypes.DexCursor
	for _, op := range wq.ops {
		if op.SetDexState != nil {
			lastCursor = op.SetDexState
		}
	}
	require.NotNil(t, lastCursor)
	require.Equal(t, uint64(99), lastCursor.LastProcessedBlock)
	require.Equal(t, pooltypes.CursorForward, lastCursor.Mode)
}

func TestRunChunkLoopSkipsChunkOnDiscoverError(t *testing.T) {
	v := validator.New(nil, validator.Settings{}, nil)
	wq := &stubWriteQueue{}
	o := &Orchestrator{log: zap.NewNop(),
		validator: v,
		writeq:    wq,
		settings:  Settings{GetLogsChunkSize: 100},
	}
	dex := &stubDEX{name: "x", discoverErr: errors.New("rpc down")}

	stats, err := o.runChunkLoop(context.Background(), dex, pooltypes.DexCursor{Dex: "x"}, 0, 99, 99)
	require.NoError(t, err)
	require.Equal(t, 0, stats.Discovered)
}

func TestCheckPoolsActivityReactivatesAbovethreshold(t *testing.T) {
	addr := common.HexToAddress("0xpool")
	wq := &stubWriteQueue{}
	store := &stubStore{inactivePool: []*pooltypes.Pool{{Address: addr, Kind: pooltypes.PoolKindConstantProduct}}}
	o := &Orchestrator{log: zap.NewNop(),
		store:    store,
		writeq:   wq,
		prices:   &stubPrices{prices: map[common.Address]float64{}},
		valuator: &stubValuator{value: 5000, ok: true},
		settings: Settings{MinV2ReserveUSD: 1000},
	}

	err := o.CheckPoolsActivity(context.Background())
	require.NoError(t, err)

	var reactivated bool
	for _, op := range wq.ops {
		if op.SetPoolActivity != nil && op.SetPoolActivity.Address == addr {
			require.True(t, op.SetPoolActivity.IsActive)
			reactivated = true
		}
	}
	require.True(t, reactivated)
}

func TestCheckPoolsActivityFlagsActivePoolInactive(t *testing.T) {
	addr := common.HexToAddress("0xpool")
	wq := &stubWriteQueue{}
	store := &stubStore{activePools: []*pooltypes.Pool{{Address: addr, Kind: pooltypes.PoolKindConstantProduct}}}
	o := &Orchestrator{log: zap.NewNop(),
		store:    store,
		writeq:   wq,
		prices:   &stubPrices{prices: map[common.Address]float64{}},
		valuator: &stubValuator{value: 10, ok: true},
		settings: Settings{MinV2ReserveUSD: 1000},
	}

	err := o.CheckPoolsActivity(context.Background())
	require.NoError(t, err)

	var found bool
	for _, op := range wq.ops {
		if op.BatchSetPoolActivity != nil {
			require.Len(t, op.BatchSetPoolActivity, 1)
			require.False(t, op.BatchSetPoolActivity[0].IsActive)
			found = true
		}
	}
	require.True(t, found)
}

func TestDetectGapsNoGapReturnsNil(t *testing.T) {
	wq := &stubWriteQueue{}
	o := &Orchestrator{log: zap.NewNop(), store: &stubStore{}, writeq: wq}
	gaps, err := o.DetectGaps(context.Background(), "uniswap-v2")
	require.NoError(t, err)
	require.Nil(t, gaps)
	require.Empty(t, wq.ops)
}

func TestDetectGapsTriggersReverseSyncAtOldestGap(t *testing.T) {
	wq := &stubWriteQueue{}
	o := &Orchestrator{log: zap.NewNop(), store: &stubStore{gaps: []uint64{500, 200, 800}}, writeq: wq}
	gaps, err := o.DetectGaps(context.Background(), "uniswap-v2")
	require.NoError(t, err)
	require.Equal(t, []uint64{500, 200, 800}, gaps)

	require.Len(t, wq.ops, 1)
	cursor := wq.ops[0].SetDexState
	require.NotNil(t, cursor)
	require.Equal(t, uint64(200), cursor.LastProcessedBlock)
	require.Equal(t, pooltypes.CursorReverseSync, cursor.Mode)
}

func TestDetectGapsPropagatesStoreError(t *testing.T) {
	o := &Orchestrator{log: zap.NewNop(), store: &stubStore{gapsErr: errors.New("db down")}, writeq: &stubWriteQueue{}}
	_, err := o.DetectGaps(context.Background(), "uniswap-v2")
	require.Error(t, err)
}
