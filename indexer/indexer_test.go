// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package indexer

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/topology-indexer/adapter"
	"github.com/luxfi/topology-indexer/pooltypes"
)

type stubDEX struct {
	name  string
	state map[common.Address]pooltypes.Pool
	err   error
}

func (d *stubDEX) Name() string { return d.name }

func (d *stubDEX) DiscoverPools(ctx context.Context, from, to uint64, chunkSize, concurrency int) ([]adapter.PoolMeta, error) {
	return nil, nil
}

func (d *stubDEX) FetchPoolState(ctx context.Context, pools []common.Address) ([]pooltypes.Pool, error) {
	if d.err != nil {
		return nil, d.err
	}
	out := make([]pooltypes.Pool, 0, len(pools))
	for _, addr := range pools {
		if p, ok := d.state[addr]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (d *stubDEX) UsesStaticRegistry() bool { return false }

func TestRegistryStateFetcherGroupsByDexAndDispatches(t *testing.T) {
	poolA := common.HexToAddress("0xa")
	poolB := common.HexToAddress("0xb")

	uni := &stubDEX{name: "UniswapV2", state: map[common.Address]pooltypes.Pool{
		poolA: {Address: poolA, Reserve0: uint256.NewInt(100), Reserve1: uint256.NewInt(200)},
	}}
	curve := &stubDEX{name: "Curve", state: map[common.Address]pooltypes.Pool{
		poolB: {Address: poolB, Liquidity: uint256.NewInt(500)},
	}}

	reg := adapter.NewRegistry()
	reg.Register(uni)
	reg.Register(curve)

	fetcher := registryStateFetcher{registry: reg}
	pools := []*pooltypes.Pool{
		{Address: poolA, DexName: "UniswapV2"},
		{Address: poolB, DexName: "Curve"},
	}

	out, err := fetcher.FetchStates(context.Background(), pools, 100)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, uint256.NewInt(100), out[poolA].Reserve0)
	require.Equal(t, uint256.NewInt(500), out[poolB].Liquidity)
}

func TestRegistryStateFetcherSkipsUnknownDex(t *testing.T) {
	reg := adapter.NewRegistry()
	fetcher := registryStateFetcher{registry: reg}

	pools := []*pooltypes.Pool{{Address: common.HexToAddress("0xa"), DexName: "NoSuchDex"}}
	out, err := fetcher.FetchStates(context.Background(), pools, 100)
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestRegistryStateFetcherSkipsOnFetchError(t *testing.T) {
	broken := &stubDEX{name: "Broken", err: require.AnError}
	reg := adapter.NewRegistry()
	reg.Register(broken)

	fetcher := registryStateFetcher{registry: reg}
	pools := []*pooltypes.Pool{{Address: common.HexToAddress("0xa"), DexName: "Broken"}}

	out, err := fetcher.FetchStates(context.Background(), pools, 100)
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestRegistryStateFetcherMixesKnownAndUnknownDex(t *testing.T) {
	poolA := common.HexToAddress("0xa")
	uni := &stubDEX{name: "UniswapV2", state: map[common.Address]pooltypes.Pool{
		poolA: {Address: poolA, Reserve0: uint256.NewInt(1)},
	}}
	reg := adapter.NewRegistry()
	reg.Register(uni)

	fetcher := registryStateFetcher{registry: reg}
	pools := []*pooltypes.Pool{
		{Address: poolA, DexName: "UniswapV2"},
		{Address: common.HexToAddress("0xb"), DexName: "Unknown"},
	}

	out, err := fetcher.FetchStates(context.Background(), pools, 100)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Contains(t, out, poolA)
}
