// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package topology

import (
	"context"
	"math"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/topology-indexer/pooltypes"
)

type stubPrices struct {
	prices map[common.Address]float64
}

func (s *stubPrices) GetUSDPrices(ctx context.Context, tokens []common.Address) (map[common.Address]float64, error) {
	return s.prices, nil
}

type stubDecimals struct{ dec map[common.Address]uint8 }

func (s *stubDecimals) Get(t common.Address) (uint8, bool) {
	d, ok := s.dec[t]
	return d, ok
}

type stubSink struct{ got []pooltypes.GraphWeight }

func (s *stubSink) BatchUpsertGraphWeights(ctx context.Context, weights []pooltypes.GraphWeight) error {
	s.got = append(s.got, weights...)
	return nil
}

var (
	tokA = common.HexToAddress("0xaaaa")
	tokB = common.HexToAddress("0xbbbb")
)

func TestRefreshConstantProduct(t *testing.T) {
	prices := &stubPrices{prices: map[common.Address]float64{tokA: 1.0, tokB: 2000.0}}
	decimals := &stubDecimals{dec: map[common.Address]uint8{tokA: 6, tokB: 18}}
	sink := &stubSink{}
	g := New(prices, decimals, sink, nil)

	pool := &pooltypes.Pool{
		Address:  common.HexToAddress("0x1"),
		Kind:     pooltypes.PoolKindConstantProduct,
		Token0:   tokA,
		Token1:   tokB,
		Reserve0: uint256.NewInt(1_000_000_000), // 1000 tokA @ 6 decimals
		Reserve1: uint256.NewInt(0).Mul(uint256.NewInt(1e9), uint256.NewInt(1e9)),
	}

	n, err := g.Refresh(context.Background(), []*pooltypes.Pool{pool}, 100)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, sink.got, 1)
	require.Greater(t, sink.got[0].WeightUSD, 0.0)
	require.Equal(t, uint64(100), sink.got[0].LastComputedBlock)
}

func TestWeightConcentratedZeroLiquidityIsZeroNotSkipped(t *testing.T) {
	prices := &stubPrices{prices: map[common.Address]float64{tokA: 1.0, tokB: 2000.0}}
	g := New(prices, &stubDecimals{dec: map[common.Address]uint8{}}, &stubSink{}, nil)

	pool := &pooltypes.Pool{
		Kind:         pooltypes.PoolKindConcentrated,
		Token0:       tokA,
		Token1:       tokB,
		Liquidity:    uint256.NewInt(0),
		SqrtPriceX96: uint256.NewInt(12345),
	}
	w, ok := g.weightFor(pool, prices.prices)
	require.True(t, ok)
	require.Equal(t, 0.0, w)
}

func TestWeightConcentratedPositive(t *testing.T) {
	prices := map[common.Address]float64{tokA: 1.0, tokB: 2000.0}
	g := New(&stubPrices{prices: prices}, &stubDecimals{dec: map[common.Address]uint8{tokA: 18, tokB: 18}}, &stubSink{}, nil)

	pool := &pooltypes.Pool{
		Kind:         pooltypes.PoolKindConcentrated,
		Token0:       tokA,
		Token1:       tokB,
		Liquidity:    uint256.NewInt(1_000_000_000_000),
		SqrtPriceX96: uint256.NewInt(1).Lsh(uint256.NewInt(1), 96),
	}
	w, ok := g.weightFor(pool, prices)
	require.True(t, ok)
	require.Greater(t, w, 0.0)
}

func TestWeightMissingPricesIsSkipped(t *testing.T) {
	g := New(&stubPrices{prices: map[common.Address]float64{}}, &stubDecimals{dec: map[common.Address]uint8{}}, &stubSink{}, nil)
	pool := &pooltypes.Pool{
		Kind:     pooltypes.PoolKindConstantProduct,
		Token0:   tokA,
		Token1:   tokB,
		Reserve0: uint256.NewInt(100),
		Reserve1: uint256.NewInt(100),
	}
	_, ok := g.weightFor(pool, map[common.Address]float64{})
	require.False(t, ok)
}

func TestWeightMultiTokenBalancer(t *testing.T) {
	prices := map[common.Address]float64{tokA: 1.0, tokB: 2000.0}
	g := New(&stubPrices{prices: prices}, &stubDecimals{dec: map[common.Address]uint8{tokA: 18, tokB: 18}}, &stubSink{}, nil)

	pool := &pooltypes.Pool{
		Kind:     pooltypes.PoolKindWeighted,
		Tokens:   []common.Address{tokA, tokB},
		Balances: []*uint256.Int{uint256.NewInt(1).Lsh(uint256.NewInt(1), 60), uint256.NewInt(1).Lsh(uint256.NewInt(1), 60)},
	}
	w, ok := g.weightFor(pool, prices)
	require.True(t, ok)
	require.Greater(t, w, 0.0)
}

func TestFiniteRejectsNegativeAndNaN(t *testing.T) {
	_, ok := finite(-1.0)
	require.False(t, ok)
	_, ok = finite(math.NaN())
	require.False(t, ok)
	w, ok := finite(5.0)
	require.True(t, ok)
	require.Equal(t, 5.0, w)
}
