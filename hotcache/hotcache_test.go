// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package hotcache

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/topology-indexer/pooltypes"
)

func TestPoolMetaCacheGetPut(t *testing.T) {
	c := NewPoolMetaCache()
	addr := common.HexToAddress("0x1")
	_, ok := c.Get(addr)
	require.False(t, ok)

	c.Put(addr, &pooltypes.Pool{Address: addr})
	p, ok := c.Get(addr)
	require.True(t, ok)
	require.Equal(t, addr, p.Address)
	require.Equal(t, 1, c.Len())
}

func TestPoolStateCacheEvictsOldestTenPercent(t *testing.T) {
	c := NewPoolStateCacheWithCap(10)
	for i := 0; i < 10; i++ {
		addr := common.BigToAddress(big.NewInt(int64(i)))
		c.Put(pooltypes.PoolStateSnapshot{PoolAddress: addr, BlockNumber: uint64(i)})
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, 10, c.Len())

	// One more insert should evict at least one (10% of 10 = 1) oldest entry.
	c.Put(pooltypes.PoolStateSnapshot{PoolAddress: common.BigToAddress(big.NewInt(99)), BlockNumber: 99})
	require.LessOrEqual(t, c.Len(), 10)

	_, ok := c.Get(common.BigToAddress(big.NewInt(0)))
	require.False(t, ok, "oldest entry should have been evicted")
}

func TestTokenDecimalsCache(t *testing.T) {
	c := NewTokenDecimalsCache()
	addr := common.HexToAddress("0xabc")
	_, ok := c.Get(addr)
	require.False(t, ok)

	c.Put(addr, 18)
	d, ok := c.Get(addr)
	require.True(t, ok)
	require.Equal(t, uint8(18), d)
}

func TestUSDPriceCacheImplementsSharedCache(t *testing.T) {
	c := NewUSDPriceCache()
	addr := common.HexToAddress("0xdef")
	_, ok := c.GetPrice(addr)
	require.False(t, ok)

	c.SetPrice(addr, 3500.25)
	p, ok := c.GetPrice(addr)
	require.True(t, ok)
	require.Equal(t, 3500.25, p)
}
