// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pricefeed

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestCacheGetSetRoundTrip(t *testing.T) {
	c := NewCache()
	tok := common.HexToAddress("0x1")
	_, ok := c.GetPrice(tok)
	require.False(t, ok)

	c.UpdateBatch(map[common.Address]float64{tok: 1234.5}, SourceChainlink)
	price, ok := c.GetPrice(tok)
	require.True(t, ok)
	require.Equal(t, 1234.5, price)

	p, age, src, ok := c.GetPriceWithMetadata(tok)
	require.True(t, ok)
	require.Equal(t, 1234.5, p)
	require.GreaterOrEqual(t, age.Seconds(), 0.0)
	require.Equal(t, SourceChainlink, src)
}

func TestCacheSetPriceMarksSuccess(t *testing.T) {
	c := NewCache()
	c.MarkFailure()
	c.MarkFailure()
	c.MarkFailure()
	require.False(t, c.IsHealthy())

	c.SetPrice(common.HexToAddress("0x1"), 1.0)
	require.True(t, c.IsHealthy())
}

func TestCacheIsHealthyNeverUpdated(t *testing.T) {
	c := NewCache()
	require.True(t, c.IsHealthy())
	c.MarkFailure()
	c.MarkFailure()
	c.MarkFailure()
	require.False(t, c.IsHealthy())
}

func TestCacheIsHealthyAfterSuccess(t *testing.T) {
	c := NewCache()
	c.MarkSuccess()
	require.True(t, c.IsHealthy())
	c.MarkFailure()
	c.MarkFailure()
	require.True(t, c.IsHealthy())
	c.MarkFailure()
	require.False(t, c.IsHealthy())
}

func TestValidPriceRange(t *testing.T) {
	require.True(t, validPrice(1.0))
	require.True(t, validPrice(minSanePrice))
	require.True(t, validPrice(maxSanePrice))
	require.False(t, validPrice(0))
	require.False(t, validPrice(-1))
	require.False(t, validPrice(minSanePrice/2))
	require.False(t, validPrice(maxSanePrice*2))
}

func TestDedupeSorted(t *testing.T) {
	a := common.HexToAddress("0xaa")
	b := common.HexToAddress("0xbb")
	out := dedupeSorted([]common.Address{b, common.Address{}, a, b})
	require.Equal(t, []common.Address{a, b}, out)
}
