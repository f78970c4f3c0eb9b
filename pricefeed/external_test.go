// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pricefeed

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestNewExternalUpdaterSkipsBlankFeeds(t *testing.T) {
	cache := NewCache()
	feeds := []TokenFeed{
		{Label: "WETH", Address: common.HexToAddress("0x1"), BinanceSymbol: "ETHUSDT", PythFeedID: "feed-1", DefiLlamaID: "arbitrum:0x1"},
		{Label: "NoFeeds", Address: common.HexToAddress("0x2")},
	}
	u := NewExternalUpdater(cache, feeds, nil)
	require.Len(t, u.binanceSymbols, 1)
	require.Len(t, u.pythFeeds, 1)
	require.Len(t, u.defillamaIDs, 1)
	require.Equal(t, common.HexToAddress("0x1"), u.symbolToAddress["ETHUSDT"])
}

func TestFetchPythPricesParsesExponent(t *testing.T) {
	cache := NewCache()
	addr := common.HexToAddress("0x1")
	u := NewExternalUpdater(cache, []TokenFeed{{Address: addr, PythFeedID: "feed-1"}}, nil)

	// Serve a canned Hermes response through a stub transport so the
	// real fetchPythPrices request/decode path runs without the network.
	u.client = &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		body := `[{"id":"feed-1","price":{"price":"123456789","expo":-8}}]`
		return &http.Response{StatusCode: http.StatusOK, Header: make(http.Header), Body: io.NopCloser(strings.NewReader(body))}, nil
	})}

	out, err := u.fetchPythPrices(context.Background(), []common.Address{addr})
	require.NoError(t, err)
	_, ok := out[addr]
	require.True(t, ok)
	require.InDelta(t, 1.23456789, out[addr], 1e-9)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestUpdateOnceWithNoFeedsIsNoop(t *testing.T) {
	cache := NewCache()
	u := NewExternalUpdater(cache, nil, nil)
	binanceN, pythN, llamaN, err := u.updateOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, binanceN)
	require.Equal(t, 0, pythN)
	require.Equal(t, 0, llamaN)
}
