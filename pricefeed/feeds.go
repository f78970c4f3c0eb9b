// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pricefeed

import "github.com/ethereum/go-ethereum/common"

// DefaultArbitrumFeeds is the blue-chip token feed table baked into
// external_price_updater.rs / coingecko_price_updater.rs for Arbitrum
// One. Callers building against a different chain pass their own
// []TokenFeed to NewExternalUpdater/NewCoinGeckoUpdater instead.
var DefaultArbitrumFeeds = []TokenFeed{
	{
		Label:         "WETH",
		Address:       common.HexToAddress("0x82aF49447D8a07e3bd95BD0d56f35241523fBab1"),
		BinanceSymbol: "ETHUSDT",
		PythFeedID:    "0xff61491a931112ddf1bd8147cd1b641375f79f5825126d665480874634fd0ace",
		DefiLlamaID:   "arbitrum:0x82aF49447D8a07e3bd95BD0d56f35241523fBab1",
		CoinGeckoID:   "weth",
	},
	{
		Label:         "WBTC",
		Address:       common.HexToAddress("0x2f2a2543B76A4166549F7aaB2e75Bef0aefC5B0f"),
		BinanceSymbol: "BTCUSDT",
		PythFeedID:    "0xe62df6c8b4a85fe1a67db44dc12de5db330f7ac66b72dc658afedf0f4a415b43",
		DefiLlamaID:   "arbitrum:0x2f2a2543B76A4166549F7aaB2e75Bef0aefC5B0f",
		CoinGeckoID:   "wrapped-bitcoin",
	},
	{
		Label:         "LINK",
		Address:       common.HexToAddress("0xf97f4df75117a78c1A5a0DBb814Af92458539FB4"),
		BinanceSymbol: "LINKUSDT",
		PythFeedID:    "0x8ac0c70fff57e9aefdf5edf44b51d62c2d433653cbb2fa5dbf7d0405e47b9d78",
		DefiLlamaID:   "arbitrum:0xf97f4df75117a78c1A5a0DBb814Af92458539FB4",
		CoinGeckoID:   "chainlink",
	},
	{
		Label:         "ARB",
		Address:       common.HexToAddress("0x912CE59144191C1204E64559FE8253a0e49E6548"),
		BinanceSymbol: "ARBUSDT",
		PythFeedID:    "0x3fa4252848f9f0a1480be62745a462e1079ae237dfdcd35734db2c3a087942a0",
		DefiLlamaID:   "arbitrum:0x912CE59144191C1204E64559FE8253a0e49E6548",
		CoinGeckoID:   "arbitrum",
	},
	{
		Label:         "DAI",
		Address:       common.HexToAddress("0xDA10009cBd5D07dd0CeCc66161FC93D7c9000da1"),
		BinanceSymbol: "DAIUSDT",
		DefiLlamaID:   "arbitrum:0xDA10009cBd5D07dd0CeCc66161FC93D7c9000da1",
		CoinGeckoID:   "dai",
	},
	{
		Label:         "AAVE",
		Address:       common.HexToAddress("0xba5DdD1f9d7F570dc94a51479a000E3BCE967196"),
		BinanceSymbol: "AAVEUSDT",
		CoinGeckoID:   "aave-token",
	},
	{
		Label:         "wstETH",
		Address:       common.HexToAddress("0x5979D7b546E38E414F7E9822514be443A4800529"),
		BinanceSymbol: "WSTETHUSDT",
		CoinGeckoID:   "wrapped-steth",
	},
	{
		Label:         "rETH",
		Address:       common.HexToAddress("0xEC70Dcb4A1EFa46b8F2D97C310C9c4790ba5ffA8"),
		BinanceSymbol: "RETHUSDT",
		CoinGeckoID:   "rocket-pool-eth",
	},
	{
		Label:         "FRAX",
		Address:       common.HexToAddress("0x17fC002b466Eec40dae837fc4bE5C67993DDDc84"),
		BinanceSymbol: "FRAXUSDT",
		CoinGeckoID:   "frax",
	},
	{
		Label:       "USDC",
		Address:     common.HexToAddress("0xaf88d065e77c8cC2239327C5EDb3A432268e5831"),
		DefiLlamaID: "arbitrum:0xaf88d065e77c8cC2239327C5EDb3A432268e5831",
		CoinGeckoID: "usd-coin",
	},
	{
		Label:       "USDC_E",
		Address:     common.HexToAddress("0xFF970A61A04b1Ca14834A43f5de4533eBDDB5CC8"),
		DefiLlamaID: "arbitrum:0xFF970A61A04b1Ca14834A43f5de4533eBDDB5CC8",
		CoinGeckoID: "usd-coin",
	},
	{
		Label:         "USDT",
		Address:       common.HexToAddress("0xFd086bC7CD5C481DCC9C85ebE478A1C0b69FCbb9"),
		BinanceSymbol: "USDTUSDT",
		DefiLlamaID:   "arbitrum:0xFd086bC7CD5C481DCC9C85ebE478A1C0b69FCbb9",
		CoinGeckoID:   "tether",
	},
}
