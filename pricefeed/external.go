// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// TokenFeed names one token's identifiers across the external price
// sources, the Go equivalent of external_price_updater.rs's inline
// (label, address, symbol) tuples.
type TokenFeed struct {
	Label         string
	Address       common.Address
	BinanceSymbol string // e.g. "ETHUSDT"; empty if not tracked on Binance
	PythFeedID    string // Hermes price feed id; empty if not tracked on Pyth
	DefiLlamaID   string // "chain:address" key; empty if not tracked on DefiLlama
	CoinGeckoID   string // CoinGecko coin id; empty if not tracked on CoinGecko
}

const (
	minSanePrice = 1e-4
	maxSanePrice = 1e6

	binanceTimeout   = 200 * time.Millisecond
	pythTimeout      = 300 * time.Millisecond
	defillamaTimeout = 500 * time.Millisecond

	cascadeInterval = 100 * time.Millisecond
	cascadeSlowLog  = 50 * time.Millisecond
)

func validPrice(p float64) bool {
	return !math.IsNaN(p) && !math.IsInf(p, 0) && p > 0 && p >= minSanePrice && p <= maxSanePrice
}

// ExternalUpdater runs the Binance (WS+HTTP) -> Pyth -> DefiLlama
// fallback cascade, writing every accepted price into cache tagged
// Chainlink (an externally-sourced, trusted price, per
// update_prices_cascade's own convention of reusing that tag).
// Grounded on external_price_updater.rs's ExternalPriceUpdater.
type ExternalUpdater struct {
	cache  *Cache
	client *http.Client
	log    *zap.Logger

	binanceSymbols  map[common.Address]string
	symbolToAddress map[string]common.Address
	pythFeeds       map[common.Address]string
	defillamaIDs    map[common.Address]string
}

// NewExternalUpdater builds an ExternalUpdater from a token feed
// table, skipping any feed whose relevant field is blank.
func NewExternalUpdater(cache *Cache, feeds []TokenFeed, log *zap.Logger) *ExternalUpdater {
	if log == nil {
		log = zap.NewNop()
	}
	u := &ExternalUpdater{
		cache:           cache,
		client:          &http.Client{Timeout: 500 * time.Millisecond},
		log:             log,
		binanceSymbols:  make(map[common.Address]string),
		symbolToAddress: make(map[string]common.Address),
		pythFeeds:       make(map[common.Address]string),
		defillamaIDs:    make(map[common.Address]string),
	}
	for _, f := range feeds {
		if f.BinanceSymbol != "" {
			u.binanceSymbols[f.Address] = f.BinanceSymbol
			u.symbolToAddress[f.BinanceSymbol] = f.Address
		}
		if f.PythFeedID != "" {
			u.pythFeeds[f.Address] = f.PythFeedID
		}
		if f.DefiLlamaID != "" {
			u.defillamaIDs[f.Address] = f.DefiLlamaID
		}
	}
	return u
}

// Run drives the HTTP cascade on a 100ms ticker and the Binance
// WebSocket stream concurrently until ctx is done, matching start's
// "WS runs alongside the ticked cascade" structure.
func (u *ExternalUpdater) Run(ctx context.Context) {
	go u.runBinanceWebSocket(ctx)

	u.log.Info("pricefeed: starting external cascade",
		zap.Int("binance_symbols", len(u.binanceSymbols)),
		zap.Int("pyth_feeds", len(u.pythFeeds)),
		zap.Int("defillama_ids", len(u.defillamaIDs)))

	ticker := time.NewTicker(cascadeInterval)
	defer ticker.Stop()

	var consecutiveFailures int
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			binanceN, pythN, llamaN, err := u.updateOnce(ctx)
			if err != nil {
				consecutiveFailures++
				if consecutiveFailures%10 == 0 {
					u.log.Warn("pricefeed: external cascade failing",
						zap.Int("consecutive_failures", consecutiveFailures), zap.Error(err))
				}
				if consecutiveFailures >= 50 {
					u.log.Error("pricefeed: external cascade unhealthy", zap.Int("consecutive_failures", consecutiveFailures))
					consecutiveFailures = 0
				}
				continue
			}
			consecutiveFailures = 0
			if total := binanceN + pythN + llamaN; total > 0 {
				u.log.Debug("pricefeed: cascade updated prices",
					zap.Int("binance", binanceN), zap.Int("pyth", pythN), zap.Int("defillama", llamaN))
			}
		}
	}
}

// updateOnce runs one cascade pass: Binance first, then Pyth and
// DefiLlama concurrently over whatever Binance left missing, matching
// update_prices_cascade's "run Pyth/DefiLlama in parallel" structure.
func (u *ExternalUpdater) updateOnce(ctx context.Context) (binanceN, pythN, llamaN int, err error) {
	start := time.Now()
	merged := make(map[common.Address]float64)

	binancePrices := u.fetchBinancePrices(ctx)
	binanceN = len(binancePrices)
	for addr, p := range binancePrices {
		merged[addr] = p
	}

	var missingPyth, missingLlama []common.Address
	for addr := range u.pythFeeds {
		if _, ok := merged[addr]; !ok {
			missingPyth = append(missingPyth, addr)
		}
	}
	for addr := range u.defillamaIDs {
		if _, ok := merged[addr]; !ok {
			missingLlama = append(missingLlama, addr)
		}
	}

	var pythPrices, llamaPrices map[common.Address]float64
	var pythErr, llamaErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if len(missingPyth) > 0 {
			pythPrices, pythErr = u.fetchPythPrices(ctx, missingPyth)
		}
	}()
	go func() {
		defer wg.Done()
		if len(missingLlama) > 0 {
			llamaPrices, llamaErr = u.fetchDefiLlamaPrices(ctx, missingLlama)
		}
	}()
	wg.Wait()

	if pythErr == nil {
		pythN = len(pythPrices)
		for addr, p := range pythPrices {
			merged[addr] = p
		}
	}
	if llamaErr == nil {
		llamaN = len(llamaPrices)
		for addr, p := range llamaPrices {
			merged[addr] = p
		}
	}

	if len(merged) > 0 {
		u.cache.UpdateBatch(merged, SourceChainlink)
	}

	if elapsed := time.Since(start); elapsed > cascadeSlowLog {
		u.log.Warn("pricefeed: external cascade slow", zap.Duration("elapsed", elapsed))
	}

	if binanceN == 0 && pythN == 0 && llamaN == 0 && (pythErr != nil || llamaErr != nil) {
		return 0, 0, 0, fmt.Errorf("pricefeed: cascade produced nothing (pyth: %v, defillama: %v)", pythErr, llamaErr)
	}
	return binanceN, pythN, llamaN, nil
}

type binanceTickerResponse struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// fetchBinancePrices issues one REST request per tracked symbol
// concurrently, matching fetch_binance_prices's per-symbol task
// fan-out.
func (u *ExternalUpdater) fetchBinancePrices(ctx context.Context) map[common.Address]float64 {
	out := make(map[common.Address]float64)
	if len(u.binanceSymbols) == 0 {
		return out
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for addr, symbol := range u.binanceSymbols {
		wg.Add(1)
		go func(addr common.Address, symbol string) {
			defer wg.Done()
			reqCtx, cancel := context.WithTimeout(ctx, binanceTimeout)
			defer cancel()

			u2 := "https://api.binance.com/api/v3/ticker/price?symbol=" + url.QueryEscape(symbol)
			req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u2, nil)
			if err != nil {
				return
			}
			resp, err := u.client.Do(req)
			if err != nil {
				return
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return
			}
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return
			}
			var parsed binanceTickerResponse
			if err := json.Unmarshal(body, &parsed); err != nil {
				return
			}
			price, err := strconv.ParseFloat(parsed.Price, 64)
			if err != nil || !validPrice(price) {
				return
			}
			mu.Lock()
			out[addr] = price
			mu.Unlock()
		}(addr, symbol)
	}
	wg.Wait()
	return out
}

type pythPriceObj struct {
	Price string `json:"price"`
	Expo  int    `json:"expo"`
}

type pythUpdate struct {
	ID    string       `json:"id"`
	Price pythPriceObj `json:"price"`
}

// fetchPythPrices asks Hermes for every missing feed in one request,
// matching fetch_pyth_prices's comma-joined ids param.
func (u *ExternalUpdater) fetchPythPrices(ctx context.Context, tokens []common.Address) (map[common.Address]float64, error) {
	feedIDs := make([]string, 0, len(tokens))
	byFeed := make(map[string]common.Address, len(tokens))
	for _, addr := range tokens {
		id, ok := u.pythFeeds[addr]
		if !ok {
			continue
		}
		feedIDs = append(feedIDs, id)
		byFeed[id] = addr
	}
	if len(feedIDs) == 0 {
		return nil, nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, pythTimeout)
	defer cancel()

	target := "https://hermes.pyth.network/v2/updates/price/latest?ids=" + strings.Join(feedIDs, ",")
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pyth request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("pyth rate limited (429)")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pyth http error: %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var updates []pythUpdate
	if err := json.Unmarshal(body, &updates); err != nil {
		return nil, fmt.Errorf("pyth json parse: %w", err)
	}

	out := make(map[common.Address]float64)
	for _, upd := range updates {
		addr, ok := byFeed[upd.ID]
		if !ok {
			continue
		}
		raw, err := strconv.ParseFloat(upd.Price.Price, 64)
		if err != nil {
			continue
		}
		price := raw * math.Pow(10, float64(upd.Price.Expo))
		if validPrice(price) {
			out[addr] = price
		}
	}
	return out, nil
}

type defillamaResponse struct {
	Coins map[string]struct {
		Price     float64 `json:"price"`
		Timestamp *int64  `json:"timestamp"`
	} `json:"coins"`
}

// fetchDefiLlamaPrices matches fetch_defillama_prices: one request for
// every missing chain:address key, rejecting entries older than 60s.
func (u *ExternalUpdater) fetchDefiLlamaPrices(ctx context.Context, tokens []common.Address) (map[common.Address]float64, error) {
	keys := make([]string, 0, len(tokens))
	byKey := make(map[string]common.Address, len(tokens))
	for _, addr := range tokens {
		id, ok := u.defillamaIDs[addr]
		if !ok {
			continue
		}
		keys = append(keys, id)
		byKey[id] = addr
	}
	if len(keys) == 0 {
		return nil, nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, defillamaTimeout)
	defer cancel()

	target := "https://coins.llama.fi/prices/current/" + strings.Join(keys, ",")
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("defillama request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("defillama http error: %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var parsed defillamaResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("defillama json parse: %w", err)
	}

	now := time.Now().Unix()
	out := make(map[common.Address]float64)
	for key, coin := range parsed.Coins {
		addr, ok := byKey[key]
		if !ok {
			continue
		}
		fresh := coin.Timestamp == nil || now-*coin.Timestamp < 60
		if fresh && validPrice(coin.Price) {
			out[addr] = coin.Price
		}
	}
	return out, nil
}
