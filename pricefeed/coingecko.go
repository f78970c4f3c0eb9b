// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

const coingeckoTimeout = 500 * time.Millisecond

// CoinGeckoUpdater polls /simple/price every 100ms for a fixed set of
// tokens, deduplicating CoinGecko ids shared by multiple addresses
// (e.g. USDC and USDC.e both map to "usd-coin"), matching
// coingecko_price_updater.rs.
type CoinGeckoUpdater struct {
	cache    *Cache
	client   *http.Client
	log      *zap.Logger
	tokenMap map[common.Address]string
}

// NewCoinGeckoUpdater builds a CoinGeckoUpdater from the CoinGeckoID
// field of feeds, skipping any feed that leaves it blank.
func NewCoinGeckoUpdater(cache *Cache, feeds []TokenFeed, log *zap.Logger) *CoinGeckoUpdater {
	if log == nil {
		log = zap.NewNop()
	}
	tokenMap := make(map[common.Address]string)
	for _, f := range feeds {
		if f.CoinGeckoID != "" {
			tokenMap[f.Address] = f.CoinGeckoID
		}
	}
	return &CoinGeckoUpdater{
		cache:    cache,
		client:   &http.Client{Timeout: coingeckoTimeout},
		log:      log,
		tokenMap: tokenMap,
	}
}

// Run ticks every 100ms until ctx is done, collapsing repeated
// failures (429s especially) to an every-10th log line per
// update_prices's consecutive_failures handling.
func (u *CoinGeckoUpdater) Run(ctx context.Context) {
	u.log.Info("pricefeed: starting coingecko updater", zap.Int("tokens", len(u.tokenMap)))

	ticker := time.NewTicker(cascadeInterval)
	defer ticker.Stop()

	var consecutiveFailures int
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := u.updatePrices(ctx)
			if err != nil {
				consecutiveFailures++
				if consecutiveFailures%10 == 0 {
					u.log.Warn("pricefeed: coingecko update failing",
						zap.Int("consecutive_failures", consecutiveFailures), zap.Error(err))
				}
				if consecutiveFailures >= 50 {
					u.log.Error("pricefeed: coingecko updater may be rate limited",
						zap.Int("consecutive_failures", consecutiveFailures))
					consecutiveFailures = 0
				}
				continue
			}
			consecutiveFailures = 0
			if n > 0 {
				u.log.Debug("pricefeed: coingecko updated prices", zap.Int("count", n))
			}
		}
	}
}

func (u *CoinGeckoUpdater) updatePrices(ctx context.Context) (int, error) {
	start := time.Now()

	ids := make(map[string]struct{}, len(u.tokenMap))
	for _, id := range u.tokenMap {
		ids[id] = struct{}{}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	idList := make([]string, 0, len(ids))
	for id := range ids {
		idList = append(idList, id)
	}

	reqCtx, cancel := context.WithTimeout(ctx, coingeckoTimeout)
	defer cancel()

	target := fmt.Sprintf("https://api.coingecko.com/api/v3/simple/price?ids=%s&vs_currencies=usd", strings.Join(idList, ","))
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		return 0, err
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("coingecko request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return 0, fmt.Errorf("coingecko rate limited (429)")
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("coingecko http error: %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}

	var parsed map[string]struct {
		USD float64 `json:"usd"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0, fmt.Errorf("coingecko json parse: %w", err)
	}

	prices := make(map[common.Address]float64)
	for addr, id := range u.tokenMap {
		coin, ok := parsed[id]
		if !ok {
			continue
		}
		if validPrice(coin.USD) {
			prices[addr] = coin.USD
		} else {
			u.log.Warn("pricefeed: coingecko price out of range", zap.String("id", id), zap.Float64("price", coin.USD))
		}
	}

	if len(prices) > 0 {
		u.cache.UpdateBatch(prices, SourceChainlink)
	}

	if elapsed := time.Since(start); elapsed > cascadeSlowLog {
		u.log.Warn("pricefeed: coingecko update slow", zap.Duration("elapsed", elapsed))
	}

	return len(prices), nil
}
