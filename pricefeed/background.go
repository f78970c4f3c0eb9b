// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pricefeed

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// OracleSource is the narrow read surface BackgroundUpdater needs
// from priceoracle.Oracle: a batched USD lookup. Identical in shape
// to topology.PriceSource, deliberately — both packages consume the
// same oracle.
type OracleSource interface {
	GetUSDPrices(ctx context.Context, tokens []common.Address) (map[common.Address]float64, error)
}

// BackgroundUpdater is the hot path's warm-up companion (spec.md
// §4.16): it periodically re-polls the full oracle cascade for a
// tracked token list on a longer budget than the hot path can afford,
// filling cache so background_price_updater.rs's "SharedPriceCache
// provided N prices, skip the fetch" short-circuit applies downstream.
// Unlike the Rust source, it does not re-implement the
// Chainlink/pool/hardcoded cascade itself — priceoracle.Oracle already
// is that cascade; this type's only job is scheduling and health
// tracking around it.
type BackgroundUpdater struct {
	cache    *Cache
	oracle   OracleSource
	interval time.Duration
	timeout  time.Duration
	log      *zap.Logger

	mu     sync.RWMutex
	tokens []common.Address
}

// NewBackgroundUpdater builds a BackgroundUpdater. timeout bounds each
// oracle call; interval is the gap between polls.
func NewBackgroundUpdater(cache *Cache, oracle OracleSource, tokens []common.Address, interval, timeout time.Duration, log *zap.Logger) *BackgroundUpdater {
	if log == nil {
		log = zap.NewNop()
	}
	return &BackgroundUpdater{
		cache:    cache,
		oracle:   oracle,
		interval: interval,
		timeout:  timeout,
		log:      log,
		tokens:   dedupeSorted(tokens),
	}
}

// SetTokensToTrack replaces the tracked list, matching
// set_tokens_to_track's dedupe/sort/zero-address-filter.
func (u *BackgroundUpdater) SetTokensToTrack(tokens []common.Address) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.tokens = dedupeSorted(tokens)
}

// AddTokensToTrack appends tokens to the tracked list and returns how
// many were newly added, matching add_tokens_to_track.
func (u *BackgroundUpdater) AddTokensToTrack(tokens []common.Address) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	before := len(u.tokens)
	merged := append(append([]common.Address{}, u.tokens...), tokens...)
	u.tokens = dedupeSorted(merged)
	return len(u.tokens) - before
}

func dedupeSorted(tokens []common.Address) []common.Address {
	seen := make(map[common.Address]struct{}, len(tokens))
	out := make([]common.Address, 0, len(tokens))
	for _, t := range tokens {
		if t == (common.Address{}) {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

// Run performs one warm-up poll, then ticks at interval until ctx is
// done, matching start's warm-up-then-loop structure.
func (u *BackgroundUpdater) Run(ctx context.Context) {
	u.log.Info("pricefeed: starting background updater", zap.Duration("interval", u.interval))

	if n, err := u.updateWithFallback(ctx); err != nil {
		u.log.Error("pricefeed: background warm-up failed", zap.Error(err))
		u.cache.MarkFailure()
	} else {
		u.log.Info("pricefeed: background warm-up done", zap.Int("count", n))
		u.cache.MarkSuccess()
	}

	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := u.updateWithFallback(ctx)
			if err != nil {
				u.cache.MarkFailure()
				u.log.Error("pricefeed: background update failed", zap.Error(err))
				if !u.cache.IsHealthy() {
					u.log.Error("pricefeed: background updater is unhealthy")
				}
				continue
			}
			u.cache.MarkSuccess()
			u.log.Debug("pricefeed: background update done", zap.Int("count", n))
		}
	}
}

// updateWithFallback checks cache for hits first (skipping the oracle
// entirely when everything is already warm), then calls the oracle
// for the remainder under timeout, tolerating a partial result.
func (u *BackgroundUpdater) updateWithFallback(ctx context.Context) (int, error) {
	u.mu.RLock()
	tokens := append([]common.Address{}, u.tokens...)
	u.mu.RUnlock()
	if len(tokens) == 0 {
		return 0, nil
	}

	hits := 0
	var missing []common.Address
	for _, t := range tokens {
		if _, ok := u.cache.GetPrice(t); ok {
			hits++
			continue
		}
		missing = append(missing, t)
	}
	if len(missing) == 0 {
		return hits, nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()
	prices, err := u.oracle.GetUSDPrices(reqCtx, missing)
	if err != nil {
		if hits > 0 {
			return hits, nil
		}
		return 0, err
	}
	if len(prices) > 0 {
		u.cache.UpdateBatch(prices, SourceChainlink)
	}
	return hits + len(prices), nil
}
