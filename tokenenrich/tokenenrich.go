// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package tokenenrich resolves on-chain ERC20 metadata (symbol,
// decimals) for tokens first sighted in a pool, classifies them, and
// records any wrap relation it can infer (spec.md §3's "metadata is
// enriched asynchronously"). Grounded on
// original_source/src/token_enricher.rs.
package tokenenrich

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/luxfi/topology-indexer/multicall"
	"github.com/luxfi/topology-indexer/pooltypes"
)

const erc20ABI = `[
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"stateMutability":"view","type":"function"}
]`

var parsedERC20ABI = func() abi.ABI {
	a, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		panic(fmt.Sprintf("tokenenrich: invalid embedded ABI: %v", err))
	}
	return a
}()

// wethAddress is the chain's canonical wrapped-native token, the one
// hardcoded relation token_enricher.rs's detect_relations knows about.
var wethAddress = common.HexToAddress("0x82aF49447D8a07e3bd95BD0d56f35241523fBab1")

// TokenStore is the persistence surface tokenenrich needs:
// upserting enriched tokens and the relations it infers, and the work
// queue of tokens still missing a symbol.
type TokenStore interface {
	UpsertToken(ctx context.Context, t pooltypes.Token) error
	UpsertTokenRelation(ctx context.Context, rel pooltypes.TokenRelation) error
	TokensNeedingEnrichment(ctx context.Context, limit int) ([]common.Address, error)
}

// Enricher resolves token metadata via a multicall batch of
// decimals()/symbol() calls, classifies the result, and persists it.
type Enricher struct {
	multicall *multicall.Batcher
	store     TokenStore
	log       *zap.Logger
}

// New builds an Enricher.
func New(mc *multicall.Batcher, store TokenStore, log *zap.Logger) *Enricher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Enricher{multicall: mc, store: store, log: log}
}

// Enrich fetches decimals/symbol for every distinct token in tokens
// via one multicall batch, classifies each, and upserts the result —
// the Go counterpart of TokenEnricher::run.
func (e *Enricher) Enrich(ctx context.Context, tokens []common.Address) (int, error) {
	distinct := dedupe(tokens)
	if len(distinct) == 0 {
		e.log.Debug("tokenenrich: no tokens to process")
		return 0, nil
	}
	e.log.Info("tokenenrich: fetching metadata", zap.Int("tokens", len(distinct)))

	decimalsCall, err := parsedERC20ABI.Pack("decimals")
	if err != nil {
		return 0, fmt.Errorf("tokenenrich: pack decimals: %w", err)
	}
	symbolCall, err := parsedERC20ABI.Pack("symbol")
	if err != nil {
		return 0, fmt.Errorf("tokenenrich: pack symbol: %w", err)
	}

	calls := make([]multicall.Call, 0, len(distinct)*2)
	for _, token := range distinct {
		calls = append(calls,
			multicall.Call{Target: token, CallData: decimalsCall},
			multicall.Call{Target: token, CallData: symbolCall},
		)
	}

	results, err := e.multicall.Run(ctx, calls, nil)
	if err != nil {
		return 0, fmt.Errorf("tokenenrich: multicall: %w", err)
	}
	if len(results) != len(calls) {
		return 0, fmt.Errorf("tokenenrich: expected %d results, got %d", len(calls), len(results))
	}

	enriched := 0
	for i, token := range distinct {
		decRaw := results[i*2]
		symRaw := results[i*2+1]

		decimals, hasDecimals := decodeDecimals(decRaw)
		symbol, hasSymbol := decodeSymbol(symRaw)

		if hasDecimals {
			enriched++
		}

		tokenType := classify(token, symbol, hasSymbol)

		t := pooltypes.Token{Address: token, Type: tokenType}
		if hasDecimals {
			t.Decimals = decimals
		}
		if hasSymbol {
			t.Symbol = symbol
			t.ConfidenceScore = 1.0
		}
		if err := e.store.UpsertToken(ctx, t); err != nil {
			e.log.Warn("tokenenrich: upsert token failed", zap.Stringer("token", token), zap.Error(err))
			continue
		}

		if hasSymbol {
			e.detectRelation(ctx, token, symbol)
		}
	}

	e.log.Info("tokenenrich: enrichment complete", zap.Int("enriched", enriched), zap.Int("total", len(distinct)))
	return enriched, nil
}

// RunPeriodic drains pgstore.Store.TokensNeedingEnrichment every
// interval, matching run_periodic's DB-driven work queue, until ctx is
// done.
func (e *Enricher) RunPeriodic(ctx context.Context, interval time.Duration, batchLimit int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	run := func() {
		tokens, err := e.store.TokensNeedingEnrichment(ctx, batchLimit)
		if err != nil {
			e.log.Warn("tokenenrich: failed to fetch tokens for enrichment", zap.Error(err))
			return
		}
		if len(tokens) == 0 {
			e.log.Debug("tokenenrich: no tokens to enrich, skipping cycle")
			return
		}
		if _, err := e.Enrich(ctx, tokens); err != nil {
			e.log.Warn("tokenenrich: periodic run failed", zap.Error(err))
		}
	}

	run()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}

// detectRelation records WETH's wrap-of-native relation and merely
// logs bridged-token sightings (symbol ends in ".e"), matching
// detect_relations's scope — the base-token lookup by symbol it notes
// as unresolved stays unresolved here too.
func (e *Enricher) detectRelation(ctx context.Context, token common.Address, symbol string) {
	if symbol == "WETH" || token == wethAddress {
		rel := pooltypes.TokenRelation{
			BaseToken:      common.Address{},
			WrappedToken:   token,
			RelationType:   pooltypes.RelationWrap,
			PrioritySource: "on-chain",
			Confidence:     1.0,
		}
		if err := e.store.UpsertTokenRelation(ctx, rel); err != nil {
			e.log.Debug("tokenenrich: upsert token relation failed", zap.Error(err))
		}
	}

	if strings.HasSuffix(symbol, ".e") {
		e.log.Info("tokenenrich: detected bridged token",
			zap.String("symbol", symbol), zap.String("base", strings.TrimSuffix(symbol, ".e")))
	}
}

func decodeDecimals(raw []byte) (uint8, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	out, err := parsedERC20ABI.Unpack("decimals", raw)
	if err != nil || len(out) == 0 {
		return 0, false
	}
	v, ok := out[0].(uint8)
	if !ok {
		return 0, false
	}
	return v, true
}

func decodeSymbol(raw []byte) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	out, err := parsedERC20ABI.Unpack("symbol", raw)
	if err != nil || len(out) == 0 {
		return "", false
	}
	v, ok := out[0].(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// classify mirrors classify_token's symbol/address heuristics.
func classify(token common.Address, symbol string, hasSymbol bool) pooltypes.TokenType {
	if token == wethAddress {
		return pooltypes.TokenWrapped
	}
	if !hasSymbol {
		return pooltypes.TokenOther
	}

	upper := strings.ToUpper(symbol)
	switch upper {
	case "USDC", "USDT", "DAI", "BUSD", "FRAX":
		return pooltypes.TokenStablecoin
	}
	if strings.Contains(upper, "LP") || strings.Contains(upper, "-") || strings.Contains(upper, "/") {
		return pooltypes.TokenLP
	}
	if strings.Contains(upper, "USD") {
		return pooltypes.TokenStablecoin
	}
	if strings.HasPrefix(upper, "W") && len(symbol) <= 5 {
		return pooltypes.TokenWrapped
	}
	return pooltypes.TokenOther
}

func dedupe(tokens []common.Address) []common.Address {
	seen := make(map[common.Address]struct{}, len(tokens))
	out := make([]common.Address, 0, len(tokens))
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
