// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package tokenenrich

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/topology-indexer/pooltypes"
)

type stubStore struct {
	tokens    []pooltypes.Token
	relations []pooltypes.TokenRelation
	pending   []common.Address
}

func (s *stubStore) UpsertToken(ctx context.Context, t pooltypes.Token) error {
	s.tokens = append(s.tokens, t)
	return nil
}

func (s *stubStore) UpsertTokenRelation(ctx context.Context, rel pooltypes.TokenRelation) error {
	s.relations = append(s.relations, rel)
	return nil
}

func (s *stubStore) TokensNeedingEnrichment(ctx context.Context, limit int) ([]common.Address, error) {
	return s.pending, nil
}

func TestClassifyWETH(t *testing.T) {
	require.Equal(t, pooltypes.TokenWrapped, classify(wethAddress, "", false))
}

func TestClassifyStablecoins(t *testing.T) {
	require.Equal(t, pooltypes.TokenStablecoin, classify(common.HexToAddress("0x1"), "USDC", true))
	require.Equal(t, pooltypes.TokenStablecoin, classify(common.HexToAddress("0x1"), "fooUSDbar", true))
}

func TestClassifyWrapped(t *testing.T) {
	require.Equal(t, pooltypes.TokenWrapped, classify(common.HexToAddress("0x1"), "WBTC", true))
}

func TestClassifyLP(t *testing.T) {
	require.Equal(t, pooltypes.TokenLP, classify(common.HexToAddress("0x1"), "UNI-V2-LP", true))
	require.Equal(t, pooltypes.TokenLP, classify(common.HexToAddress("0x1"), "ETH/USDC", true))
}

func TestClassifyOtherWithNoSymbol(t *testing.T) {
	require.Equal(t, pooltypes.TokenOther, classify(common.HexToAddress("0x1"), "", false))
}

func TestDecodeDecimalsRoundTrip(t *testing.T) {
	out, err := parsedERC20ABI.Methods["decimals"].Outputs.Pack(uint8(18))
	require.NoError(t, err)

	d, ok := decodeDecimals(out)
	require.True(t, ok)
	require.Equal(t, uint8(18), d)
}

func TestDecodeSymbolRoundTrip(t *testing.T) {
	out, err := parsedERC20ABI.Methods["symbol"].Outputs.Pack("USDC")
	require.NoError(t, err)

	s, ok := decodeSymbol(out)
	require.True(t, ok)
	require.Equal(t, "USDC", s)
}

func TestDecodeDecimalsEmptyIsMissing(t *testing.T) {
	_, ok := decodeDecimals(nil)
	require.False(t, ok)
}

func TestDedupe(t *testing.T) {
	a := common.HexToAddress("0x1")
	b := common.HexToAddress("0x2")
	out := dedupe([]common.Address{a, b, a})
	require.Equal(t, []common.Address{a, b}, out)
}

func TestDetectRelationWETH(t *testing.T) {
	store := &stubStore{}
	e := New(nil, store, nil)
	e.detectRelation(context.Background(), wethAddress, "WETH")
	require.Len(t, store.relations, 1)
	require.Equal(t, pooltypes.RelationWrap, store.relations[0].RelationType)
	require.Equal(t, wethAddress, store.relations[0].WrappedToken)
}

func TestDetectRelationBridgedTokenDoesNotPersist(t *testing.T) {
	store := &stubStore{}
	e := New(nil, store, nil)
	e.detectRelation(context.Background(), common.HexToAddress("0x1"), "USDC.e")
	require.Empty(t, store.relations)
}

func TestEnrichNoTokensIsNoop(t *testing.T) {
	store := &stubStore{}
	e := New(nil, store, nil)
	n, err := e.Enrich(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestRunPeriodicSkipsEmptyQueue(t *testing.T) {
	store := &stubStore{}
	e := New(nil, store, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	e.RunPeriodic(ctx, 10*time.Millisecond, 10)
	require.Empty(t, store.tokens)
}
