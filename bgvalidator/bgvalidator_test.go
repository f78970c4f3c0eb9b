// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bgvalidator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/luxfi/topology-indexer/pooltypes"
	"github.com/luxfi/topology-indexer/validator"
)

type stubStore struct {
	tiers map[[2]float64][]*pooltypes.Pool
	err   error
}

func (s *stubStore) LoadByLiquidityRange(ctx context.Context, minUSD, maxUSD float64) ([]*pooltypes.Pool, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.tiers[[2]float64{minUSD, maxUSD}], nil
}

type stubStateFetcher struct {
	states   map[common.Address]FreshState
	failN    int
	calls    int
	lastErr  error
}

func (f *stubStateFetcher) FetchStates(ctx context.Context, pools []*pooltypes.Pool, blockNumber uint64) (map[common.Address]FreshState, error) {
	f.calls++
	if f.calls <= f.failN {
		if f.lastErr != nil {
			return nil, f.lastErr
		}
		return nil, errors.New("rpc unavailable")
	}
	return f.states, nil
}

func addr(hex string) common.Address { return common.HexToAddress(hex) }

func u(n uint64) *uint256.Int { return uint256.NewInt(n) }

func TestIsHighQualityRequiresBothReservesOrLiquidity(t *testing.T) {
	v := New(Config{})

	cp := &pooltypes.Pool{Kind: pooltypes.PoolKindConstantProduct, Reserve0: u(1), Reserve1: u(1)}
	require.True(t, v.isHighQuality(cp))

	cpMissingOne := &pooltypes.Pool{Kind: pooltypes.PoolKindConstantProduct, Reserve0: u(1)}
	require.False(t, v.isHighQuality(cpMissingOne))

	v3 := &pooltypes.Pool{Kind: pooltypes.PoolKindConcentrated, FeeBps: 3000, Liquidity: u(1)}
	require.True(t, v.isHighQuality(v3))

	v3BadFee := &pooltypes.Pool{Kind: pooltypes.PoolKindConcentrated, FeeBps: 7, Liquidity: u(1)}
	require.False(t, v.isHighQuality(v3BadFee))

	other := &pooltypes.Pool{Kind: pooltypes.PoolKindWeighted}
	require.False(t, v.isHighQuality(other))
}

func TestIsMediumQualityAcceptsEitherReserve(t *testing.T) {
	v := New(Config{})

	oneReserve := &pooltypes.Pool{Kind: pooltypes.PoolKindConstantProduct, Reserve0: u(1)}
	require.True(t, v.isMediumQuality(oneReserve))

	noReserves := &pooltypes.Pool{Kind: pooltypes.PoolKindConstantProduct}
	require.False(t, v.isMediumQuality(noReserves))

	v3 := &pooltypes.Pool{Kind: pooltypes.PoolKindConcentrated, Liquidity: u(1)}
	require.True(t, v.isMediumQuality(v3))
}

func TestIsMinimumQualityAcceptsAnyKnownKind(t *testing.T) {
	v := New(Config{})

	require.True(t, v.isMinimumQuality(&pooltypes.Pool{Kind: pooltypes.PoolKindConstantProduct}))
	require.True(t, v.isMinimumQuality(&pooltypes.Pool{Kind: pooltypes.PoolKindConcentrated}))
	require.False(t, v.isMinimumQuality(&pooltypes.Pool{Kind: pooltypes.PoolKindWeighted}))
}

func TestQualityTiersRejectBlacklistedTokens(t *testing.T) {
	bad := addr("0xbad")
	v := New(Config{Blacklist: []common.Address{bad}})
	p := &pooltypes.Pool{Kind: pooltypes.PoolKindConstantProduct, Token0: bad, Reserve0: u(1), Reserve1: u(1)}

	require.False(t, v.isHighQuality(p))
	require.False(t, v.isMediumQuality(p))
	require.False(t, v.isMinimumQuality(p))
}

func TestFilterByQualityCascadesThroughTiers(t *testing.T) {
	v := New(Config{})

	// Only qualifies at the minimum tier: a constant-product pool with
	// no reserves at all.
	minimumOnly := &pooltypes.Pool{Address: addr("0x1"), Kind: pooltypes.PoolKindConstantProduct}
	out := v.filterByQuality([]*pooltypes.Pool{minimumOnly}, 1)
	require.Len(t, out, 1)

	// Nothing survives even the minimum tier.
	require.Empty(t, v.filterByQuality([]*pooltypes.Pool{{Kind: pooltypes.PoolKindWeighted}}, 1))
}

func TestFilterByQualityTruncatesToTarget(t *testing.T) {
	v := New(Config{})
	var pools []*pooltypes.Pool
	for i := 0; i < 5; i++ {
		pools = append(pools, &pooltypes.Pool{
			Address: addr("0x1"), Kind: pooltypes.PoolKindConstantProduct, Reserve0: u(1), Reserve1: u(1),
		})
	}
	out := v.filterByQuality(pools, 3)
	require.Len(t, out, 3)
}

func TestLoadCandidatePoolsReturnsEarlyWhenHighTierSuffices(t *testing.T) {
	var high []*pooltypes.Pool
	for i := 0; i < 200; i++ {
		high = append(high, &pooltypes.Pool{Address: addr("0x1")})
	}
	store := &stubStore{tiers: map[[2]float64][]*pooltypes.Pool{
		{100_000, 10_000_000}: high,
	}}
	v := New(Config{Store: store})

	pools, err := v.loadCandidatePools(context.Background())
	require.NoError(t, err)
	require.Len(t, pools, 200)
}

func TestLoadCandidatePoolsWidensAcrossTiers(t *testing.T) {
	high := []*pooltypes.Pool{{Address: addr("0x1")}}
	medium := []*pooltypes.Pool{{Address: addr("0x2")}}
	low := []*pooltypes.Pool{{Address: addr("0x3")}}
	store := &stubStore{tiers: map[[2]float64][]*pooltypes.Pool{
		{100_000, 10_000_000}: high,
		{50_000, 100_000}:     medium,
		{25_000, 50_000}:      low,
	}}
	v := New(Config{Store: store})

	pools, err := v.loadCandidatePools(context.Background())
	require.NoError(t, err)
	require.Len(t, pools, 3)
}

func TestLoadCandidatePoolsPropagatesHighTierError(t *testing.T) {
	store := &stubStore{err: errors.New("db down")}
	v := New(Config{Store: store})

	_, err := v.loadCandidatePools(context.Background())
	require.Error(t, err)
}

func TestFetchStatesWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	fetcher := &stubStateFetcher{
		failN:  2,
		states: map[common.Address]FreshState{addr("0x1"): {Reserve0: u(1)}},
	}
	v := New(Config{StateFetcher: fetcher})

	states, err := v.fetchStatesWithRetry(context.Background(), nil, 100)
	require.NoError(t, err)
	require.Len(t, states, 1)
	require.Equal(t, 3, fetcher.calls)
}

func TestFetchStatesWithRetryGivesUpAfterMaxRetries(t *testing.T) {
	fetcher := &stubStateFetcher{failN: 99}
	v := New(Config{StateFetcher: fetcher})

	_, err := v.fetchStatesWithRetry(context.Background(), nil, 100)
	require.Error(t, err)
	require.Equal(t, jitMaxRetries, fetcher.calls)
}

func TestFetchStatesWithRetryAbortsOnContextCancellation(t *testing.T) {
	fetcher := &stubStateFetcher{failN: 99}
	v := New(Config{StateFetcher: fetcher})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := v.fetchStatesWithRetry(ctx, nil, 100)
	require.ErrorIs(t, err, context.Canceled)
}

func TestValidateChunkUpdatesCacheAndCountsLivePools(t *testing.T) {
	live := addr("0x1")
	dry := addr("0x2")
	fetcher := &stubStateFetcher{states: map[common.Address]FreshState{
		live: {Reserve0: u(10), Reserve1: u(10)},
		dry:  {Reserve0: u(0), Reserve1: u(0)},
	}}
	cache := validator.NewDefaultValidationCache()
	v := New(Config{StateFetcher: fetcher, Cache: cache, Logger: zap.NewNop()})

	pools := []*pooltypes.Pool{
		{Address: live, Kind: pooltypes.PoolKindConstantProduct},
		{Address: dry, Kind: pooltypes.PoolKindConstantProduct},
	}
	validated := v.validateChunk(context.Background(), pools, 100)
	require.Equal(t, 2, validated)

	isValid, ok := cache.Get(live, 100)
	require.True(t, ok)
	require.True(t, isValid)

	isValid, ok = cache.Get(dry, 100)
	require.True(t, ok)
	require.False(t, isValid)
}

func TestValidateChunkSkipsPoolsMissingFromFetchResult(t *testing.T) {
	fetcher := &stubStateFetcher{states: map[common.Address]FreshState{}}
	cache := validator.NewDefaultValidationCache()
	v := New(Config{StateFetcher: fetcher, Cache: cache, Logger: zap.NewNop()})

	pools := []*pooltypes.Pool{{Address: addr("0x1"), Kind: pooltypes.PoolKindConstantProduct}}
	require.Equal(t, 0, v.validateChunk(context.Background(), pools, 100))
}

func TestValidateBatchesReturnsZeroWithoutStateFetcher(t *testing.T) {
	v := New(Config{})
	pools := []*pooltypes.Pool{{Address: addr("0x1")}}
	require.Equal(t, 0, v.validateBatches(context.Background(), pools, 100))
}

func TestValidateBatchesSpansMultipleChunks(t *testing.T) {
	var pools []*pooltypes.Pool
	states := make(map[common.Address]FreshState)
	for i := 0; i < batchSize+5; i++ {
		a := common.BigToAddress(new(uint256.Int).SetUint64(uint64(i + 1)).ToBig())
		pools = append(pools, &pooltypes.Pool{Address: a, Kind: pooltypes.PoolKindConstantProduct})
		states[a] = FreshState{Reserve0: u(1), Reserve1: u(1)}
	}
	fetcher := &stubStateFetcher{states: states}
	cache := validator.NewDefaultValidationCache()
	v := New(Config{StateFetcher: fetcher, Cache: cache, Logger: zap.NewNop()})

	validated := v.validateBatches(context.Background(), pools, 100)
	require.Equal(t, len(pools), validated)
	require.Equal(t, 2, fetcher.calls)
}

func TestPoolIsLiveChecksVariantSpecificFields(t *testing.T) {
	require.True(t, poolIsLive(
		&pooltypes.Pool{Kind: pooltypes.PoolKindConstantProduct},
		FreshState{Reserve0: u(1), Reserve1: u(1)}))
	require.False(t, poolIsLive(
		&pooltypes.Pool{Kind: pooltypes.PoolKindConstantProduct},
		FreshState{Reserve0: u(1), Reserve1: u(0)}))
	require.True(t, poolIsLive(
		&pooltypes.Pool{Kind: pooltypes.PoolKindConcentrated},
		FreshState{SqrtPriceX96: u(1), Liquidity: u(1)}))
	require.False(t, poolIsLive(&pooltypes.Pool{Kind: pooltypes.PoolKindWeighted}, FreshState{}))
}

func TestNextIntervalTiersByLastDuration(t *testing.T) {
	require.Equal(t, 5*time.Minute, nextInterval(1*time.Second))
	require.Equal(t, 7*time.Minute+30*time.Second, nextInterval(6*time.Second))
	require.Equal(t, 10*time.Minute, nextInterval(11*time.Second))
}

func TestValidVFeeTiers(t *testing.T) {
	for _, fee := range []uint32{100, 500, 3000, 10000} {
		require.True(t, validV3Fee(fee))
	}
	require.False(t, validV3Fee(7))
}

func TestNonNilPositive(t *testing.T) {
	require.False(t, nonNilPositive(nil))
	require.False(t, nonNilPositive(uint256.NewInt(0)))
	require.True(t, nonNilPositive(uint256.NewInt(1)))
}
