// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package adapter

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/topology-indexer/pooltypes"
)

type stubDEX struct {
	name     string
	registry bool
}

func (s stubDEX) Name() string { return s.name }
func (s stubDEX) DiscoverPools(ctx context.Context, from, to uint64, chunkSize, concurrency int) ([]PoolMeta, error) {
	return nil, nil
}
func (s stubDEX) FetchPoolState(ctx context.Context, pools []common.Address) ([]pooltypes.Pool, error) {
	return nil, nil
}
func (s stubDEX) UsesStaticRegistry() bool { return s.registry }

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register(stubDEX{name: "UniswapV2"})
	r.Register(stubDEX{name: "CurveStable", registry: true})

	d, err := r.Get("UniswapV2")
	require.NoError(t, err)
	require.Equal(t, "UniswapV2", d.Name())
	require.False(t, d.(stubDEX).UsesStaticRegistry())

	d2, err := r.Get("CurveStable")
	require.NoError(t, err)
	require.True(t, d2.(stubDEX).UsesStaticRegistry())

	require.Len(t, r.All(), 2)
}

func TestRegistryGetUnknown(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("DoesNotExist")
	require.True(t, errors.Is(err, ErrUnknownDex))
}
