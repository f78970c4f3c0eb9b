// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pgstore

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func TestU256String(t *testing.T) {
	require.Equal(t, "", u256String(nil))
	require.Equal(t, "12345", u256String(uint256.NewInt(12345)))
}

func TestNullIfEmpty(t *testing.T) {
	require.Nil(t, nullIfEmpty(""))
	require.Equal(t, "WETH", nullIfEmpty("WETH"))
}

func TestComputeGapsAfter(t *testing.T) {
	require.Empty(t, computeGapsAfter(nil))
	require.Empty(t, computeGapsAfter([]uint64{1, 2, 3, 4}))
	require.Equal(t, []uint64{3}, computeGapsAfter([]uint64{1, 2, 3, 10}))
	require.Equal(t, []uint64{2, 5}, computeGapsAfter([]uint64{1, 2, 5, 6, 9}))
}
