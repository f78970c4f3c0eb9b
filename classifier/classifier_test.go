// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package classifier

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/topology-indexer/poolevents"
)

func addr(n byte) common.Address {
	var a common.Address
	a[len(a)-1] = n
	return a
}

func TestClassifyPoolCriticalOnBothBlueChip(t *testing.T) {
	weth, usdc := addr(1), addr(2)
	c := New([]common.Address{weth, usdc})

	candidate := poolevents.Candidate{Dex: "UniswapV3", Token0: weth, Token1: usdc}
	if got := c.ClassifyPool(candidate, nil); got != PriorityCritical {
		t.Fatalf("expected Critical, got %v", got)
	}
}

func TestClassifyPoolHighOnSingleBlueChipOrKnownDex(t *testing.T) {
	weth, other, unrelated := addr(1), addr(9), addr(10)
	c := New([]common.Address{weth})

	byBlueChip := poolevents.Candidate{Dex: "UnknownDEX", Token0: weth, Token1: other}
	if got := c.ClassifyPool(byBlueChip, nil); got != PriorityHigh {
		t.Fatalf("expected High via blue-chip token, got %v", got)
	}

	byDex := poolevents.Candidate{Dex: "UniswapV2", Token0: unrelated, Token1: other}
	if got := c.ClassifyPool(byDex, nil); got != PriorityHigh {
		t.Fatalf("expected High via known DEX, got %v", got)
	}
}

func TestClassifyPoolMediumOnKnownToken(t *testing.T) {
	known, unrelated := addr(5), addr(6)
	c := New(nil)
	knownTokens := map[common.Address]struct{}{known: {}}

	candidate := poolevents.Candidate{Dex: "UnknownDEX", Token0: known, Token1: unrelated}
	if got := c.ClassifyPool(candidate, knownTokens); got != PriorityMedium {
		t.Fatalf("expected Medium, got %v", got)
	}
}

func TestClassifyPoolLowOnUnknownEverything(t *testing.T) {
	c := New(nil)
	candidate := poolevents.Candidate{Dex: "UnknownDEX", Token0: addr(3), Token1: addr(4)}
	if got := c.ClassifyPool(candidate, nil); got != PriorityLow {
		t.Fatalf("expected Low, got %v", got)
	}
}

func TestClassifyPoolsBucketsByPriority(t *testing.T) {
	weth := addr(1)
	c := New([]common.Address{weth})

	candidates := []poolevents.Candidate{
		{Dex: "UniswapV3", Token0: weth, Token1: weth}, // critical
		{Dex: "UnknownDEX", Token0: addr(9), Token1: addr(10)}, // low
	}

	critical, high, medium, low := c.ClassifyPools(candidates, nil)
	if len(critical) != 1 || len(high) != 0 || len(medium) != 0 || len(low) != 1 {
		t.Fatalf("unexpected bucket sizes: c=%d h=%d m=%d l=%d", len(critical), len(high), len(medium), len(low))
	}
}

func TestDeferredQueueOrdersByPriorityThenAge(t *testing.T) {
	q := NewDeferredQueue(10, 100)
	pool1, pool2, pool3 := addr(1), addr(2), addr(3)

	if err := q.AddPending(pool1, 100, PriorityHigh); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := q.AddPending(pool2, 100, PriorityLow); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := q.AddPending(pool3, 90, PriorityHigh); err != nil { // older than pool1
		t.Fatalf("unexpected error: %v", err)
	}

	if q.Len() != 3 {
		t.Fatalf("expected 3 pending, got %d", q.Len())
	}

	selected := q.GetValidationsForBlock(101, 9) // 3 calls per pool, budget for 3 pools
	if len(selected) != 3 {
		t.Fatalf("expected 3 selected, got %d", len(selected))
	}
	if selected[0] != pool3 {
		t.Fatalf("expected oldest High priority pool first, got %v", selected[0])
	}
	if selected[2] != pool2 {
		t.Fatalf("expected Low priority pool last, got %v", selected[2])
	}
}

func TestDeferredQueueRejectsLowPriorityWhenFull(t *testing.T) {
	q := NewDeferredQueue(2, 100)
	pool1, pool2, pool3 := addr(1), addr(2), addr(3)

	if err := q.AddPending(pool1, 100, PriorityHigh); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := q.AddPending(pool2, 100, PriorityHigh); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := q.AddPending(pool3, 100, PriorityLow); err == nil {
		t.Fatal("expected ErrQueueFull for Low priority pool on a full queue")
	}
}

func TestDeferredQueueRemoveValidated(t *testing.T) {
	q := NewDeferredQueue(10, 100)
	pool1 := addr(1)
	_ = q.AddPending(pool1, 100, PriorityHigh)

	q.RemoveValidated([]common.Address{pool1})
	if q.Len() != 0 {
		t.Fatalf("expected 0 pending after removal, got %d", q.Len())
	}
}

func TestDeferredQueueCleansOldLowPriorityToMakeRoom(t *testing.T) {
	q := NewDeferredQueue(1, 5)
	oldPool, newPool := addr(1), addr(2)

	if err := q.AddPending(oldPool, 100, PriorityLow); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// oldPool is now 10 blocks old (> maxAgeBlocks=5), should be evicted to make room.
	if err := q.AddPending(newPool, 110, PriorityLow); err != nil {
		t.Fatalf("expected room to be made by cleanup, got error: %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("expected 1 pending after cleanup+insert, got %d", q.Len())
	}
}
